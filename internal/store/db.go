package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"crew_tracker/internal/geo"
	"crew_tracker/internal/models"
)

// DB is the database-backed Store. Samples and presence rows live in the
// relational schema (see models.LocationSample and models.PresenceRecord);
// change notification is process-local, so all sessions that must see each
// other's updates connect to the same process.
//
// Subscriptions register before the snapshot query runs, with the gate in
// subscriber holding live events back until the snapshot is delivered. A
// change that commits during the query window can therefore appear both in
// the snapshot and as a live event; consumers de-duplicate.
type DB struct {
	fanout
	db        *gorm.DB
	lastStamp map[string]time.Time
	now       func() time.Time
}

func NewDB(db *gorm.DB) *DB {
	return &DB{
		fanout:    newFanout(),
		db:        db,
		lastStamp: make(map[string]time.Time),
		now:       time.Now,
	}
}

// lastTimestamp returns the newest stored timestamp for the user and whether
// the user has any samples, consulting the cache before the database.
func (d *DB) lastTimestamp(ctx context.Context, userID string) (time.Time, bool, error) {
	d.mu.Lock()
	last, ok := d.lastStamp[userID]
	d.mu.Unlock()
	if ok {
		return last, true, nil
	}

	var prev models.LocationSample
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		First(&prev).Error
	if err == nil {
		return prev.Timestamp, true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	return time.Time{}, false, err
}

func (d *DB) AppendLocation(ctx context.Context, userID string, lat, lng float64) (models.LocationSample, error) {
	if userID == "" {
		return models.LocationSample{}, ErrMissingUser
	}
	if !geo.ValidCoords(lat, lng) {
		return models.LocationSample{}, ErrInvalidCoordinates
	}

	last, existed, err := d.lastTimestamp(ctx, userID)
	if err != nil {
		return models.LocationSample{}, fmt.Errorf("store: load last timestamp for %s: %w", userID, err)
	}

	d.mu.Lock()
	if cached, ok := d.lastStamp[userID]; ok {
		existed = true
		if cached.After(last) {
			last = cached
		}
	}
	ts := d.now().UTC()
	if !ts.After(last) {
		// One microsecond past the previous sample keeps per-user order
		// strict without outrunning timestamptz precision.
		ts = last.Add(time.Microsecond)
	}
	d.lastStamp[userID] = ts
	d.mu.Unlock()

	sample := models.LocationSample{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: ts,
	}
	if err := d.db.WithContext(ctx).Create(&sample).Error; err != nil {
		d.mu.Lock()
		if !existed && d.lastStamp[userID].Equal(ts) {
			delete(d.lastStamp, userID)
		}
		d.mu.Unlock()
		return models.LocationSample{}, fmt.Errorf("store: append location for %s: %w", userID, err)
	}

	d.mu.Lock()
	d.postSampleLocked(userID, SampleEvent{Samples: []models.LocationSample{sample}})
	evType := TrailModified
	if !existed {
		evType = TrailAdded
	}
	d.postTrailLocked(TrailEvent{Type: evType, UserID: userID})
	d.mu.Unlock()

	return sample, nil
}

func (d *DB) PutPresence(ctx context.Context, rec models.PresenceRecord, merge bool) error {
	if rec.UserID == "" {
		return ErrMissingUser
	}

	var existing models.PresenceRecord
	err := d.db.WithContext(ctx).Where("user_id = ?", rec.UserID).First(&existing).Error
	switch {
	case err == nil:
		if merge {
			rec = mergePresence(existing, rec)
		} else {
			rec.ID = existing.ID
		}
		if err := d.db.WithContext(ctx).Save(&rec).Error; err != nil {
			return fmt.Errorf("store: update presence for %s: %w", rec.UserID, err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("store: create presence for %s: %w", rec.UserID, err)
		}
	default:
		return fmt.Errorf("store: load presence for %s: %w", rec.UserID, err)
	}

	d.mu.Lock()
	d.postPresenceLocked(PresenceEvent{Records: []models.PresenceRecord{rec}})
	d.mu.Unlock()
	return nil
}

func (d *DB) PurgeTrail(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}

	tx := d.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.LocationSample{})
	if tx.Error != nil {
		return fmt.Errorf("store: purge trail for %s: %w", userID, tx.Error)
	}

	d.mu.Lock()
	delete(d.lastStamp, userID)
	if tx.RowsAffected > 0 {
		d.postTrailLocked(TrailEvent{Type: TrailRemoved, UserID: userID})
	}
	d.mu.Unlock()
	return nil
}

func (d *DB) UserTrails(onChange TrailHandler, onErr ErrorHandler) (Subscription, error) {
	if onChange == nil {
		return nil, ErrNilHandler
	}
	sub := newGatedSubscriber(func(ev any) {
		if e, ok := ev.(TrailEvent); ok {
			onChange(e)
		}
	})

	d.mu.Lock()
	unreg := d.addTrailSub(sub)
	d.mu.Unlock()

	var ids []string
	err := d.db.Model(&models.LocationSample{}).
		Distinct().
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		unreg()
		sub.stop()
		return nil, fmt.Errorf("store: list user trails: %w", err)
	}

	initial := make([]any, 0, len(ids))
	for _, id := range ids {
		initial = append(initial, TrailEvent{Type: TrailAdded, UserID: id})
	}
	sub.release(initial...)

	return &handle{sub: sub, unreg: unreg}, nil
}

func (d *DB) WatchUser(userID string, onChange SampleHandler, onErr ErrorHandler) (Subscription, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if onChange == nil {
		return nil, ErrNilHandler
	}
	sub := newGatedSubscriber(func(ev any) {
		if e, ok := ev.(SampleEvent); ok {
			onChange(e)
		}
	})

	d.mu.Lock()
	unreg := d.addUserSub(userID, sub)
	d.mu.Unlock()

	var rows []models.LocationSample
	err := d.db.Where("user_id = ?", userID).Order("timestamp ASC").Find(&rows).Error
	if err != nil {
		unreg()
		sub.stop()
		return nil, fmt.Errorf("store: load trail for %s: %w", userID, err)
	}
	sub.release(SampleEvent{Snapshot: true, Samples: rows})

	return &handle{sub: sub, unreg: unreg}, nil
}

func (d *DB) WatchPresence(onChange PresenceHandler, onErr ErrorHandler) (Subscription, error) {
	if onChange == nil {
		return nil, ErrNilHandler
	}
	sub := newGatedSubscriber(func(ev any) {
		if e, ok := ev.(PresenceEvent); ok {
			onChange(e)
		}
	})

	d.mu.Lock()
	unreg := d.addPresenceSub(sub)
	d.mu.Unlock()

	var records []models.PresenceRecord
	if err := d.db.Order("user_id").Find(&records).Error; err != nil {
		unreg()
		sub.stop()
		return nil, fmt.Errorf("store: load presence: %w", err)
	}
	sub.release(PresenceEvent{Snapshot: true, Records: records})

	return &handle{sub: sub, unreg: unreg}, nil
}

// OnDisconnectPut implements DisconnectCleaner.
func (d *DB) OnDisconnectPut(sessionID string, rec models.PresenceRecord) func() {
	return d.registerCleanup(sessionID, rec)
}

// SessionClosed implements DisconnectCleaner.
func (d *DB) SessionClosed(sessionID string) {
	for _, entry := range d.takeCleanups(sessionID) {
		_ = d.PutPresence(context.Background(), entry.rec, true)
	}
}
