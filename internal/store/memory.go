package store

import (
	"context"
	"sort"
	"time"

	"crew_tracker/internal/geo"
	"crew_tracker/internal/models"
)

// Memory is the in-process Store. It backs tests and single-node deployments
// that do not need durability; state is lost on restart. All operations are
// safe for concurrent use.
type Memory struct {
	fanout
	samples   map[string][]models.LocationSample
	presence  map[string]models.PresenceRecord
	lastStamp map[string]time.Time
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		fanout:    newFanout(),
		samples:   make(map[string][]models.LocationSample),
		presence:  make(map[string]models.PresenceRecord),
		lastStamp: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (m *Memory) AppendLocation(ctx context.Context, userID string, lat, lng float64) (models.LocationSample, error) {
	if userID == "" {
		return models.LocationSample{}, ErrMissingUser
	}
	if !geo.ValidCoords(lat, lng) {
		return models.LocationSample{}, ErrInvalidCoordinates
	}
	if err := ctx.Err(); err != nil {
		return models.LocationSample{}, err
	}

	m.mu.Lock()
	ts := m.now().UTC()
	if last, ok := m.lastStamp[userID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	sample := models.LocationSample{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: ts,
	}
	_, existed := m.samples[userID]
	m.samples[userID] = append(m.samples[userID], sample)
	m.lastStamp[userID] = ts

	m.postSampleLocked(userID, SampleEvent{Samples: []models.LocationSample{sample}})
	evType := TrailModified
	if !existed {
		evType = TrailAdded
	}
	m.postTrailLocked(TrailEvent{Type: evType, UserID: userID})
	m.mu.Unlock()

	return sample, nil
}

func (m *Memory) PutPresence(ctx context.Context, rec models.PresenceRecord, merge bool) error {
	if rec.UserID == "" {
		return ErrMissingUser
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.presence[rec.UserID]; ok && merge {
		rec = mergePresence(existing, rec)
	}
	m.presence[rec.UserID] = rec
	m.postPresenceLocked(PresenceEvent{Records: []models.PresenceRecord{rec}})
	m.mu.Unlock()
	return nil
}

func (m *Memory) PurgeTrail(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.samples[userID]; ok {
		delete(m.samples, userID)
		delete(m.lastStamp, userID)
		m.postTrailLocked(TrailEvent{Type: TrailRemoved, UserID: userID})
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) UserTrails(onChange TrailHandler, onErr ErrorHandler) (Subscription, error) {
	if onChange == nil {
		return nil, ErrNilHandler
	}
	sub := newSubscriber(func(ev any) {
		if e, ok := ev.(TrailEvent); ok {
			onChange(e)
		}
	})

	m.mu.Lock()
	unreg := m.addTrailSub(sub)
	ids := make([]string, 0, len(m.samples))
	for id := range m.samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sub.post(TrailEvent{Type: TrailAdded, UserID: id})
	}
	m.mu.Unlock()

	return &handle{sub: sub, unreg: unreg}, nil
}

func (m *Memory) WatchUser(userID string, onChange SampleHandler, onErr ErrorHandler) (Subscription, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if onChange == nil {
		return nil, ErrNilHandler
	}
	sub := newSubscriber(func(ev any) {
		if e, ok := ev.(SampleEvent); ok {
			onChange(e)
		}
	})

	m.mu.Lock()
	unreg := m.addUserSub(userID, sub)
	snapshot := make([]models.LocationSample, len(m.samples[userID]))
	copy(snapshot, m.samples[userID])
	sub.post(SampleEvent{Snapshot: true, Samples: snapshot})
	m.mu.Unlock()

	return &handle{sub: sub, unreg: unreg}, nil
}

func (m *Memory) WatchPresence(onChange PresenceHandler, onErr ErrorHandler) (Subscription, error) {
	if onChange == nil {
		return nil, ErrNilHandler
	}
	sub := newSubscriber(func(ev any) {
		if e, ok := ev.(PresenceEvent); ok {
			onChange(e)
		}
	})

	m.mu.Lock()
	unreg := m.addPresenceSub(sub)
	records := make([]models.PresenceRecord, 0, len(m.presence))
	for _, rec := range m.presence {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	sub.post(PresenceEvent{Snapshot: true, Records: records})
	m.mu.Unlock()

	return &handle{sub: sub, unreg: unreg}, nil
}

// OnDisconnectPut implements DisconnectCleaner.
func (m *Memory) OnDisconnectPut(sessionID string, rec models.PresenceRecord) func() {
	return m.registerCleanup(sessionID, rec)
}

// SessionClosed implements DisconnectCleaner: any cleanup still registered
// for the session is written now, as a merge so only the fields the session
// set (typically Online plus the timestamps) change.
func (m *Memory) SessionClosed(sessionID string) {
	for _, entry := range m.takeCleanups(sessionID) {
		_ = m.PutPresence(context.Background(), entry.rec, true)
	}
}
