package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crew_tracker/internal/metrics"
	"crew_tracker/internal/models"
	"crew_tracker/internal/store"
)

// DefaultHeartbeatInterval is how often a tracker refreshes its record.
// Keep it comfortably under the viewer-side online timeout so one missed
// beat does not flip the user offline.
const DefaultHeartbeatInterval = 15 * time.Second

var (
	ErrTrackerRunning = errors.New("presence: tracker already running")
	ErrTrackerStopped = errors.New("presence: tracker stopped")
)

type trackerState int

const (
	trackerIdle trackerState = iota
	trackerRunning
	trackerStopped
)

// Tracker maintains one session's presence record: an online write at start,
// periodic heartbeats that refresh the seen timestamps, and an offline write
// at stop. If the store supports disconnect cleanup, the offline flip is
// also registered there so a dead connection cannot leave the record stuck
// online. A tracker runs once per session; after Stop it is finished.
type Tracker struct {
	store     store.Store
	sessionID string
	user      models.PresenceRecord
	interval  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         trackerState
	stopCh        chan struct{}
	cancelCleanup func()
}

// NewTracker builds a tracker for the session. Only the identity fields of
// user (UserID, Email, DisplayName) are used; the tracker owns the flag and
// timestamps.
func NewTracker(st store.Store, sessionID string, user models.PresenceRecord) *Tracker {
	return &Tracker{
		store:     st,
		sessionID: sessionID,
		user:      user,
		interval:  DefaultHeartbeatInterval,
		now:       time.Now,
	}
}

// Start writes the online record and begins heartbeating. A failed initial
// write leaves the tracker idle.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case trackerRunning:
		t.mu.Unlock()
		return ErrTrackerRunning
	case trackerStopped:
		t.mu.Unlock()
		return ErrTrackerStopped
	}
	t.mu.Unlock()

	now := t.now().UTC()
	rec := models.PresenceRecord{
		UserID:      t.user.UserID,
		Email:       t.user.Email,
		DisplayName: t.user.DisplayName,
		Online:      true,
		LastOnline:  now,
		LastSeen:    now,
	}
	if err := t.store.PutPresence(ctx, rec, false); err != nil {
		return fmt.Errorf("presence: initial online write: %w", err)
	}
	metrics.PresenceWrites.Inc()

	t.mu.Lock()
	if t.state != trackerIdle {
		t.mu.Unlock()
		return ErrTrackerStopped
	}
	t.state = trackerRunning
	t.stopCh = make(chan struct{})
	if dc, ok := t.store.(store.DisconnectCleaner); ok {
		t.cancelCleanup = dc.OnDisconnectPut(t.sessionID, models.PresenceRecord{
			UserID: t.user.UserID,
			Online: false,
		})
	}
	stopCh := t.stopCh
	t.mu.Unlock()

	go t.heartbeat(ctx, stopCh)
	return nil
}

func (t *Tracker) heartbeat(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := t.now().UTC()
			err := t.store.PutPresence(ctx, models.PresenceRecord{
				UserID:     t.user.UserID,
				Online:     true,
				LastOnline: now,
				LastSeen:   now,
			}, true)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"user_id": t.user.UserID,
					"error":   err,
				}).Warn("Presence heartbeat write failed")
				continue
			}
			metrics.PresenceWrites.Inc()
		}
	}
}

// Stop ends heartbeating, revokes the disconnect cleanup, and writes the
// offline record. Idempotent; the offline write is best effort.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.state == trackerStopped {
		t.mu.Unlock()
		return
	}
	wasRunning := t.state == trackerRunning
	t.state = trackerStopped
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	cancel := t.cancelCleanup
	t.cancelCleanup = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasRunning {
		return
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	now := t.now().UTC()
	err := t.store.PutPresence(ctx, models.PresenceRecord{
		UserID:     t.user.UserID,
		Online:     false,
		LastOnline: now,
		LastSeen:   now,
	}, true)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id": t.user.UserID,
			"error":   err,
		}).Warn("Offline presence write failed")
		return
	}
	metrics.PresenceWrites.Inc()
}
