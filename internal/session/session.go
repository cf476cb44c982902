package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"crew_tracker/internal/models"
	"crew_tracker/internal/presence"
	"crew_tracker/internal/publisher"
	"crew_tracker/internal/store"
)

// Session binds one live connection to its location publisher and presence
// tracker. The ID is per connection, not per user, so the same account in
// two tabs yields two independent sessions whose disconnect cleanups do not
// shadow each other.
type Session struct {
	ID     string
	UserID string

	publisher *publisher.Publisher
	tracker   *presence.Tracker
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// New builds a session for the user. Only the identity fields of user are
// read (UserID, Email, DisplayName).
func New(st store.Store, user models.PresenceRecord) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		UserID:    user.UserID,
		publisher: publisher.New(st, user.UserID),
		tracker:   presence.NewTracker(st, id, user),
	}
}

// Start brings the session up: presence first, then the fix pipeline, so
// the user is never publishing movement while still marked offline. A
// failure at either step tears down whatever came up.
func (s *Session) Start(ctx context.Context, src publisher.FixSource) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.tracker.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	if err := s.publisher.Start(ctx, src); err != nil {
		s.tracker.Stop()
		cancel()
		return fmt.Errorf("session %s: start publisher: %w", s.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"user_id":    s.UserID,
	}).Info("Session started")
	return nil
}

// Stop tears the session down in reverse order: detach from the fix source,
// then go offline. Idempotent and safe to call on a session that never
// started.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.publisher.Stop()
		s.tracker.Stop()
		if s.cancel != nil {
			s.cancel()
		}
		logrus.WithFields(logrus.Fields{
			"session_id": s.ID,
			"user_id":    s.UserID,
		}).Info("Session stopped")
	})
}

// LastAccepted exposes the publisher's filter baseline, the last fix that
// made it through.
func (s *Session) LastAccepted() (lat, lng float64, ok bool) {
	known, ok := s.publisher.LastAccepted()
	if !ok {
		return 0, 0, false
	}
	return known.Lat, known.Lng, true
}
