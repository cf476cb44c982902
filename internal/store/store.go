package store

import (
	"context"
	"errors"

	"crew_tracker/internal/models"
)

// The store is the one shared mutable resource in the system. Location
// samples form an append-only stream per user; presence records are mutable
// but single-writer (only the owning session touches its own record). Every
// other component either appends/puts under its own identity or subscribes
// read-only, so no cross-user read-modify-write exists anywhere.
//
// Subscriptions are push-based: the handler first receives a snapshot of
// current state, then incremental changes, until the handle is cancelled.
// Delivery order across writers is NOT guaranteed to match commit order, and
// a record may occasionally be delivered twice (snapshot overlapping a live
// change). Consumers own re-ordering and de-duplication.

var (
	ErrMissingUser        = errors.New("store: user id required")
	ErrInvalidCoordinates = errors.New("store: invalid coordinates")
	ErrNilHandler         = errors.New("store: change handler required")
)

// TrailEventType classifies changes on the user-index stream.
type TrailEventType string

const (
	// TrailAdded fires when a user's stream gains its first sample, and for
	// every existing stream when a subscription starts.
	TrailAdded TrailEventType = "added"
	// TrailModified fires when an existing stream gains a sample. Consumers
	// that open per-user watches must treat added and modified as the same
	// "make sure exactly one watch exists" signal.
	TrailModified TrailEventType = "modified"
	// TrailRemoved fires when a user's stream is purged.
	TrailRemoved TrailEventType = "removed"
)

// TrailEvent is one change on the user-index stream.
type TrailEvent struct {
	Type   TrailEventType
	UserID string
}

// SampleEvent carries location samples on a per-user watch. The first event
// on every watch has Snapshot set and holds the samples present at subscribe
// time; later events carry newly appended samples.
type SampleEvent struct {
	Snapshot bool
	Samples  []models.LocationSample
}

// PresenceEvent carries presence records. The first event on every watch has
// Snapshot set with all current records; later events carry one updated
// record each.
type PresenceEvent struct {
	Snapshot bool
	Records  []models.PresenceRecord
}

type (
	TrailHandler    func(TrailEvent)
	SampleHandler   func(SampleEvent)
	PresenceHandler func(PresenceEvent)
	ErrorHandler    func(error)
)

// Subscription is the cancel handle returned by every subscribe call.
// Cancel is idempotent; after it returns, at most one already-in-flight
// event may still reach the handler.
type Subscription interface {
	Cancel()
}

// Store is the abstract shared data service. Both implementations in this
// package (Memory and DB) satisfy it; everything above the store is written
// against this interface only.
type Store interface {
	// AppendLocation appends one immutable sample to the user's stream and
	// returns it with the store-assigned timestamp, which is strictly
	// increasing per user.
	AppendLocation(ctx context.Context, userID string, lat, lng float64) (models.LocationSample, error)

	// PutPresence upserts the user's presence record. With merge set, zero
	// fields of rec (empty strings, zero times) inherit the stored values;
	// Online is always taken from rec.
	PutPresence(ctx context.Context, rec models.PresenceRecord, merge bool) error

	// PurgeTrail removes a user's entire sample stream and announces the
	// removal on the user-index stream. Purging an absent stream is a no-op.
	PurgeTrail(ctx context.Context, userID string) error

	// UserTrails subscribes to the user-index stream: added for every
	// existing stream, then added/modified/removed as streams change.
	UserTrails(onChange TrailHandler, onErr ErrorHandler) (Subscription, error)

	// WatchUser subscribes to one user's sample stream: snapshot, then
	// appended samples. Watching a user with no samples yet is valid and
	// yields an empty snapshot.
	WatchUser(userID string, onChange SampleHandler, onErr ErrorHandler) (Subscription, error)

	// WatchPresence subscribes to all presence records: snapshot, then
	// single-record updates.
	WatchPresence(onChange PresenceHandler, onErr ErrorHandler) (Subscription, error)
}

// DisconnectCleaner is an optional store capability: a presence write that
// the store itself performs if a session ends without cancelling it first.
// Sessions register their "I am offline" record here right after start, so
// that a connection dying mid-flight still flips the record even though the
// session never ran its own teardown.
type DisconnectCleaner interface {
	// OnDisconnectPut registers rec to be written (merged) when sessionID
	// closes uncleanly. The returned cancel revokes the registration and is
	// idempotent.
	OnDisconnectPut(sessionID string, rec models.PresenceRecord) (cancel func())

	// SessionClosed runs and discards every cleanup registered for the
	// session. Calling it for an unknown session is a no-op.
	SessionClosed(sessionID string)
}

// mergePresence folds an update into the stored record: identity fields and
// timestamps fall back to the stored values when the update leaves them
// zero, Online always comes from the update.
func mergePresence(existing, update models.PresenceRecord) models.PresenceRecord {
	merged := update
	merged.ID = existing.ID
	if merged.Email == "" {
		merged.Email = existing.Email
	}
	if merged.DisplayName == "" {
		merged.DisplayName = existing.DisplayName
	}
	if merged.LastOnline.IsZero() {
		merged.LastOnline = existing.LastOnline
	}
	if merged.LastSeen.IsZero() {
		merged.LastSeen = existing.LastSeen
	}
	return merged
}
