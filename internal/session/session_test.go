package session

import (
	"context"
	"testing"
	"time"

	"crew_tracker/internal/models"
	"crew_tracker/internal/publisher"
	"crew_tracker/internal/store"
)

func presenceOf(t *testing.T, m *store.Memory, userID string) (models.PresenceRecord, bool) {
	t.Helper()
	ch := make(chan store.PresenceEvent, 1)
	sub, err := m.WatchPresence(func(ev store.PresenceEvent) {
		select {
		case ch <- ev:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("watch presence: %v", err)
	}
	defer sub.Cancel()

	select {
	case ev := <-ch:
		for _, rec := range ev.Records {
			if rec.UserID == userID {
				return rec, true
			}
		}
		return models.PresenceRecord{}, false
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence snapshot")
		return models.PresenceRecord{}, false
	}
}

func trailLen(t *testing.T, m *store.Memory, userID string) int {
	t.Helper()
	ch := make(chan store.SampleEvent, 1)
	sub, err := m.WatchUser(userID, func(ev store.SampleEvent) {
		select {
		case ch <- ev:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("watch user: %v", err)
	}
	defer sub.Cancel()

	select {
	case ev := <-ch:
		return len(ev.Samples)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trail snapshot")
		return 0
	}
}

func alice() models.PresenceRecord {
	return models.PresenceRecord{
		UserID:      "alice",
		Email:       "alice@example.com",
		DisplayName: "Alice",
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := store.NewMemory()
	sess := New(m, alice())
	feed := publisher.NewFeed()

	if err := sess.Start(context.Background(), feed); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec, ok := presenceOf(t, m, "alice")
	if !ok || !rec.Online {
		t.Fatalf("presence after start = %+v %v, want online", rec, ok)
	}
	if rec.Email != "alice@example.com" {
		t.Errorf("presence identity = %+v", rec)
	}

	feed.Push(publisher.Fix{Latitude: 27.70, Longitude: 85.30, At: time.Now()})
	feed.Push(publisher.Fix{Latitude: 27.71, Longitude: 85.30, At: time.Now()})
	if got := trailLen(t, m, "alice"); got != 2 {
		t.Fatalf("trail length = %d, want 2", got)
	}

	sess.Stop()
	sess.Stop()

	rec, ok = presenceOf(t, m, "alice")
	if !ok || rec.Online {
		t.Fatalf("presence after stop = %+v %v, want offline", rec, ok)
	}

	// The feed is detached; further pushes change nothing.
	feed.Push(publisher.Fix{Latitude: 27.90, Longitude: 85.30, At: time.Now()})
	if got := trailLen(t, m, "alice"); got != 2 {
		t.Fatalf("trail length after stop = %d, want 2", got)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	m := store.NewMemory()
	a := New(m, alice())
	b := New(m, alice())
	if a.ID == b.ID {
		t.Fatal("two sessions for the same user must get distinct ids")
	}
}

func TestSessionStopWithoutStart(t *testing.T) {
	m := store.NewMemory()
	sess := New(m, alice())
	sess.Stop() // must not panic or write anything

	if _, ok := presenceOf(t, m, "alice"); ok {
		t.Fatal("stop without start should not create a presence record")
	}
}

func TestSessionDeadConnectionCleanup(t *testing.T) {
	m := store.NewMemory()
	sess := New(m, alice())
	if err := sess.Start(context.Background(), publisher.NewFeed()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The connection dies without Stop ever running; the store-side hook is
	// all that is left.
	m.SessionClosed(sess.ID)

	rec, ok := presenceOf(t, m, "alice")
	if !ok || rec.Online {
		t.Fatalf("presence after dead connection = %+v %v, want offline", rec, ok)
	}
	if rec.Email != "alice@example.com" {
		t.Errorf("cleanup lost identity fields: %+v", rec)
	}
}

func TestSessionCleanStopDisarmsCleanup(t *testing.T) {
	m := store.NewMemory()
	sess := New(m, alice())
	if err := sess.Start(context.Background(), publisher.NewFeed()); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess.Stop()
	offline, _ := presenceOf(t, m, "alice")

	// Closing the transport afterwards must find nothing armed and change
	// nothing.
	m.SessionClosed(sess.ID)
	rec, _ := presenceOf(t, m, "alice")
	if rec.Online {
		t.Fatal("record flipped back online")
	}
	if !rec.LastSeen.Equal(offline.LastSeen) {
		t.Errorf("cleanup rewrote the record: %+v vs %+v", rec, offline)
	}
}

func TestSessionLastAccepted(t *testing.T) {
	m := store.NewMemory()
	sess := New(m, alice())
	feed := publisher.NewFeed()
	if err := sess.Start(context.Background(), feed); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Stop()

	if _, _, ok := sess.LastAccepted(); ok {
		t.Fatal("no baseline expected before the first fix")
	}
	feed.Push(publisher.Fix{Latitude: 27.70, Longitude: 85.30, At: time.Now()})
	lat, lng, ok := sess.LastAccepted()
	if !ok || lat != 27.70 || lng != 85.30 {
		t.Fatalf("baseline = %v,%v,%v", lat, lng, ok)
	}
}
