package trail

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"crew_tracker/internal/models"
	"crew_tracker/internal/store"
)

type fakeSub struct {
	mu        sync.Mutex
	cancelled int
}

func (f *fakeSub) Cancel() {
	f.mu.Lock()
	f.cancelled++
	f.mu.Unlock()
}

func (f *fakeSub) cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// scriptedStore hands the registered handlers back to the test, which then
// plays events synchronously. That makes delivery order, duplication, and
// malformed input fully deterministic.
type scriptedStore struct {
	mu             sync.Mutex
	trailHandler   store.TrailHandler
	indexSub       *fakeSub
	sampleHandlers map[string]store.SampleHandler
	watchSubs      map[string]*fakeSub
	watchCalls     map[string]int
	snapshots      map[string][]models.LocationSample
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		indexSub:       &fakeSub{},
		sampleHandlers: make(map[string]store.SampleHandler),
		watchSubs:      make(map[string]*fakeSub),
		watchCalls:     make(map[string]int),
		snapshots:      make(map[string][]models.LocationSample),
	}
}

func (s *scriptedStore) AppendLocation(context.Context, string, float64, float64) (models.LocationSample, error) {
	return models.LocationSample{}, nil
}
func (s *scriptedStore) PutPresence(context.Context, models.PresenceRecord, bool) error { return nil }
func (s *scriptedStore) PurgeTrail(context.Context, string) error                       { return nil }
func (s *scriptedStore) WatchPresence(store.PresenceHandler, store.ErrorHandler) (store.Subscription, error) {
	return &fakeSub{}, nil
}

func (s *scriptedStore) UserTrails(onChange store.TrailHandler, onErr store.ErrorHandler) (store.Subscription, error) {
	s.mu.Lock()
	s.trailHandler = onChange
	s.mu.Unlock()
	return s.indexSub, nil
}

func (s *scriptedStore) WatchUser(userID string, onChange store.SampleHandler, onErr store.ErrorHandler) (store.Subscription, error) {
	s.mu.Lock()
	s.watchCalls[userID]++
	s.sampleHandlers[userID] = onChange
	sub := &fakeSub{}
	s.watchSubs[userID] = sub
	snapshot := s.snapshots[userID]
	s.mu.Unlock()

	onChange(store.SampleEvent{Snapshot: true, Samples: snapshot})
	return sub, nil
}

func (s *scriptedStore) emitTrail(t store.TrailEventType, userID string) {
	s.mu.Lock()
	h := s.trailHandler
	s.mu.Unlock()
	h(store.TrailEvent{Type: t, UserID: userID})
}

func (s *scriptedStore) emitSamples(userID string, samples ...models.LocationSample) {
	s.mu.Lock()
	h := s.sampleHandlers[userID]
	s.mu.Unlock()
	h(store.SampleEvent{Samples: samples})
}

type changeLog struct {
	mu     sync.Mutex
	trails []Trail
}

func (c *changeLog) record(tr Trail) {
	c.mu.Lock()
	c.trails = append(c.trails, tr)
	c.mu.Unlock()
}

func (c *changeLog) last(t *testing.T) Trail {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.trails) == 0 {
		t.Fatal("no trail changes recorded")
	}
	return c.trails[len(c.trails)-1]
}

func (c *changeLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trails)
}

func sampleAt(userID string, lat, lng float64, sec int) models.LocationSample {
	return models.LocationSample{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: time.Date(2025, 3, 1, 10, 0, sec, 0, time.UTC),
	}
}

func startScripted(t *testing.T) (*scriptedStore, *Aggregator, *changeLog) {
	t.Helper()
	st := newScriptedStore()
	log := &changeLog{}
	a := NewAggregator(st, log.record)
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return st, a, log
}

func TestAggregatorBuildsTrailFromSnapshotAndLive(t *testing.T) {
	st, a, log := startScripted(t)
	defer a.Close()

	st.snapshots["alice"] = []models.LocationSample{
		sampleAt("alice", 27.70, 85.30, 0),
		sampleAt("alice", 27.71, 85.30, 1),
	}
	st.emitTrail(store.TrailAdded, "alice")

	got := log.last(t)
	if len(got.Samples) != 2 {
		t.Fatalf("snapshot trail has %d samples, want 2", len(got.Samples))
	}

	st.emitSamples("alice", sampleAt("alice", 27.72, 85.30, 2))
	got = log.last(t)
	if len(got.Samples) != 3 {
		t.Fatalf("trail has %d samples after live append, want 3", len(got.Samples))
	}
	for i := 1; i < len(got.Samples); i++ {
		if !got.Samples[i].Timestamp.After(got.Samples[i-1].Timestamp) {
			t.Fatalf("trail out of order at %d: %+v", i, got.Samples)
		}
	}
}

func TestAggregatorDeduplicatesRedelivery(t *testing.T) {
	st, a, log := startScripted(t)
	defer a.Close()

	st.emitTrail(store.TrailAdded, "alice")
	s := sampleAt("alice", 27.70, 85.30, 0)
	st.emitSamples("alice", s)
	before := log.count()

	// The same sample coming around again must change nothing and must not
	// even publish.
	st.emitSamples("alice", s)
	if log.count() != before {
		t.Fatal("duplicate delivery triggered a publish")
	}
	if got := log.last(t); len(got.Samples) != 1 {
		t.Fatalf("trail has %d samples, want 1", len(got.Samples))
	}
}

func TestAggregatorReordersLateArrivals(t *testing.T) {
	st, a, log := startScripted(t)
	defer a.Close()

	st.emitTrail(store.TrailAdded, "alice")
	second := sampleAt("alice", 27.71, 85.30, 5)
	first := sampleAt("alice", 27.70, 85.30, 2)
	st.emitSamples("alice", second)
	st.emitSamples("alice", first)

	got := log.last(t)
	if len(got.Samples) != 2 {
		t.Fatalf("trail has %d samples, want 2", len(got.Samples))
	}
	if !got.Samples[0].Timestamp.Equal(first.Timestamp) {
		t.Fatalf("late arrival not re-sorted: %+v", got.Samples)
	}
}

func TestAggregatorOpensOneWatchPerUser(t *testing.T) {
	st, a, _ := startScripted(t)
	defer a.Close()

	st.emitTrail(store.TrailAdded, "alice")
	st.emitTrail(store.TrailAdded, "alice")
	st.emitTrail(store.TrailModified, "alice")

	st.mu.Lock()
	calls := st.watchCalls["alice"]
	st.mu.Unlock()
	if calls != 1 {
		t.Fatalf("WatchUser called %d times, want 1", calls)
	}
}

func TestAggregatorDropsMalformedSamples(t *testing.T) {
	st, a, log := startScripted(t)
	defer a.Close()

	st.emitTrail(store.TrailAdded, "alice")
	noStamp := models.LocationSample{UserID: "alice", Latitude: 1, Longitude: 1}
	st.emitSamples("alice",
		sampleAt("alice", math.NaN(), 85.30, 0),
		sampleAt("alice", 91.5, 85.30, 1),
		noStamp,
		sampleAt("alice", 27.70, 85.30, 2),
	)

	got := log.last(t)
	if len(got.Samples) != 1 || got.Samples[0].Latitude != 27.70 {
		t.Fatalf("trail = %+v, want only the valid sample", got.Samples)
	}
}

func TestAggregatorRemovalTearsDown(t *testing.T) {
	st, a, log := startScripted(t)
	defer a.Close()

	st.emitTrail(store.TrailAdded, "alice")
	st.emitSamples("alice", sampleAt("alice", 27.70, 85.30, 0))

	st.emitTrail(store.TrailRemoved, "alice")
	got := log.last(t)
	if got.UserID != "alice" || len(got.Samples) != 0 {
		t.Fatalf("removal should publish an empty trail, got %+v", got)
	}
	if st.watchSubs["alice"].cancels() != 1 {
		t.Fatal("per-user watch not cancelled on removal")
	}
	if _, ok := a.Trail("alice"); ok {
		t.Fatal("trail still present after removal")
	}

	// A watch event still in flight after the removal must be ignored.
	before := log.count()
	st.emitSamples("alice", sampleAt("alice", 27.71, 85.30, 1))
	if log.count() != before {
		t.Fatal("stale watch event published after removal")
	}
}

func TestAggregatorSnapshotCopies(t *testing.T) {
	st, a, _ := startScripted(t)
	defer a.Close()

	st.emitTrail(store.TrailAdded, "bob")
	st.emitTrail(store.TrailAdded, "alice")
	st.emitSamples("alice", sampleAt("alice", 27.70, 85.30, 0))
	st.emitSamples("bob", sampleAt("bob", 27.80, 85.30, 0))

	snap := a.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "alice" || snap[1].UserID != "bob" {
		t.Fatalf("snapshot = %+v, want alice then bob", snap)
	}

	// Mutating the returned slice must not leak into the aggregator.
	snap[0].Samples[0].Latitude = 0
	tr, ok := a.Trail("alice")
	if !ok || tr.Samples[0].Latitude != 27.70 {
		t.Fatal("snapshot shares backing storage with the aggregator")
	}
}

func TestAggregatorCloseCancelsEverything(t *testing.T) {
	st, a, log := startScripted(t)

	st.emitTrail(store.TrailAdded, "alice")
	st.emitTrail(store.TrailAdded, "bob")

	a.Close()
	a.Close()

	if st.indexSub.cancels() != 1 {
		t.Fatalf("index subscription cancelled %d times, want 1", st.indexSub.cancels())
	}
	for _, id := range []string{"alice", "bob"} {
		if st.watchSubs[id].cancels() != 1 {
			t.Fatalf("watch for %s cancelled %d times, want 1", id, st.watchSubs[id].cancels())
		}
	}

	before := log.count()
	st.emitSamples("alice", sampleAt("alice", 27.70, 85.30, 0))
	if log.count() != before {
		t.Fatal("publish after close")
	}
}

func waitForTrail(t *testing.T, ch <-chan Trail, match func(Trail) bool) Trail {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-ch:
			if match(tr) {
				return tr
			}
		case <-deadline:
			t.Fatal("timed out waiting for trail change")
			return Trail{}
		}
	}
}

func TestAggregatorAgainstMemoryStore(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	if _, err := m.AppendLocation(ctx, "alice", 27.70, 85.30); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AppendLocation(ctx, "alice", 27.71, 85.30); err != nil {
		t.Fatal(err)
	}

	ch := make(chan Trail, 64)
	a := NewAggregator(m, func(tr Trail) { ch <- tr })
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close()

	waitForTrail(t, ch, func(tr Trail) bool {
		return tr.UserID == "alice" && len(tr.Samples) == 2
	})

	if _, err := m.AppendLocation(ctx, "bob", 27.80, 85.30); err != nil {
		t.Fatal(err)
	}
	waitForTrail(t, ch, func(tr Trail) bool {
		return tr.UserID == "bob" && len(tr.Samples) == 1
	})

	if err := m.PurgeTrail(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	waitForTrail(t, ch, func(tr Trail) bool {
		return tr.UserID == "alice" && len(tr.Samples) == 0
	})

	if tr, ok := a.Trail("bob"); !ok || len(tr.Samples) != 1 {
		t.Fatalf("bob's trail = %+v %v, want intact", tr, ok)
	}
}
