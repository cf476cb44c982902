package store

import (
	"sync"

	"crew_tracker/internal/models"
)

// subscriber decouples event production from handler execution. Writers
// append to the queue under a short lock and never wait on the handler; a
// dedicated goroutine drains the queue and runs the handler, so handlers are
// free to call back into the store (open new watches, append, purge) without
// deadlocking. Events for one subscriber are always delivered in post order.
type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	pending []any
	gated   bool
	closed  bool
	deliver func(any)
}

func newSubscriber(deliver func(any)) *subscriber {
	s := &subscriber{deliver: deliver}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// newGatedSubscriber buffers posted events until release. Stores whose
// snapshot read happens outside the registration lock use this so the
// snapshot is still the first thing delivered; anything that lands while
// the snapshot query runs follows it.
func newGatedSubscriber(deliver func(any)) *subscriber {
	s := &subscriber{deliver: deliver, gated: true}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.deliver(ev)
	}
}

// post enqueues without blocking. Safe to call while holding store locks.
func (s *subscriber) post(ev any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.gated {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// release enqueues the initial events ahead of anything buffered while
// gated, then opens the gate for direct delivery.
func (s *subscriber) release(initial ...any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, initial...)
	s.queue = append(s.queue, s.pending...)
	s.pending = nil
	s.gated = false
	s.mu.Unlock()
	s.cond.Signal()
}

// stop discards queued events and ends the drain goroutine. An event whose
// delivery already started may still complete.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.pending = nil
	s.mu.Unlock()
	s.cond.Signal()
}

// handle is the Subscription returned to callers. Cancel unregisters from
// the store exactly once, then stops the drain goroutine.
type handle struct {
	once  sync.Once
	sub   *subscriber
	unreg func()
}

func (h *handle) Cancel() {
	h.once.Do(func() {
		h.unreg()
		h.sub.stop()
	})
}

// cleanupEntry is one registered disconnect write.
type cleanupEntry struct {
	rec models.PresenceRecord
}

// fanout holds the subscriber registries shared by both store
// implementations. The mutex also guards the embedding store's own state, so
// implementations get snapshot-vs-registration atomicity for free when their
// state lives in memory.
type fanout struct {
	mu           sync.Mutex
	trailSubs    map[*subscriber]struct{}
	userSubs     map[string]map[*subscriber]struct{}
	presenceSubs map[*subscriber]struct{}
	cleanups     map[string][]*cleanupEntry
}

func newFanout() fanout {
	return fanout{
		trailSubs:    make(map[*subscriber]struct{}),
		userSubs:     make(map[string]map[*subscriber]struct{}),
		presenceSubs: make(map[*subscriber]struct{}),
		cleanups:     make(map[string][]*cleanupEntry),
	}
}

// The post helpers below require f.mu to be held.

func (f *fanout) postTrailLocked(ev TrailEvent) {
	for sub := range f.trailSubs {
		sub.post(ev)
	}
}

func (f *fanout) postSampleLocked(userID string, ev SampleEvent) {
	for sub := range f.userSubs[userID] {
		sub.post(ev)
	}
}

func (f *fanout) postPresenceLocked(ev PresenceEvent) {
	for sub := range f.presenceSubs {
		sub.post(ev)
	}
}

func (f *fanout) addTrailSub(sub *subscriber) func() {
	f.trailSubs[sub] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.trailSubs, sub)
		f.mu.Unlock()
	}
}

func (f *fanout) addUserSub(userID string, sub *subscriber) func() {
	set, ok := f.userSubs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		f.userSubs[userID] = set
	}
	set[sub] = struct{}{}
	return func() {
		f.mu.Lock()
		if set, ok := f.userSubs[userID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.userSubs, userID)
			}
		}
		f.mu.Unlock()
	}
}

func (f *fanout) addPresenceSub(sub *subscriber) func() {
	f.presenceSubs[sub] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.presenceSubs, sub)
		f.mu.Unlock()
	}
}

// registerCleanup stores a disconnect write for the session and returns its
// idempotent revoke.
func (f *fanout) registerCleanup(sessionID string, rec models.PresenceRecord) func() {
	entry := &cleanupEntry{rec: rec}
	f.mu.Lock()
	f.cleanups[sessionID] = append(f.cleanups[sessionID], entry)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		entries := f.cleanups[sessionID]
		for i, e := range entries {
			if e == entry {
				f.cleanups[sessionID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(f.cleanups[sessionID]) == 0 {
			delete(f.cleanups, sessionID)
		}
		f.mu.Unlock()
	}
}

// takeCleanups removes and returns every cleanup registered for the session.
func (f *fanout) takeCleanups(sessionID string) []*cleanupEntry {
	f.mu.Lock()
	entries := f.cleanups[sessionID]
	delete(f.cleanups, sessionID)
	f.mu.Unlock()
	return entries
}
