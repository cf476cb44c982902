package trail

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"crew_tracker/internal/geo"
	"crew_tracker/internal/models"
	"crew_tracker/internal/store"
)

var ErrAggregatorStarted = errors.New("trail: aggregator already started")

// Trail is one user's reconciled path: samples in ascending timestamp
// order with duplicates and malformed points removed.
type Trail struct {
	UserID  string
	Samples []models.LocationSample
}

// Aggregator mirrors every user's sample stream into in-memory trails. It
// follows the user-index stream, opens exactly one per-user watch per known
// user, and absorbs the store's delivery quirks: events may arrive out of
// order, twice, or with junk coordinates, but the trails handed out are
// always clean and ordered.
//
// onChange receives the updated trail after each change, and an empty trail
// when a user's stream is purged. Calls for different users may happen
// concurrently; calls for one user are sequential.
type Aggregator struct {
	store    store.Store
	onChange func(Trail)

	mu       sync.Mutex
	started  bool
	stopped  bool
	indexSub store.Subscription
	active   map[string]bool
	watches  map[string]store.Subscription
	trails   map[string][]models.LocationSample
	seen     map[string]map[int64]struct{}
}

func NewAggregator(st store.Store, onChange func(Trail)) *Aggregator {
	return &Aggregator{
		store:    st,
		onChange: onChange,
		active:   make(map[string]bool),
		watches:  make(map[string]store.Subscription),
		trails:   make(map[string][]models.LocationSample),
		seen:     make(map[string]map[int64]struct{}),
	}
}

// Start subscribes to the user-index stream. Trails build up as the initial
// added events replay.
func (a *Aggregator) Start() error {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return ErrAggregatorStarted
	}
	a.started = true
	a.mu.Unlock()

	sub, err := a.store.UserTrails(a.handleIndex, func(err error) {
		logrus.WithField("error", err).Warn("Trail index watch reported an error")
	})
	if err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		sub.Cancel()
		return nil
	}
	a.indexSub = sub
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) handleIndex(ev store.TrailEvent) {
	switch ev.Type {
	case store.TrailAdded, store.TrailModified:
		// Both mean "this stream exists"; the per-user watch carries the
		// actual data, so a duplicate signal must not open a second one.
		a.ensureWatch(ev.UserID)
	case store.TrailRemoved:
		a.dropUser(ev.UserID)
	}
}

func (a *Aggregator) ensureWatch(userID string) {
	a.mu.Lock()
	if a.stopped || a.active[userID] {
		a.mu.Unlock()
		return
	}
	a.active[userID] = true
	a.mu.Unlock()

	sub, err := a.store.WatchUser(userID, func(ev store.SampleEvent) {
		a.handleSamples(userID, ev)
	}, func(err error) {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Warn("Trail watch reported an error")
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Error("Failed to watch user trail")
		a.mu.Lock()
		delete(a.active, userID)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	if a.stopped || !a.active[userID] {
		// Shut down or purged while the watch was being set up.
		a.mu.Unlock()
		sub.Cancel()
		return
	}
	a.watches[userID] = sub
	a.mu.Unlock()
}

func (a *Aggregator) dropUser(userID string) {
	a.mu.Lock()
	if !a.active[userID] {
		a.mu.Unlock()
		return
	}
	delete(a.active, userID)
	sub := a.watches[userID]
	delete(a.watches, userID)
	delete(a.trails, userID)
	delete(a.seen, userID)
	onChange := a.onChange
	a.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if onChange != nil {
		onChange(Trail{UserID: userID})
	}
}

func (a *Aggregator) handleSamples(userID string, ev store.SampleEvent) {
	a.mu.Lock()
	if a.stopped || !a.active[userID] {
		a.mu.Unlock()
		return
	}

	keys := a.seen[userID]
	if keys == nil {
		keys = make(map[int64]struct{})
		a.seen[userID] = keys
	}
	added := false
	for _, s := range ev.Samples {
		if s.Timestamp.IsZero() || !geo.ValidCoords(s.Latitude, s.Longitude) {
			logrus.WithFields(logrus.Fields{
				"user_id":   userID,
				"latitude":  s.Latitude,
				"longitude": s.Longitude,
			}).Debug("Discarding malformed trail sample")
			continue
		}
		key := s.Timestamp.UnixNano()
		if _, dup := keys[key]; dup {
			continue
		}
		keys[key] = struct{}{}
		a.trails[userID] = append(a.trails[userID], s)
		added = true
	}
	if !added && !ev.Snapshot {
		a.mu.Unlock()
		return
	}

	trail := a.trails[userID]
	sort.Slice(trail, func(i, j int) bool { return trail[i].Timestamp.Before(trail[j].Timestamp) })
	out := make([]models.LocationSample, len(trail))
	copy(out, trail)
	onChange := a.onChange
	a.mu.Unlock()

	if onChange != nil {
		onChange(Trail{UserID: userID, Samples: out})
	}
}

// Trail returns a copy of one user's current trail.
func (a *Aggregator) Trail(userID string) (Trail, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active[userID] {
		return Trail{}, false
	}
	samples := a.trails[userID]
	out := make([]models.LocationSample, len(samples))
	copy(out, samples)
	return Trail{UserID: userID, Samples: out}, true
}

// Snapshot returns copies of every current trail, sorted by user id.
func (a *Aggregator) Snapshot() []Trail {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Trail, 0, len(a.trails))
	for userID, samples := range a.trails {
		cp := make([]models.LocationSample, len(samples))
		copy(cp, samples)
		out = append(out, Trail{UserID: userID, Samples: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close cancels the index subscription and every per-user watch. Idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	indexSub := a.indexSub
	a.indexSub = nil
	subs := make([]store.Subscription, 0, len(a.watches))
	for _, sub := range a.watches {
		subs = append(subs, sub)
	}
	a.active = make(map[string]bool)
	a.watches = make(map[string]store.Subscription)
	a.mu.Unlock()

	if indexSub != nil {
		indexSub.Cancel()
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}
