package presence

import (
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crew_tracker/internal/metrics"
	"crew_tracker/internal/models"
	"crew_tracker/internal/store"
)

var ErrViewStarted = errors.New("presence: view already started")

// DefaultOnlineTimeout is how stale a record's LastSeen may be before the
// view stops believing its online flag. Twice the heartbeat interval, so a
// single dropped write never flips anyone.
const DefaultOnlineTimeout = 30 * time.Second

// Status is the derived presence the rest of the system consumes. Online
// here is effective presence: the stored flag AND a fresh heartbeat. A
// session that died without its offline write goes stale and reads as
// offline even though its record still says otherwise.
type Status struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
	LastOnline  time.Time `json:"last_online"`
}

// View watches the presence records and publishes the derived status list:
// immediately on every record change, and from a periodic sweep when
// staleness alone flips someone's effective bit.
type View struct {
	store    store.Store
	timeout  time.Duration
	sweepEvy time.Duration
	now      func() time.Time
	onChange func([]Status)

	mu        sync.Mutex
	started   bool
	stopped   bool
	records   map[string]models.PresenceRecord
	effective map[string]bool
	sub       store.Subscription
	stopCh    chan struct{}
	kick      chan struct{}
}

// NewView builds a view that calls onChange with the full sorted status
// list whenever it changes. onChange runs on the view's goroutine and must
// not block for long.
func NewView(st store.Store, onChange func([]Status)) *View {
	return &View{
		store:     st,
		timeout:   DefaultOnlineTimeout,
		sweepEvy:  DefaultOnlineTimeout / 3,
		now:       time.Now,
		onChange:  onChange,
		records:   make(map[string]models.PresenceRecord),
		effective: make(map[string]bool),
		kick:      make(chan struct{}, 1),
	}
}

func (v *View) Start() error {
	v.mu.Lock()
	if v.started || v.stopped {
		v.mu.Unlock()
		return ErrViewStarted
	}
	v.started = true
	v.stopCh = make(chan struct{})
	stopCh := v.stopCh
	v.mu.Unlock()

	sub, err := v.store.WatchPresence(v.apply, func(err error) {
		logrus.WithField("error", err).Warn("Presence watch reported an error")
	})
	if err != nil {
		v.mu.Lock()
		v.started = false
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		sub.Cancel()
		return nil
	}
	v.sub = sub
	v.mu.Unlock()

	go v.run(stopCh)
	return nil
}

// Stop cancels the watch and the sweeper. Idempotent.
func (v *View) Stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	sub := v.sub
	v.sub = nil
	if v.stopCh != nil {
		close(v.stopCh)
		v.stopCh = nil
	}
	v.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// Snapshot returns the current derived status list without waiting for a
// change, for request/response surfaces like the REST presence endpoint.
func (v *View) Snapshot() []Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	statuses, _ := v.deriveLocked(v.now())
	return statuses
}

func (v *View) apply(ev store.PresenceEvent) {
	v.mu.Lock()
	if ev.Snapshot {
		v.records = make(map[string]models.PresenceRecord, len(ev.Records))
	}
	for _, rec := range ev.Records {
		v.records[rec.UserID] = rec
	}
	v.mu.Unlock()

	select {
	case v.kick <- struct{}{}:
	default:
	}
}

func (v *View) run(stopCh chan struct{}) {
	ticker := time.NewTicker(v.sweepEvy)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-v.kick:
			v.publish(true)
		case <-ticker.C:
			// Nothing wrote, but time passing can still expire someone.
			v.publish(false)
		}
	}
}

// publish derives the status list and hands it to onChange. Data changes
// always publish; sweeps publish only when staleness flipped an effective
// bit.
func (v *View) publish(force bool) {
	v.mu.Lock()
	statuses, bits := v.deriveLocked(v.now())
	changed := !maps.Equal(bits, v.effective)
	v.effective = bits
	v.mu.Unlock()

	if !force && !changed {
		return
	}
	online := 0
	for _, ok := range bits {
		if ok {
			online++
		}
	}
	metrics.OnlineUsers.Set(float64(online))
	v.onChange(statuses)
}

func (v *View) deriveLocked(now time.Time) ([]Status, map[string]bool) {
	statuses := make([]Status, 0, len(v.records))
	bits := make(map[string]bool, len(v.records))
	for _, rec := range v.records {
		eff := rec.Online && now.Sub(rec.LastSeen) < v.timeout
		bits[rec.UserID] = eff
		statuses = append(statuses, Status{
			UserID:      rec.UserID,
			DisplayName: rec.DisplayName,
			Email:       rec.Email,
			Online:      eff,
			LastSeen:    rec.LastSeen,
			LastOnline:  rec.LastOnline,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].UserID < statuses[j].UserID })
	return statuses, bits
}
