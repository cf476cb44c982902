package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crew_tracker/internal/geo"
	"crew_tracker/internal/metrics"
	"crew_tracker/internal/store"
)

// Fix is one raw reading from a position source. At is whatever clock the
// device reported and is used for logging only; the pipeline runs on server
// reception time and the store assigns the authoritative timestamp.
type Fix struct {
	Latitude  float64
	Longitude float64
	At        time.Time
}

// FixSource is a push-based position feed. Watch invokes onFix for every
// reading and onErr for source-side trouble until the returned stop function
// is called. Implementations deliver callbacks from a single goroutine.
type FixSource interface {
	Watch(onFix func(Fix), onErr func(error)) (stop func(), err error)
}

var (
	ErrAlreadyStarted = errors.New("publisher: already started")
	ErrStopped        = errors.New("publisher: stopped")
)

type state int

const (
	idle state = iota
	watching
	stopped
)

// Publisher owns one user's outbound location pipeline: it validates each
// fix, drops the insignificant ones, and appends the rest to the store. It
// is bound to a single user and runs once; after Stop it cannot be
// restarted, a new session builds a new Publisher.
//
// The filter baseline advances on every accepted fix whether or not the
// append succeeds, so a failed write suppresses near-identical retries
// instead of turning GPS jitter into a write storm. The next genuinely
// significant fix repairs the stream.
type Publisher struct {
	store  store.Store
	userID string
	filter geo.Filter
	now    func() time.Time

	mu    sync.Mutex
	state state
	ctx   context.Context
	stop  func()
	last  *geo.LastKnown
}

func New(st store.Store, userID string) *Publisher {
	return &Publisher{
		store:  st,
		userID: userID,
		filter: geo.DefaultFilter(),
		now:    time.Now,
	}
}

// Start begins consuming the source. It fails if the source cannot be
// watched, leaving the publisher idle so a caller may retry with another
// source.
func (p *Publisher) Start(ctx context.Context, src FixSource) error {
	p.mu.Lock()
	switch p.state {
	case watching:
		p.mu.Unlock()
		return ErrAlreadyStarted
	case stopped:
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = watching
	p.ctx = ctx
	p.mu.Unlock()

	stopSrc, err := src.Watch(p.handleFix, p.handleSourceError)
	if err != nil {
		p.mu.Lock()
		if p.state == watching {
			p.state = idle
		}
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.state == stopped {
		// Stop won the race while the watch was being set up.
		p.mu.Unlock()
		stopSrc()
		return nil
	}
	p.stop = stopSrc
	p.mu.Unlock()
	return nil
}

// Stop detaches from the source. Idempotent; the publisher is finished
// afterwards.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.state == stopped {
		p.mu.Unlock()
		return
	}
	p.state = stopped
	stopSrc := p.stop
	p.stop = nil
	p.mu.Unlock()

	if stopSrc != nil {
		stopSrc()
	}
}

// LastAccepted reports the filter baseline, the most recent fix that passed.
func (p *Publisher) LastAccepted() (geo.LastKnown, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return geo.LastKnown{}, false
	}
	return *p.last, true
}

func (p *Publisher) handleFix(f Fix) {
	metrics.FixesReceived.Inc()

	p.mu.Lock()
	if p.state != watching {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx

	if !geo.ValidCoords(f.Latitude, f.Longitude) {
		p.mu.Unlock()
		metrics.FixesInvalid.Inc()
		logrus.WithFields(logrus.Fields{
			"user_id":   p.userID,
			"latitude":  f.Latitude,
			"longitude": f.Longitude,
		}).Warn("Dropping fix with invalid coordinates")
		return
	}

	now := p.now()
	if !p.filter.Accept(p.last, f.Latitude, f.Longitude, now) {
		p.mu.Unlock()
		metrics.FixesFiltered.Inc()
		return
	}
	p.last = &geo.LastKnown{Lat: f.Latitude, Lng: f.Longitude, At: now}
	p.mu.Unlock()

	if _, err := p.store.AppendLocation(ctx, p.userID, f.Latitude, f.Longitude); err != nil {
		metrics.AppendErrors.Inc()
		logrus.WithFields(logrus.Fields{
			"user_id": p.userID,
			"error":   err,
		}).Error("Failed to append location sample")
		return
	}
	metrics.FixesPublished.Inc()
	logrus.WithFields(logrus.Fields{
		"user_id":   p.userID,
		"latitude":  f.Latitude,
		"longitude": f.Longitude,
		"device_at": f.At,
	}).Debug("Published location sample")
}

func (p *Publisher) handleSourceError(err error) {
	logrus.WithFields(logrus.Fields{
		"user_id": p.userID,
		"error":   err,
	}).Warn("Position source reported an error")
}
