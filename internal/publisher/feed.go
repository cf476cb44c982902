package publisher

import "sync"

// Feed is a FixSource fed by hand. The websocket read loop pushes each
// decoded fix into it; tests use it to script arbitrary sequences.
type Feed struct {
	mu    sync.Mutex
	onFix func(Fix)
	onErr func(error)
}

func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) Watch(onFix func(Fix), onErr func(error)) (func(), error) {
	f.mu.Lock()
	f.onFix = onFix
	f.onErr = onErr
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.onFix = nil
		f.onErr = nil
		f.mu.Unlock()
	}, nil
}

// Push hands a fix to the watcher. Pushes before Watch or after stop are
// dropped.
func (f *Feed) Push(fix Fix) {
	f.mu.Lock()
	onFix := f.onFix
	f.mu.Unlock()
	if onFix != nil {
		onFix(fix)
	}
}

// Fail reports a source-side problem to the watcher.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	onErr := f.onErr
	f.mu.Unlock()
	if onErr != nil {
		onErr(err)
	}
}
