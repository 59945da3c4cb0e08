package publisher

import (
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
)

type fakeWatch struct {
	opts    geolocation.WatchOptions
	onFix   func(geolocation.Fix)
	onError func(error)
}

// fakeSource records watches; tests drive fixes and errors by hand.
type fakeSource struct {
	mu      sync.Mutex
	next    geolocation.Handle
	live    map[geolocation.Handle]*fakeWatch
	all     []*fakeWatch
	failNow error // delivered synchronously from Watch when set
}

func newFakeSource() *fakeSource {
	return &fakeSource{live: make(map[geolocation.Handle]*fakeWatch)}
}

func (f *fakeSource) Watch(opts geolocation.WatchOptions, onFix func(geolocation.Fix), onError func(error)) geolocation.Handle {
	w := &fakeWatch{opts: opts, onFix: onFix, onError: onError}
	f.mu.Lock()
	f.next++
	h := f.next
	f.live[h] = w
	f.all = append(f.all, w)
	failNow := f.failNow
	f.mu.Unlock()

	if failNow != nil {
		onError(failNow)
	}
	return h
}

func (f *fakeSource) Unwatch(h geolocation.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, h)
}

func (f *fakeSource) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeSource) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

func (f *fakeSource) snapshot() []*fakeWatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeWatch, 0, len(f.live))
	for _, w := range f.live {
		out = append(out, w)
	}
	return out
}

// watch returns the i-th watch ever started, live or released.
func (f *fakeSource) watch(i int) *fakeWatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[i]
}

func (f *fakeSource) fix(lat, lng float64) {
	for _, w := range f.snapshot() {
		w.onFix(geolocation.Fix{Latitude: lat, Longitude: lng})
	}
}

func (f *fakeSource) fail(code geolocation.Code) {
	for _, w := range f.snapshot() {
		w.onError(&geolocation.Error{Code: code})
	}
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due timers outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *recordingNotifier) byKind(k ErrorKind) []Notice {
	var out []Notice
	for _, n := range r.all() {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// countingPerms wraps an observer and counts Subscribe calls.
type countingPerms struct {
	geolocation.PermissionObserver
	mu    sync.Mutex
	calls int
}

func (c *countingPerms) Subscribe(fn func(geolocation.PermissionState)) func() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.PermissionObserver.Subscribe(fn)
}

func (c *countingPerms) subscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
