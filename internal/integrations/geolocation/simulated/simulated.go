// Package simulated is a route-driven location source for demos and
// integration tests. Each watch walks the configured waypoints, one fix per
// interval, and wraps around at the end of the route.
package simulated

import (
	"sync"
	"time"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
)

type Point struct {
	Lat float64
	Lng float64
}

// Дефолтный маршрут: центр Дакки.
var DefaultRoute = []Point{
	{Lat: 23.8103, Lng: 90.4125},
	{Lat: 23.8115, Lng: 90.4139},
	{Lat: 23.8128, Lng: 90.4152},
	{Lat: 23.8142, Lng: 90.4160},
}

type Source struct {
	route    []Point
	interval time.Duration
	perms    geolocation.PermissionObserver
	now      func() time.Time

	mu          sync.Mutex
	next        geolocation.Handle
	watches     map[geolocation.Handle]*watch
	unavailable bool
}

type watch struct {
	opts    geolocation.WatchOptions
	onFix   func(geolocation.Fix)
	onError func(error)
	stop    chan struct{}
	errs    chan error
}

// New builds a source. perms may be nil, in which case access is always
// granted.
func New(route []Point, interval time.Duration, perms geolocation.PermissionObserver) *Source {
	if len(route) == 0 {
		route = DefaultRoute
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Source{
		route:    append([]Point(nil), route...),
		interval: interval,
		perms:    perms,
		now:      time.Now,
		watches:  make(map[geolocation.Handle]*watch),
	}
}

var _ geolocation.Source = (*Source)(nil)

func (s *Source) Watch(opts geolocation.WatchOptions, onFix func(geolocation.Fix), onError func(error)) geolocation.Handle {
	w := &watch{
		opts:    opts,
		onFix:   onFix,
		onError: onError,
		stop:    make(chan struct{}),
		errs:    make(chan error, 4),
	}

	s.mu.Lock()
	s.next++
	h := s.next
	s.watches[h] = w
	s.mu.Unlock()

	go s.run(w)
	return h
}

func (s *Source) Unwatch(h geolocation.Handle) {
	s.mu.Lock()
	w, ok := s.watches[h]
	delete(s.watches, h)
	s.mu.Unlock()
	if ok {
		close(w.stop)
	}
}

// ActiveWatches returns the number of live watches.
func (s *Source) ActiveWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// SetUnavailable stops fix production. Live watches report a Timeout once
// their options' timeout elapses without a fix.
func (s *Source) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

// InjectError fails every live watch with the given code.
func (s *Source) InjectError(code geolocation.Code, msg string) {
	s.mu.Lock()
	ws := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	for _, w := range ws {
		select {
		case w.errs <- &geolocation.Error{Code: code, Message: msg}:
		default:
		}
	}
}

func (s *Source) run(w *watch) {
	if s.perms != nil && s.perms.State() == geolocation.PermissionDenied {
		w.onError(&geolocation.Error{Code: geolocation.CodePermissionDenied, Message: "location access denied"})
		<-w.stop
		return
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()

	idx := 0
	lastFix := s.now()
	for {
		select {
		case <-w.stop:
			return
		case err := <-w.errs:
			w.onError(err)
		case <-t.C:
			s.mu.Lock()
			unavailable := s.unavailable
			s.mu.Unlock()

			now := s.now()
			if unavailable {
				if w.opts.Timeout > 0 && now.Sub(lastFix) >= w.opts.Timeout {
					lastFix = now
					w.onError(&geolocation.Error{Code: geolocation.CodeTimeout, Message: "no fix within timeout"})
				}
				continue
			}

			p := s.route[idx%len(s.route)]
			idx++
			lastFix = now
			w.onFix(geolocation.Fix{Latitude: p.Lat, Longitude: p.Lng, Timestamp: now})
		}
	}
}
