package simulated

import (
	"sync"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
)

// Permissions is a settable permission observer.
type Permissions struct {
	mu    sync.Mutex
	state geolocation.PermissionState
	next  uint64
	subs  map[uint64]func(geolocation.PermissionState)
}

func NewPermissions(initial geolocation.PermissionState) *Permissions {
	if initial == "" {
		initial = geolocation.PermissionGranted
	}
	return &Permissions{state: initial, subs: make(map[uint64]func(geolocation.PermissionState))}
}

var _ geolocation.PermissionObserver = (*Permissions)(nil)

func (p *Permissions) State() geolocation.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Permissions) Subscribe(fn func(geolocation.PermissionState)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := p.next
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Set changes the state and notifies subscribers when it actually changed.
func (p *Permissions) Set(state geolocation.PermissionState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	fns := make([]func(geolocation.PermissionState), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
