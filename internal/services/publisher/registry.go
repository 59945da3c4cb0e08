package publisher

import (
	"sort"
	"sync"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
	"github.com/BearBump/LiveTrack/internal/models"
)

// TrackingSession owns the watch handle and retry timer of one shipment.
// All fields are guarded by the owning Registry's mutex.
type TrackingSession struct {
	ShipmentID models.ShipmentID
	Label      string

	watch    geolocation.Handle
	hasWatch bool
	retry    Timer
	retrySeq uint64

	// active: the session holds a live watch that may emit samples.
	active bool
	// wanted: tracking should continue (cleared only by stop).
	wanted bool
}

// Registry tracks at most one session per shipment. It is owned by whoever
// composes the publisher; tests build one per case.
type Registry struct {
	mu       sync.Mutex
	sessions map[models.ShipmentID]*TrackingSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[models.ShipmentID]*TrackingSession)}
}

type SessionInfo struct {
	ShipmentID   models.ShipmentID `json:"shipmentId"`
	Label        string            `json:"label"`
	Active       bool              `json:"active"`
	RetryPending bool              `json:"retryPending"`
}

// Snapshot returns the sessions ordered by shipment id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ShipmentID:   s.ShipmentID,
			Label:        s.Label,
			Active:       s.active,
			RetryPending: s.retry != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShipmentID < out[j].ShipmentID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// replace installs a fresh active session for id when cond (evaluated on
// the current session, which may be nil) allows it. The previous session is
// torn down; its watch handle is returned for the caller to release.
func (r *Registry) replace(id models.ShipmentID, label string, cond func(cur *TrackingSession) bool) (next *TrackingSession, prevWatch geolocation.Handle, hadWatch, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.sessions[id]
	if cond != nil && !cond(cur) {
		return nil, 0, false, false
	}
	if cur != nil {
		prevWatch, hadWatch = cur.teardown()
	}
	next = &TrackingSession{ShipmentID: id, Label: label, active: true, wanted: true}
	r.sessions[id] = next
	return next, prevWatch, hadWatch, true
}

// remove drops the session for id, invalidating its callbacks.
func (r *Registry) remove(id models.ShipmentID) (w geolocation.Handle, hadWatch, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok {
		return 0, false, false
	}
	delete(r.sessions, id)
	cur.wanted = false
	w, hadWatch = cur.teardown()
	return w, hadWatch, true
}

// attachWatch records h on s. It reports false when s was stopped or failed
// while the watch was being set up; the caller must release h then.
func (r *Registry) attachWatch(s *TrackingSession, h geolocation.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ShipmentID] != s || !s.active {
		return false
	}
	s.watch, s.hasWatch = h, true
	return true
}

// live reports whether s may emit samples right now.
func (r *Registry) live(s *TrackingSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.ShipmentID] == s && s.active
}

// fail deactivates s after a location error and (re)schedules its retry,
// replacing any pending one. ok is false for stopped or superseded sessions
// and for sessions that already failed: a released watch may still report.
func (r *Registry) fail(s *TrackingSession, schedule func(seq uint64) Timer) (w geolocation.Handle, hadWatch, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ShipmentID] != s || !s.wanted || !s.active {
		return 0, false, false
	}
	s.active = false
	w, hadWatch = s.watch, s.hasWatch
	s.watch, s.hasWatch = 0, false
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retrySeq++
	s.retry = schedule(s.retrySeq)
	return w, hadWatch, true
}

// idle returns sessions that should be tracking but have no live watch.
func (r *Registry) idle() []*TrackingSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*TrackingSession
	for _, s := range r.sessions {
		if s.wanted && !s.active {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) ids() []models.ShipmentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ShipmentID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) counts() (active, wanted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.active {
			active++
		}
		if s.wanted {
			wanted++
		}
	}
	return active, wanted
}

// teardown must be called with the registry lock held.
func (s *TrackingSession) teardown() (geolocation.Handle, bool) {
	s.active = false
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	w, had := s.watch, s.hasWatch
	s.watch, s.hasWatch = 0, false
	return w, had
}
