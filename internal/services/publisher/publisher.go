package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/metrics"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const DefaultRetryDelay = 5 * time.Second

// DefaultWatchOptions: high accuracy, 10s per fix, fixes up to 5s old.
var DefaultWatchOptions = geolocation.WatchOptions{
	HighAccuracy: true,
	Timeout:      10 * time.Second,
	MaximumAge:   5 * time.Second,
}

var ErrEmptyShipmentID = errors.New("shipment id is required")

// Publisher turns device location fixes into samples on the realtime
// channel. Location failures never escape it: each one produces a notice
// and a single pending restart of the affected session.
type Publisher struct {
	ch       realtime.Channel
	source   geolocation.Source
	reg      *Registry
	notifier Notifier

	perms      geolocation.PermissionObserver
	permOnce   sync.Once
	permUnsub  func()
	permUnsubM sync.Mutex

	clock      Clock
	retryDelay time.Duration
	watchOpts  geolocation.WatchOptions
	log        zerolog.Logger

	samplesEmitted   atomic.Int64
	retriesScheduled atomic.Int64
	errorsMu         sync.Mutex
	errorsByKind     map[ErrorKind]int64
}

func New(ch realtime.Channel, source geolocation.Source, reg *Registry, n Notifier) *Publisher {
	if reg == nil {
		reg = NewRegistry()
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &Publisher{
		ch:           ch,
		source:       source,
		reg:          reg,
		notifier:     n,
		clock:        RealClock{},
		retryDelay:   DefaultRetryDelay,
		watchOpts:    DefaultWatchOptions,
		log:          applog.WithComponent("publisher"),
		errorsByKind: make(map[ErrorKind]int64),
	}
}

// WithPermissions enables resumption when location access is granted.
func (p *Publisher) WithPermissions(obs geolocation.PermissionObserver) *Publisher {
	p.perms = obs
	return p
}

func (p *Publisher) WithClock(c Clock) *Publisher {
	if c != nil {
		p.clock = c
	}
	return p
}

func (p *Publisher) WithRetryDelay(d time.Duration) *Publisher {
	if d > 0 {
		p.retryDelay = d
	}
	return p
}

func (p *Publisher) WithWatchOptions(o geolocation.WatchOptions) *Publisher {
	p.watchOpts = o
	return p
}

func (p *Publisher) WithLogger(l zerolog.Logger) *Publisher {
	p.log = l
	return p
}

func (p *Publisher) Registry() *Registry { return p.reg }

// StartTracking begins publishing fixes for the shipment. A session that
// already exists for it is torn down first, so at most one watch is live.
func (p *Publisher) StartTracking(id models.ShipmentID, label string) error {
	if id == "" {
		return ErrEmptyShipmentID
	}
	if p.start(id, label, nil) {
		p.notifier.Notify(Notice{
			ShipmentID: id,
			Level:      NoticeInfo,
			Message:    fmt.Sprintf("Live location sharing started for shipment %s.", id),
		})
	}
	return nil
}

// StopTracking releases the watch and cancels any pending retry. It is a
// no-op when nothing is tracked for the shipment.
func (p *Publisher) StopTracking(id models.ShipmentID) {
	w, hadWatch, found := p.reg.remove(id)
	if !found {
		return
	}
	if hadWatch {
		p.source.Unwatch(w)
	}
	p.refreshGauge()
	p.log.Info().Str("shipment_id", string(id)).Msg("tracking stopped")
}

// StopAll stops every session; used on shutdown.
func (p *Publisher) StopAll() {
	for _, id := range p.reg.ids() {
		p.StopTracking(id)
	}
}

// Close stops all sessions and removes the permission listener.
func (p *Publisher) Close() {
	p.StopAll()
	p.permUnsubM.Lock()
	defer p.permUnsubM.Unlock()
	if p.permUnsub != nil {
		p.permUnsub()
		p.permUnsub = nil
	}
}

func (p *Publisher) start(id models.ShipmentID, label string, cond func(cur *TrackingSession) bool) bool {
	s, prev, hadPrev, ok := p.reg.replace(id, label, cond)
	if !ok {
		return false
	}
	if hadPrev {
		p.source.Unwatch(prev)
	}
	p.installPermissionListener()

	if err := realtime.JoinShipment(p.ch, id); err != nil {
		// Join is best effort; samples are routed by their shipment id.
		p.log.Debug().Err(err).Str("shipment_id", string(id)).Msg("join room")
	}

	h := p.source.Watch(p.watchOpts,
		func(f geolocation.Fix) { p.onFix(s, f) },
		func(err error) { p.onError(s, err) },
	)
	if !p.reg.attachWatch(s, h) {
		p.source.Unwatch(h)
	}
	p.refreshGauge()
	p.log.Info().Str("shipment_id", string(id)).Str("label", label).Msg("tracking started")
	return true
}

func (p *Publisher) onFix(s *TrackingSession, f geolocation.Fix) {
	if !p.reg.live(s) {
		return
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = p.clock.Now()
	}
	sample := models.LocationSample{
		ShipmentID:     s.ShipmentID,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Timestamp:      ts,
		PublisherLabel: s.Label,
	}
	if err := realtime.PublishSample(p.ch, sample); err != nil {
		// Fire-and-forget: the next fix supersedes a lost one.
		p.log.Debug().Err(err).Str("shipment_id", string(s.ShipmentID)).Msg("publish sample")
		return
	}
	p.samplesEmitted.Add(1)
	metrics.SamplesPublishedTotal.Inc()
}

func (p *Publisher) onError(s *TrackingSession, err error) {
	w, hadWatch, ok := p.reg.fail(s, func(seq uint64) Timer {
		return p.clock.AfterFunc(p.retryDelay, func() { p.retry(s, seq) })
	})
	if !ok {
		return
	}
	if hadWatch {
		p.source.Unwatch(w)
	}

	kind := Classify(err)
	p.errorsMu.Lock()
	p.errorsByKind[kind]++
	p.errorsMu.Unlock()
	p.retriesScheduled.Add(1)
	metrics.LocationErrorsTotal.WithLabelValues(string(kind)).Inc()
	metrics.RetriesScheduledTotal.Inc()
	p.refreshGauge()

	level := NoticeWarning
	if kind == KindPermissionDenied {
		level = NoticeError
	}
	p.notifier.Notify(Notice{
		ShipmentID: s.ShipmentID,
		Level:      level,
		Kind:       kind,
		Message:    failureMessage(kind, err),
	})
	p.log.Warn().
		Err(err).
		Str("shipment_id", string(s.ShipmentID)).
		Str("error_kind", string(kind)).
		Dur("retry_in", p.retryDelay).
		Msg("location watch failed")
}

func (p *Publisher) retry(s *TrackingSession, seq uint64) {
	p.start(s.ShipmentID, s.Label, func(cur *TrackingSession) bool {
		return cur == s && cur.wanted && !cur.active && cur.retrySeq == seq
	})
}

func (p *Publisher) installPermissionListener() {
	if p.perms == nil {
		return
	}
	p.permOnce.Do(func() {
		unsub := p.perms.Subscribe(func(st geolocation.PermissionState) {
			if st == geolocation.PermissionGranted {
				p.resumeIdle()
			}
		})
		p.permUnsubM.Lock()
		p.permUnsub = unsub
		p.permUnsubM.Unlock()
	})
}

// resumeIdle restarts every wanted session that lacks a live watch.
func (p *Publisher) resumeIdle() {
	for _, s := range p.reg.idle() {
		if p.start(s.ShipmentID, s.Label, func(cur *TrackingSession) bool {
			return cur == s && cur.wanted && !cur.active
		}) {
			p.log.Info().Str("shipment_id", string(s.ShipmentID)).Msg("location permission granted, tracking resumed")
		}
	}
}

func (p *Publisher) refreshGauge() {
	active, _ := p.reg.counts()
	metrics.ActiveSessions.Set(float64(active))
}

type Stats struct {
	ActiveSessions   int              `json:"activeSessions"`
	WantedSessions   int              `json:"wantedSessions"`
	SamplesEmitted   int64            `json:"samplesEmitted"`
	RetriesScheduled int64            `json:"retriesScheduled"`
	ErrorsByKind     map[string]int64 `json:"errorsByKind"`
	Sessions         []SessionInfo    `json:"sessions"`
}

func (p *Publisher) Stats() Stats {
	active, wanted := p.reg.counts()
	st := Stats{
		ActiveSessions:   active,
		WantedSessions:   wanted,
		SamplesEmitted:   p.samplesEmitted.Load(),
		RetriesScheduled: p.retriesScheduled.Load(),
		ErrorsByKind:     map[string]int64{},
		Sessions:         p.reg.Snapshot(),
	}
	p.errorsMu.Lock()
	for k, v := range p.errorsByKind {
		st.ErrorsByKind[string(k)] = v
	}
	p.errorsMu.Unlock()
	return st
}
