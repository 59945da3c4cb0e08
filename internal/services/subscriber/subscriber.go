// Package subscriber consumes location samples for one shipment and keeps a
// marker sink showing the freshest known position.
package subscriber

import (
	"sync"

	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/metrics"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateJoined  State = "joined"
)

var ErrEmptyShipmentID = errors.New("shipment id is required")

// MarkerSink renders a position. The subscriber only calls these two methods.
type MarkerSink interface {
	SetPosition(lat, lng float64)
	PanTo(lat, lng float64)
}

// Subscriber follows at most one shipment at a time.
type Subscriber struct {
	ch  realtime.Channel
	log zerolog.Logger

	// applyMu orders sink updates; taken before mu.
	applyMu sync.Mutex

	mu       sync.Mutex
	id       models.ShipmentID
	state    State
	last     *models.LocationSample
	sink     MarkerSink
	handlers map[uint64]func(models.LocationSample)
	nextID   uint64
	// gen changes on every join/leave so listeners of an old session
	// recognize themselves as stale.
	gen        uint64
	offSample  func()
	offConnect func()
}

func New(ch realtime.Channel) *Subscriber {
	return &Subscriber{
		ch:       ch,
		log:      applog.WithComponent("subscriber"),
		state:    StateIdle,
		handlers: make(map[uint64]func(models.LocationSample)),
	}
}

func (s *Subscriber) WithLogger(l zerolog.Logger) *Subscriber {
	s.log = l
	return s
}

// JoinShipment joins the room of id. Joining the current shipment again
// only re-sends the join; joining another one leaves the current first.
// The join is re-sent after every reconnect of the channel.
func (s *Subscriber) JoinShipment(id models.ShipmentID) error {
	if id == "" {
		return ErrEmptyShipmentID
	}

	s.mu.Lock()
	if s.state != StateIdle && s.id == id {
		s.mu.Unlock()
		s.sendJoin(id)
		return nil
	}
	offs := s.resetLocked()
	s.gen++
	gen := s.gen
	s.id = id
	s.state = StateJoining
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}

	offSample := realtime.OnSample(s.ch, func(smp models.LocationSample) {
		s.receive(gen, smp)
	}, func(err error) {
		s.log.Debug().Err(err).Str("shipment_id", string(id)).Msg("drop undecodable sample")
	})
	offConnect := s.ch.OnConnect(func() {
		s.rejoin(gen)
	})

	s.mu.Lock()
	if s.gen != gen {
		// Left or switched while listeners were being registered.
		s.mu.Unlock()
		offSample()
		offConnect()
		return nil
	}
	s.offSample, s.offConnect = offSample, offConnect
	s.mu.Unlock()

	s.sendJoin(id)

	s.mu.Lock()
	if s.gen == gen {
		// Joins are fire-and-forget; the relay sends no acknowledgement.
		s.state = StateJoined
	}
	s.mu.Unlock()

	s.log.Info().Str("shipment_id", string(id)).Msg("joined shipment")
	return nil
}

// OnSample registers h for samples of the joined shipment. Handlers survive
// a switch to another shipment and are dropped by Leave.
func (s *Subscriber) OnSample(h func(models.LocationSample)) (unregister func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	hid := s.nextID
	s.handlers[hid] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, hid)
	}
}

// AttachSink installs the sink and applies the cached sample to it once.
func (s *Subscriber) AttachSink(sink MarkerSink) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.sink = sink
	var last *models.LocationSample
	if s.last != nil {
		cp := *s.last
		last = &cp
	}
	s.mu.Unlock()

	if sink != nil && last != nil {
		apply(sink, *last)
	}
}

// DetachSink drops the sink; once it returns the sink is not called again.
func (s *Subscriber) DetachSink() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// Leave stops consuming samples and returns to Idle. Nothing is sent to the
// relay; membership lapses with the transport.
func (s *Subscriber) Leave() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	id := s.id
	offs := s.resetLocked()
	s.gen++
	s.handlers = make(map[uint64]func(models.LocationSample))
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
	s.log.Info().Str("shipment_id", string(id)).Msg("left shipment")
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) ShipmentID() models.ShipmentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// LastSample returns the most recent applied sample.
func (s *Subscriber) LastSample() (models.LocationSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.LocationSample{}, false
	}
	return *s.last, true
}

// resetLocked clears the session and returns the listener removers, which
// the caller runs after unlocking.
func (s *Subscriber) resetLocked() []func() {
	var offs []func()
	if s.offSample != nil {
		offs = append(offs, s.offSample)
	}
	if s.offConnect != nil {
		offs = append(offs, s.offConnect)
	}
	s.offSample, s.offConnect = nil, nil
	s.id = ""
	s.state = StateIdle
	s.last = nil
	return offs
}

func (s *Subscriber) receive(gen uint64, smp models.LocationSample) {
	s.applyMu.Lock()
	s.mu.Lock()
	if s.gen != gen || s.state == StateIdle {
		s.mu.Unlock()
		s.applyMu.Unlock()
		metrics.IncSubscriberSample("idle")
		return
	}
	if smp.ShipmentID != s.id {
		id := s.id
		s.mu.Unlock()
		s.applyMu.Unlock()
		metrics.IncSubscriberSample("foreign")
		s.log.Debug().
			Str("shipment_id", string(id)).
			Str("sample_shipment_id", string(smp.ShipmentID)).
			Msg("drop sample for another shipment")
		return
	}
	// Последний пришедший сэмпл побеждает, порядок по ts не проверяем.
	cp := smp
	s.last = &cp
	sink := s.sink
	ids := make([]uint64, 0, len(s.handlers))
	for hid := range s.handlers {
		ids = append(ids, hid)
	}
	s.mu.Unlock()

	if sink != nil {
		apply(sink, smp)
	}
	s.applyMu.Unlock()

	metrics.IncSubscriberSample("applied")
	for _, hid := range ids {
		// Предыдущий обработчик мог сделать Leave или снять этот.
		h, ok := s.liveHandler(gen, hid)
		if !ok {
			continue
		}
		h(smp)
	}
}

func (s *Subscriber) liveHandler(gen, hid uint64) (func(models.LocationSample), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state == StateIdle {
		return nil, false
	}
	h, ok := s.handlers[hid]
	return h, ok
}

func (s *Subscriber) rejoin(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	id := s.id
	s.mu.Unlock()

	s.log.Debug().Str("shipment_id", string(id)).Msg("channel reconnected, rejoining")
	s.sendJoin(id)
}

func (s *Subscriber) sendJoin(id models.ShipmentID) {
	if err := realtime.JoinShipment(s.ch, id); err != nil {
		// Disconnected: the connect listener re-sends the join.
		s.log.Debug().Err(err).Str("shipment_id", string(id)).Msg("join room")
	}
}

func apply(sink MarkerSink, smp models.LocationSample) {
	sink.SetPosition(smp.Latitude, smp.Longitude)
	sink.PanTo(smp.Latitude, smp.Longitude)
}
