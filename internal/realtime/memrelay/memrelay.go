// Package memrelay is an in-process relay with rooms. Delivery is
// synchronous on the emitting goroutine, which keeps tests deterministic.
package memrelay

import (
	"encoding/json"
	"sync"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/pkg/errors"
)

type Relay struct {
	mu    sync.Mutex
	rooms map[string]map[*Conn]struct{}
	joins map[string]int
}

func New() *Relay {
	return &Relay{
		rooms: make(map[string]map[*Conn]struct{}),
		joins: make(map[string]int),
	}
}

// Connect returns a new connected participant.
func (r *Relay) Connect() *Conn {
	return &Conn{
		relay:     r,
		connected: true,
		handlers:  make(map[string]map[uint64]func(json.RawMessage)),
		onConnect: make(map[uint64]func()),
	}
}

// Members returns the number of participants currently in the room.
func (r *Relay) Members(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// JoinsReceived counts joinRoom messages the relay got for the room.
func (r *Relay) JoinsReceived(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins[room]
}

func (r *Relay) join(c *Conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins[room]++
	m, ok := r.rooms[room]
	if !ok {
		m = make(map[*Conn]struct{})
		r.rooms[room] = m
	}
	m[c] = struct{}{}
}

func (r *Relay) drop(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, m := range r.rooms {
		delete(m, c)
		if len(m) == 0 {
			delete(r.rooms, room)
		}
	}
}

func (r *Relay) fanOut(from *Conn, room, event string, data json.RawMessage) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		if c != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.dispatch(event, data)
	}
}

type Conn struct {
	relay *Relay

	mu        sync.Mutex
	connected bool
	nextID    uint64
	handlers  map[string]map[uint64]func(json.RawMessage)
	onConnect map[uint64]func()
}

var _ realtime.Channel = (*Conn)(nil)

func (c *Conn) Join(room string) error {
	return c.Emit(realtime.EventJoinRoom, room)
}

func (c *Conn) Emit(event string, payload any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return realtime.ErrDisconnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	switch event {
	case realtime.EventJoinRoom:
		var room string
		if err := json.Unmarshal(data, &room); err != nil || room == "" {
			return errors.New("joinRoom payload must be a non-empty string")
		}
		c.relay.join(c, room)
	case realtime.EventLocationUpdate:
		var m messages.LocationSample
		if err := json.Unmarshal(data, &m); err != nil {
			return errors.Wrap(err, "decode location sample")
		}
		if err := m.Validate(); err != nil {
			return err
		}
		c.relay.fanOut(c, m.ShipmentID, event, data)
	default:
		return errors.Errorf("unsupported event %q", event)
	}
	return nil
}

func (c *Conn) On(event string, h func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	m, ok := c.handlers[event]
	if !ok {
		m = make(map[uint64]func(json.RawMessage))
		c.handlers[event] = m
	}
	m[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *Conn) OnConnect(h func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.onConnect[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onConnect, id)
	}
}

// Disconnect simulates a transport drop: room membership is lost and emits
// fail until Reconnect.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.relay.drop(c)
}

// Reconnect restores the transport and fires the connect handlers.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	c.connected = true
	hs := make([]func(), 0, len(c.onConnect))
	for _, h := range c.onConnect {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h()
	}
}

// Deliver pushes an inbound event straight to this connection's handlers,
// bypassing room routing.
func (c *Conn) Deliver(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	c.dispatch(event, data)
	return nil
}

func (c *Conn) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	hs := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}
