// Package realtime describes the room-scoped message relay shared by the
// location publisher and subscriber.
package realtime

import (
	"encoding/json"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
)

const (
	EventJoinRoom       = "joinRoom"
	EventLocationUpdate = "locationUpdate"
)

// ErrDisconnected is returned by Emit while the transport is down. Callers
// treat emits as fire-and-forget and may ignore it.
var ErrDisconnected = errors.New("realtime channel disconnected")

// Channel is one participant's view of the relay. Implementations are safe
// for concurrent use and are shared process-wide; neither the publisher nor
// the subscriber closes them.
type Channel interface {
	// Join adds this participant to the room. Joining twice is harmless.
	Join(room string) error
	Emit(event string, payload any) error
	// On registers a handler for inbound events of the given type.
	On(event string, h func(data json.RawMessage)) (off func())
	// OnConnect registers a handler invoked after every (re)connect.
	OnConnect(h func()) (off func())
}

// Frame is the JSON envelope used on the websocket transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func EncodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "marshal frame")
	}
	return b, nil
}

func JoinShipment(ch Channel, id models.ShipmentID) error {
	return ch.Join(string(id))
}

func PublishSample(ch Channel, s models.LocationSample) error {
	return ch.Emit(EventLocationUpdate, messages.FromSample(s))
}

// OnSample decodes inbound locationUpdate events. Undecodable payloads are
// reported to onBad when it is non-nil.
func OnSample(ch Channel, h func(models.LocationSample), onBad func(error)) (off func()) {
	return ch.On(EventLocationUpdate, func(data json.RawMessage) {
		var m messages.LocationSample
		if err := json.Unmarshal(data, &m); err != nil {
			if onBad != nil {
				onBad(errors.Wrap(err, "decode location sample"))
			}
			return
		}
		h(m.ToSample())
	})
}
