package main

import (
	"context"
	"sync"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/services/statuswatch"
	"github.com/BearBump/LiveTrack/internal/services/subscriber"
	"github.com/BearBump/LiveTrack/internal/sinks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrShipmentFinished: the shipment is already delivered or failed, there is
// nothing to follow.
var ErrShipmentFinished = errors.New("shipment already finished")

// follower keeps the subscriber, its sink and the status watch on the same
// shipment.
type follower struct {
	sub    *subscriber.Subscriber
	watch  *statuswatch.Watcher
	status statuswatch.StatusReader
	sinks  sinks.Factory
	log    zerolog.Logger

	mu sync.Mutex
}

func newFollower(sub *subscriber.Subscriber, w *statuswatch.Watcher, status statuswatch.StatusReader, f sinks.Factory, l zerolog.Logger) *follower {
	fl := &follower{sub: sub, watch: w, status: status, sinks: f, log: l}
	w.OnFinished(fl.finished)
	return fl
}

// Follow switches to id. A shipment already in a terminal status is not
// joined. When the status cannot be read the room is joined anyway and the
// status watch keeps retrying.
func (f *follower) Follow(ctx context.Context, id models.ShipmentID) error {
	if id == "" {
		return subscriber.ErrEmptyShipmentID
	}
	if f.current() != id {
		if err := f.checkStatus(ctx, id); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.sub.ShipmentID()
	if prev == id && f.sub.State() != subscriber.StateIdle {
		return f.sub.JoinShipment(id)
	}
	// The old sink is keyed by the old shipment; drop it before switching.
	f.sub.DetachSink()
	if err := f.sub.JoinShipment(id); err != nil {
		return err
	}
	if prev != "" {
		f.watch.Unwatch(prev)
	}
	f.sub.AttachSink(f.sinks(id))
	f.watch.Watch(id)
	return nil
}

func (f *follower) current() models.ShipmentID {
	if f.sub.State() == subscriber.StateIdle {
		return ""
	}
	return f.sub.ShipmentID()
}

func (f *follower) checkStatus(ctx context.Context, id models.ShipmentID) error {
	if f.status == nil {
		return nil
	}
	sh, err := f.status.GetShipment(ctx, id)
	switch {
	case errors.Is(err, models.ErrShipmentNotFound):
		return err
	case err != nil:
		f.log.Warn().Err(err).Str("shipment_id", string(id)).Msg("read status before follow")
		return nil
	case models.IsTerminalStatus(sh.Status):
		return errors.Wrapf(ErrShipmentFinished, "%s is %s", id, sh.Status)
	}
	return nil
}

func (f *follower) Leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveLocked()
}

func (f *follower) leaveLocked() {
	id := f.sub.ShipmentID()
	f.sub.Leave()
	f.sub.DetachSink()
	if id != "" {
		f.watch.Unwatch(id)
	}
}

func (f *follower) finished(sh models.Shipment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub.ShipmentID() != sh.ID {
		return
	}
	f.log.Info().Str("shipment_id", string(sh.ID)).Str("status", sh.Status).Msg("shipment finished, leaving")
	f.leaveLocked()
}
