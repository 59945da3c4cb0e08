// Package dispatch turns shipment status transitions into publisher
// start/stop calls for one delivery agent.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Tracker interface {
	StartTracking(id models.ShipmentID, label string) error
	StopTracking(id models.ShipmentID)
}

type InTransitLister interface {
	ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error)
}

type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error)
}

// Forgetter drops cached statuses changed outside this process.
type Forgetter interface {
	Forget(ctx context.Context, id models.ShipmentID) error
}

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionNone  Action = "none"
)

// Controller serializes transitions per process. The same status applied
// twice in a row for a shipment is ignored, so the agent's own updates
// coming back from Kafka do not restart its watch.
type Controller struct {
	tracker   Tracker
	agentName string
	forget    Forgetter
	log       zerolog.Logger

	mu      sync.Mutex
	applied map[models.ShipmentID]string

	started atomic.Int64
	stopped atomic.Int64
	skipped atomic.Int64
}

func New(tracker Tracker, agentName string) *Controller {
	return &Controller{
		tracker:   tracker,
		agentName: agentName,
		log:       applog.WithComponent("dispatch"),
		applied:   make(map[models.ShipmentID]string),
	}
}

func (c *Controller) WithForgetter(f Forgetter) *Controller {
	c.forget = f
	return c
}

func (c *Controller) WithLogger(l zerolog.Logger) *Controller {
	c.log = l
	return c
}

// Decide maps a status to what the publisher must do.
func Decide(status string) Action {
	switch {
	case status == models.ShipmentStatusInTransit:
		return ActionStart
	case models.IsTerminalStatus(status):
		return ActionStop
	default:
		return ActionNone
	}
}

// Apply runs one transition. Changes assigned to another agent never start
// tracking here; stops are applied regardless since they are no-ops for
// shipments this agent does not track.
func (c *Controller) Apply(ctx context.Context, ch models.ShipmentStatusChange) (Action, error) {
	if ch.ShipmentID == "" {
		return ActionNone, errors.New("shipment id is required")
	}
	act := Decide(ch.Status)
	if act == ActionStart && ch.AgentName != "" && c.agentName != "" && ch.AgentName != c.agentName {
		c.skipped.Add(1)
		c.log.Debug().Str("shipment_id", string(ch.ShipmentID)).Str("agent_name", ch.AgentName).Msg("shipment of another agent")
		return ActionNone, nil
	}

	c.mu.Lock()
	if prev, ok := c.applied[ch.ShipmentID]; ok && prev == ch.Status {
		c.mu.Unlock()
		c.skipped.Add(1)
		return ActionNone, nil
	}
	if act == ActionStop {
		delete(c.applied, ch.ShipmentID)
	} else {
		c.applied[ch.ShipmentID] = ch.Status
	}
	c.mu.Unlock()

	switch act {
	case ActionStart:
		if err := c.tracker.StartTracking(ch.ShipmentID, c.label(ch)); err != nil {
			c.mu.Lock()
			delete(c.applied, ch.ShipmentID)
			c.mu.Unlock()
			return ActionNone, errors.Wrap(err, "start tracking")
		}
		c.started.Add(1)
	case ActionStop:
		c.tracker.StopTracking(ch.ShipmentID)
		c.stopped.Add(1)
	}

	c.log.Info().
		Str("shipment_id", string(ch.ShipmentID)).
		Str("status", ch.Status).
		Str("action", string(act)).
		Msg("status applied")
	return act, nil
}

// HandleStatusChange is the Kafka feed handler. Bad transitions are logged
// and acknowledged so they do not stall the partition.
func (c *Controller) HandleStatusChange(ctx context.Context, ch models.ShipmentStatusChange) error {
	if c.forget != nil {
		if err := c.forget.Forget(ctx, ch.ShipmentID); err != nil {
			c.log.Debug().Err(err).Str("shipment_id", string(ch.ShipmentID)).Msg("forget cached status")
		}
	}
	if _, err := c.Apply(ctx, ch); err != nil {
		c.log.Warn().Err(err).Str("shipment_id", string(ch.ShipmentID)).Msg("apply status change")
	}
	return nil
}

// Transition records a status change made by the agent and applies it.
func (c *Controller) Transition(ctx context.Context, store StatusUpdater, id models.ShipmentID, status, reason string) (*models.Shipment, Action, error) {
	sh, err := store.UpdateStatus(ctx, id, status, c.agentName, reason)
	if err != nil {
		return nil, ActionNone, err
	}
	act, err := c.Apply(ctx, models.ShipmentStatusChange{
		ShipmentID: sh.ID,
		Status:     sh.Status,
		AgentName:  sh.AgentName,
		Reason:     reason,
		ChangedAt:  sh.UpdatedAt,
	})
	if err != nil {
		return sh, ActionNone, err
	}
	return sh, act, nil
}

// Resume starts tracking every in-transit shipment of the agent; used once
// on startup.
func (c *Controller) Resume(ctx context.Context, src InTransitLister) (int, error) {
	list, err := src.ListInTransit(ctx, c.agentName)
	if err != nil {
		return 0, errors.Wrap(err, "list in-transit shipments")
	}
	n := 0
	for _, sh := range list {
		act, err := c.Apply(ctx, models.ShipmentStatusChange{
			ShipmentID: sh.ID,
			Status:     models.ShipmentStatusInTransit,
			AgentName:  sh.AgentName,
			ChangedAt:  sh.UpdatedAt,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("shipment_id", string(sh.ID)).Msg("resume tracking")
			continue
		}
		if act == ActionStart {
			n++
		}
	}
	c.log.Info().Int("count", n).Str("agent_name", c.agentName).Msg("tracking resumed")
	return n, nil
}

func (c *Controller) label(ch models.ShipmentStatusChange) string {
	if c.agentName != "" {
		return c.agentName
	}
	return ch.AgentName
}

type Stats struct {
	Started  int64 `json:"started"`
	Stopped  int64 `json:"stopped"`
	Skipped  int64 `json:"skipped"`
	Tracking int   `json:"tracking"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	n := 0
	for _, st := range c.applied {
		if st == models.ShipmentStatusInTransit {
			n++
		}
	}
	c.mu.Unlock()
	return Stats{
		Started:  c.started.Load(),
		Stopped:  c.stopped.Load(),
		Skipped:  c.skipped.Load(),
		Tracking: n,
	}
}
