package statuswatch

import (
	"math/rand"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	InTransitMinDelay time.Duration // default: 15 seconds
	InTransitMaxDelay time.Duration // default: 15 seconds

	// PendingDelay is used before the shipment leaves the warehouse.
	PendingDelay time.Duration // default: 60 seconds

	Backoff1 time.Duration // default: 5 seconds
	Backoff2 time.Duration // default: 15 seconds
	Backoff3 time.Duration // default: 30 seconds
	Backoff4 time.Duration // default: 60 seconds
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		InTransitMinDelay: 15 * time.Second,
		InTransitMaxDelay: 15 * time.Second,

		PendingDelay: time.Minute,

		Backoff1: 5 * time.Second,
		Backoff2: 15 * time.Second,
		Backoff3: 30 * time.Second,
		Backoff4: 60 * time.Second,
	}
}

// Planner decides when a watched shipment is read again.
type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.InTransitMinDelay <= 0 {
		cfg.InTransitMinDelay = def.InTransitMinDelay
	}
	if cfg.InTransitMaxDelay <= 0 {
		cfg.InTransitMaxDelay = cfg.InTransitMinDelay
	}
	if cfg.InTransitMaxDelay < cfg.InTransitMinDelay {
		cfg.InTransitMaxDelay = cfg.InTransitMinDelay
	}
	if cfg.PendingDelay <= 0 {
		cfg.PendingDelay = def.PendingDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func (p *Planner) NextCheckDelay(status string) time.Duration {
	if status != models.ShipmentStatusInTransit {
		return p.cfg.PendingDelay
	}
	min := p.cfg.InTransitMinDelay
	max := p.cfg.InTransitMaxDelay
	if max == min {
		return min
	}
	// Джиттер, чтобы зрители одного отправления не читали статус синхронно.
	span := int((max - min) / time.Millisecond)
	return min + time.Duration(p.r.Intn(span+1))*time.Millisecond
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
