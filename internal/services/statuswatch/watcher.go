// Package statuswatch polls shipment statuses for a viewer and reports
// shipments that reached a terminal status.
package statuswatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type StatusReader interface {
	GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// FinishedFunc is called once per watched shipment, outside any lock.
type FinishedFunc func(sh models.Shipment)

type watched struct {
	failCount int32
	nextAt    time.Time
	status    string
}

type Watcher struct {
	reader StatusReader
	rl     RateLimiter
	log    zerolog.Logger
	now    func() time.Time

	planner *Planner

	pollInterval       time.Duration
	concurrency        int
	rateLimitPerMinute int64

	mu       sync.Mutex
	items    map[models.ShipmentID]*watched
	finished FinishedFunc

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalReads          atomic.Int64
	totalErrors         atomic.Int64
	totalFinished       atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(reader StatusReader, rl RateLimiter) *Watcher {
	return &Watcher{
		reader:             reader,
		rl:                 rl,
		log:                applog.WithComponent("statuswatch"),
		now:                func() time.Time { return time.Now().UTC() },
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       time.Second,
		concurrency:        4,
		rateLimitPerMinute: 120,
		items:              make(map[models.ShipmentID]*watched),
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

// WithSettings: pollInterval is the scheduler tick, not the read interval
// of a shipment; that one comes from the planner.
func (w *Watcher) WithSettings(pollInterval time.Duration, concurrency int, rlPerMin int64) *Watcher {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

func (w *Watcher) WithPlanner(cfg PlannerConfig, r Rand) *Watcher {
	w.planner = NewPlanner(cfg, r)
	return w
}

func (w *Watcher) WithLogger(l zerolog.Logger) *Watcher {
	w.log = l
	return w
}

func (w *Watcher) OnFinished(fn FinishedFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished = fn
}

// Watch schedules id for an immediate read. Watching it again is a no-op.
func (w *Watcher) Watch(id models.ShipmentID) {
	w.mu.Lock()
	if _, ok := w.items[id]; !ok {
		w.items[id] = &watched{}
	}
	w.mu.Unlock()
	w.Trigger()
}

func (w *Watcher) Unwatch(id models.ShipmentID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.items, id)
}

func (w *Watcher) Watching() []models.ShipmentID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.ShipmentID, 0, len(w.items))
	for id := range w.items {
		out = append(out, id)
	}
	return out
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (w *Watcher) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	Watching      int        `json:"watching"`
	TotalReads    int64      `json:"totalReads"`
	TotalErrors   int64      `json:"totalErrors"`
	TotalFinished int64      `json:"totalFinished"`
	LastError     string     `json:"lastError,omitempty"`
}

func (w *Watcher) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalReads:    w.totalReads.Load(),
		TotalErrors:   w.totalErrors.Load(),
		TotalFinished: w.totalFinished.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.mu.Lock()
	st.Watching = len(w.items)
	w.mu.Unlock()
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	now := w.now()
	w.lastCycleUnixNano.Store(now.UnixNano())

	due := w.due(now)
	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, id := range due {
		g.Go(func() error {
			w.checkOne(ctx, id, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) due(now time.Time) []models.ShipmentID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.ShipmentID
	for id, it := range w.items {
		if !it.nextAt.After(now) {
			out = append(out, id)
		}
	}
	return out
}

func (w *Watcher) checkOne(ctx context.Context, id models.ShipmentID, now time.Time) {
	if w.rl != nil && w.rateLimitPerMinute > 0 {
		minuteKey := "rl:status:" + now.Format("200601021504")
		allowed, n, err := w.rl.Allow(ctx, minuteKey, w.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			// Redis недоступен: читаем без лимита, статус важнее.
			w.log.Debug().Err(err).Msg("rate limiter")
		} else if !allowed {
			w.log.Warn().Str("shipment_id", string(id)).Int64("count", n).Msg("rate limit exceeded")
			return
		}
	}

	w.totalReads.Add(1)
	sh, err := w.reader.GetShipment(ctx, id)
	if err != nil {
		w.fail(id, now, err)
		return
	}

	w.mu.Lock()
	it, ok := w.items[id]
	if !ok {
		// Unwatched while the read was in flight.
		w.mu.Unlock()
		return
	}
	it.failCount = 0
	it.status = sh.Status
	if !models.IsTerminalStatus(sh.Status) {
		it.nextAt = now.Add(w.planner.NextCheckDelay(sh.Status))
		w.mu.Unlock()
		return
	}
	delete(w.items, id)
	fn := w.finished
	w.mu.Unlock()

	w.totalFinished.Add(1)
	w.log.Info().Str("shipment_id", string(id)).Str("status", sh.Status).Msg("shipment finished")
	if fn != nil {
		fn(*sh)
	}
}

func (w *Watcher) fail(id models.ShipmentID, now time.Time, err error) {
	w.totalErrors.Add(1)
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()

	w.mu.Lock()
	it, ok := w.items[id]
	var delay time.Duration
	if ok {
		it.failCount++
		delay = w.planner.BackoffDelay(it.failCount)
		it.nextAt = now.Add(delay)
	}
	w.mu.Unlock()

	w.log.Warn().Err(err).Str("shipment_id", string(id)).Dur("retry_in", delay).Msg("read shipment status")
}
