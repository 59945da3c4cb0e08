package statuswatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/internal/cache/rediscache"
	"github.com/BearBump/LiveTrack/internal/models"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu     sync.Mutex
	status map[models.ShipmentID]string
	err    error
	reads  map[models.ShipmentID]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{status: map[models.ShipmentID]string{}, reads: map[models.ShipmentID]int{}}
}

func (r *fakeReader) set(id models.ShipmentID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[id] = status
}

func (r *fakeReader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeReader) readsOf(id models.ShipmentID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[id]
}

func (r *fakeReader) GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads[id]++
	if r.err != nil {
		return nil, r.err
	}
	st, ok := r.status[id]
	if !ok {
		return nil, models.ErrShipmentNotFound
	}
	return &models.Shipment{ID: id, Status: st}, nil
}

type fixedRL struct {
	allowed bool
	err     error
}

func (r fixedRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, 1, r.err
}

type manualNow struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualNow) add(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

func newWatcher(r StatusReader, rl RateLimiter) (*Watcher, *manualNow) {
	clk := &manualNow{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	w := New(r, rl).WithLogger(zerolog.Nop())
	w.now = clk.Now
	return w, clk
}

func TestWatcher_FinishedOnTerminalStatus(t *testing.T) {
	r := newFakeReader()
	r.set("HE20240001", models.ShipmentStatusInTransit)
	w, clk := newWatcher(r, nil)

	var got []models.Shipment
	w.OnFinished(func(sh models.Shipment) { got = append(got, sh) })
	w.Watch("HE20240001")

	w.runOnce(context.Background())
	require.Empty(t, got)
	require.Equal(t, 1, r.readsOf("HE20240001"))

	// Not due yet.
	clk.add(5 * time.Second)
	w.runOnce(context.Background())
	require.Equal(t, 1, r.readsOf("HE20240001"))

	r.set("HE20240001", models.ShipmentStatusDelivered)
	clk.add(10 * time.Second)
	w.runOnce(context.Background())
	require.Len(t, got, 1)
	require.Equal(t, models.ShipmentStatusDelivered, got[0].Status)
	require.Empty(t, w.Watching())

	clk.add(time.Hour)
	w.runOnce(context.Background())
	require.Len(t, got, 1, "reported once")
	require.Equal(t, int64(1), w.Stats().TotalFinished)
}

func TestWatcher_PendingIsNotFinished(t *testing.T) {
	r := newFakeReader()
	r.set("A", models.ShipmentStatusPickedUp)
	w, clk := newWatcher(r, nil)
	fired := false
	w.OnFinished(func(models.Shipment) { fired = true })
	w.Watch("A")

	w.runOnce(context.Background())
	clk.add(30 * time.Second)
	w.runOnce(context.Background())
	require.False(t, fired)
	require.Equal(t, 1, r.readsOf("A"), "pending shipments are read every minute")

	clk.add(30 * time.Second)
	w.runOnce(context.Background())
	require.Equal(t, 2, r.readsOf("A"))
}

func TestWatcher_BacksOffOnErrors(t *testing.T) {
	r := newFakeReader()
	r.fail(errors.New("booking api down"))
	w, clk := newWatcher(r, nil)
	w.Watch("A")

	w.runOnce(context.Background())
	require.Equal(t, 1, r.readsOf("A"))

	clk.add(4 * time.Second)
	w.runOnce(context.Background())
	require.Equal(t, 1, r.readsOf("A"))

	clk.add(time.Second)
	w.runOnce(context.Background())
	require.Equal(t, 2, r.readsOf("A"))

	// Second failure waits 15s.
	clk.add(14 * time.Second)
	w.runOnce(context.Background())
	require.Equal(t, 2, r.readsOf("A"))
	clk.add(time.Second)
	w.runOnce(context.Background())
	require.Equal(t, 3, r.readsOf("A"))

	st := w.Stats()
	require.Equal(t, int64(3), st.TotalErrors)
	require.Equal(t, "booking api down", st.LastError)
}

func TestWatcher_RateLimitedSkipsCycle(t *testing.T) {
	r := newFakeReader()
	r.set("A", models.ShipmentStatusDelivered)
	w, _ := newWatcher(r, fixedRL{allowed: false})
	w.Watch("A")

	w.runOnce(context.Background())
	require.Zero(t, r.readsOf("A"))
	require.Len(t, w.Watching(), 1)
}

func TestWatcher_LimiterErrorDoesNotBlockReads(t *testing.T) {
	r := newFakeReader()
	r.set("A", models.ShipmentStatusInTransit)
	w, _ := newWatcher(r, fixedRL{err: errors.New("redis down")})
	w.Watch("A")

	w.runOnce(context.Background())
	require.Equal(t, 1, r.readsOf("A"))
}

func TestWatcher_SharedRedisRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newFakeReader()
	for _, id := range []models.ShipmentID{"A", "B", "C"} {
		r.set(id, models.ShipmentStatusInTransit)
	}
	w, _ := newWatcher(r, rediscache.NewRateLimiter(mr.Addr()))
	w.WithSettings(0, 1, 2)
	w.Watch("A")
	w.Watch("B")
	w.Watch("C")

	w.runOnce(context.Background())
	require.Equal(t, int64(2), w.Stats().TotalReads)
}

func TestWatcher_UnwatchStopsReads(t *testing.T) {
	r := newFakeReader()
	r.set("A", models.ShipmentStatusInTransit)
	w, clk := newWatcher(r, nil)
	w.Watch("A")
	w.Watch("A")
	require.Len(t, w.Watching(), 1)

	w.runOnce(context.Background())
	w.Unwatch("A")
	clk.add(time.Minute)
	w.runOnce(context.Background())
	require.Equal(t, 1, r.readsOf("A"))
}

func TestWatcher_WithSettings(t *testing.T) {
	w := New(nil, nil).WithSettings(5*time.Second, 7, 13)
	require.Equal(t, 5*time.Second, w.pollInterval)
	require.Equal(t, 7, w.concurrency)
	require.Equal(t, int64(13), w.rateLimitPerMinute)

	w.WithSettings(0, 0, 0)
	require.Equal(t, 5*time.Second, w.pollInterval, "zero keeps the current value")
}

func TestWatcher_Run_StopsOnContextCancel(t *testing.T) {
	r := newFakeReader()
	r.set("A", models.ShipmentStatusInTransit)
	w := New(r, nil).WithLogger(zerolog.Nop()).WithSettings(5*time.Millisecond, 1, 1)
	w.Watch("A")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, r.readsOf("A"), 1)
	require.NotNil(t, w.Stats().LastTriggerAt)
}
