package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/LiveTrack/config"
	"github.com/BearBump/LiveTrack/internal/broker/kafka"
	"github.com/BearBump/LiveTrack/internal/cache"
	"github.com/BearBump/LiveTrack/internal/integrations/bookingapi"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/BearBump/LiveTrack/internal/realtime/wsrelay"
	"github.com/BearBump/LiveTrack/internal/services/shipments"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	byID map[models.ShipmentID]*models.Shipment
}

func newMemStore(list ...*models.Shipment) *memStore {
	m := &memStore{byID: map[models.ShipmentID]*models.Shipment{}}
	for _, sh := range list {
		m.byID[sh.ID] = sh
	}
	return m
}

func (m *memStore) GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.byID[id]
	if !ok {
		return nil, models.ErrShipmentNotFound
	}
	cp := *sh
	return &cp, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.byID[id]
	if !ok {
		return nil, models.ErrShipmentNotFound
	}
	sh.Status = status
	if agentName != "" {
		sh.AgentName = agentName
	}
	sh.UpdatedAt = time.Now().UTC()
	cp := *sh
	return &cp, nil
}

func (m *memStore) ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Shipment
	for _, sh := range m.byID {
		if sh.Status == models.ShipmentStatusInTransit && sh.AgentName == agentName {
			cp := *sh
			out = append(out, &cp)
		}
	}
	return out, nil
}

func testFactories(store shipments.StatusStore, feed statusFeed) agentFactories {
	return agentFactories{
		newStatusStore: func(ctx context.Context, cfg *config.Config) (shipments.StatusStore, func(), error) {
			return store, func() {}, nil
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) { return nil, func() {} },
		newStatusFeed: func(cfg *config.Config) (statusFeed, func()) {
			if feed == nil {
				return func(ctx context.Context, h kafka.StatusHandler) error {
					<-ctx.Done()
					return ctx.Err()
				}, func() {}
			}
			return feed, func() {}
		},
	}
}

func startRelay(t *testing.T) string {
	t.Helper()
	srv := wsrelay.NewServer().WithLogger(zerolog.Nop())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func startAgent(t *testing.T, relayURL string, f agentFactories) string {
	t.Helper()
	cfg := &config.Config{Agent: config.AgentConfig{
		Name:                  "Agent Karim",
		HTTPAddr:              "127.0.0.1:0",
		RelayURL:              relayURL,
		FixIntervalMillis:     20,
		RetryDelaySeconds:     1,
		ReconnectDelaySeconds: 1,
	}}
	addrCh := make(chan string, 1)
	f.onListen = func(a string) { addrCh <- a }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAgent(ctx, cfg, f) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	})

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("agent exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not start listening")
	}
	base := "http://" + addr
	require.Eventually(t, func() bool {
		code, _ := do(t, http.MethodGet, base+"/readyz", "")
		return code == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)
	return base
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func viewer(t *testing.T, relayURL string, id models.ShipmentID) <-chan models.LocationSample {
	t.Helper()
	c := wsrelay.NewClient(relayURL).WithReconnectDelay(20 * time.Millisecond).WithLogger(zerolog.Nop())
	out := make(chan models.LocationSample, 64)
	realtime.OnSample(c, func(s models.LocationSample) {
		select {
		case out <- s:
		default:
		}
	}, nil)
	c.OnConnect(func() { _ = realtime.JoinShipment(c, id) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	return out
}

type agentStats struct {
	Publisher struct {
		ActiveSessions int `json:"activeSessions"`
	} `json:"publisher"`
}

func activeSessions(t *testing.T, base string) int {
	t.Helper()
	_, body := do(t, http.MethodGet, base+"/stats", "")
	var st agentStats
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	return st.Publisher.ActiveSessions
}

func TestNewStatusStore_Selection(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := newStatusStore(ctx, &config.Config{Agent: config.AgentConfig{StatusStore: "booking_api"}})
	require.NoError(t, err)
	closeFn()
	_, ok := st.(*bookingapi.Client)
	require.True(t, ok)

	st, _, err = newStatusStore(ctx, &config.Config{})
	require.NoError(t, err)
	_, ok = st.(*bookingapi.Client)
	require.True(t, ok, "booking api is the default")

	_, _, err = newStatusStore(ctx, &config.Config{Agent: config.AgentConfig{StatusStore: "mongo"}})
	require.ErrorIs(t, err, ErrUnknownStatusStore)

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err = newStatusStore(cctx, &config.Config{
		Agent:    config.AgentConfig{StatusStore: "postgres"},
		Database: config.DatabaseConfig{Host: "127.0.0.1", Port: 1, Username: "u", Password: "p", DBName: "d"},
	})
	require.Error(t, err)
}

func TestDefaultAgentFactories_NonNil(t *testing.T) {
	f := defaultAgentFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	c, closeCache := f.newCache(cfg)
	require.NotNil(t, c)
	closeCache()

	p := f.newProducer(cfg)
	require.NotNil(t, p)
	require.NoError(t, p.Close())

	feed, closeFeed := f.newStatusFeed(cfg)
	require.NotNil(t, feed)
	closeFeed()
}

func TestRunAgent_StatusTransitionsDrivePublishing(t *testing.T) {
	relayURL := startRelay(t)
	store := newMemStore(&models.Shipment{ID: "HE20240001", Status: models.ShipmentStatusPickedUp})
	base := startAgent(t, relayURL, testFactories(store, nil))
	samples := viewer(t, relayURL, "HE20240001")

	code, body := do(t, http.MethodPost, base+"/shipments/HE20240001/status", `{"status":"in_transit"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.Contains(t, body, `"action":"start"`)

	select {
	case s := <-samples:
		require.Equal(t, models.ShipmentID("HE20240001"), s.ShipmentID)
		require.Equal(t, "Agent Karim", s.PublisherLabel)
	case <-time.After(3 * time.Second):
		t.Fatal("no location sample reached the viewer")
	}
	require.Equal(t, 1, activeSessions(t, base))

	code, body = do(t, http.MethodGet, base+"/sessions", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"shipmentId":"HE20240001"`)
	require.Contains(t, body, `"label":"Agent Karim"`)

	code, body = do(t, http.MethodPost, base+"/shipments/HE20240001/status", `{"status":"DELIVERED"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.Contains(t, body, `"action":"stop"`)
	require.Equal(t, 0, activeSessions(t, base))
	_, body = do(t, http.MethodGet, base+"/sessions", "")
	require.JSONEq(t, `[]`, body)

	code, body = do(t, http.MethodGet, base+"/shipments/HE20240001", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"status":"DELIVERED"`)
}

func TestRunAgent_HTTPErrors(t *testing.T) {
	relayURL := startRelay(t)
	store := newMemStore(&models.Shipment{ID: "A", Status: models.ShipmentStatusInTransit})
	base := startAgent(t, relayURL, testFactories(store, nil))

	code, _ := do(t, http.MethodPost, base+"/shipments/A/status", `{"status":"FAILED"}`)
	require.Equal(t, http.StatusBadRequest, code, "reason is required")

	code, _ = do(t, http.MethodPost, base+"/shipments/A/status", `{"status":"LOST"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, base+"/shipments/A/status", `not json`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, base+"/shipments/nope/status", `{"status":"IN_TRANSIT"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, base+"/shipments/nope", "")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodPost, base+"/simulator/permission", `{"state":"maybe"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, http.MethodGet, base+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "livetrack_publisher_active_sessions")
}

func TestRunAgent_ResumesInTransitShipments(t *testing.T) {
	relayURL := startRelay(t)
	store := newMemStore(
		&models.Shipment{ID: "A", Status: models.ShipmentStatusInTransit, AgentName: "Agent Karim"},
		&models.Shipment{ID: "B", Status: models.ShipmentStatusInTransit, AgentName: "Agent Rahim"},
	)
	base := startAgent(t, relayURL, testFactories(store, nil))

	require.Eventually(t, func() bool { return activeSessions(t, base) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRunAgent_StatusFeedStartsTracking(t *testing.T) {
	relayURL := startRelay(t)
	feed := func(ctx context.Context, h kafka.StatusHandler) error {
		if err := h(ctx, models.ShipmentStatusChange{ShipmentID: "HE20240001", Status: models.ShipmentStatusInTransit}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	base := startAgent(t, relayURL, testFactories(newMemStore(), feed))

	require.Eventually(t, func() bool { return activeSessions(t, base) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRunAgent_SimulatorErrorsProduceNotices(t *testing.T) {
	relayURL := startRelay(t)
	store := newMemStore(&models.Shipment{ID: "A", Status: models.ShipmentStatusPickedUp})
	base := startAgent(t, relayURL, testFactories(store, nil))

	code, _ := do(t, http.MethodPost, base+"/shipments/A/status", `{"status":"IN_TRANSIT"}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodPost, base+"/simulator/errors", `{"code":3}`)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, base+"/notices", "")
		return strings.Contains(body, `"kind":"timeout"`)
	}, 3*time.Second, 20*time.Millisecond)

	// Session restarts after the retry delay.
	require.Eventually(t, func() bool { return activeSessions(t, base) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestAgentRouter_SwaggerDocs(t *testing.T) {
	const path = "../../api/track-agent.swagger.json"
	ts := httptest.NewServer(newAgentRouter(agentHTTPOpts{swaggerPath: path}))
	t.Cleanup(ts.Close)

	code, body := do(t, http.MethodGet, ts.URL+"/swagger.json", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"/shipments/{id}/status"`)

	code, _ = do(t, http.MethodGet, ts.URL+"/docs/index.html", "")
	require.Equal(t, http.StatusOK, code)
}

func TestRunAgent_MissingSwaggerFile(t *testing.T) {
	err := runAgentHTTPServer(context.Background(), agentHTTPOpts{httpAddr: "127.0.0.1:0", swaggerPath: "does-not-exist.json"})
	require.ErrorContains(t, err, "swagger file not found")
}
