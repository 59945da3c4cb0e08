package main

import (
	"context"
	"time"

	"github.com/BearBump/LiveTrack/config"
	"github.com/BearBump/LiveTrack/internal/broker/kafka"
	"github.com/BearBump/LiveTrack/internal/cache"
	"github.com/BearBump/LiveTrack/internal/cache/rediscache"
	"github.com/BearBump/LiveTrack/internal/integrations/bookingapi"
	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
	"github.com/BearBump/LiveTrack/internal/integrations/geolocation/simulated"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/realtime/wsrelay"
	"github.com/BearBump/LiveTrack/internal/services/dispatch"
	"github.com/BearBump/LiveTrack/internal/services/publisher"
	"github.com/BearBump/LiveTrack/internal/services/shipments"
	"github.com/BearBump/LiveTrack/internal/storage/pgshipments"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	StoreBookingAPI = "booking_api"
	StorePostgres   = "postgres"
)

var ErrUnknownStatusStore = errors.New("unknown status store")

type eventProducer interface {
	shipments.EventPublisher
	Close() error
}

// statusFeed consumes shipment.status until ctx is done.
type statusFeed func(ctx context.Context, h kafka.StatusHandler) error

type agentFactories struct {
	newStatusStore func(ctx context.Context, cfg *config.Config) (store shipments.StatusStore, closeFn func(), err error)
	newCache       func(cfg *config.Config) (c cache.BytesCache, closeFn func())
	newProducer    func(cfg *config.Config) eventProducer
	newStatusFeed  func(cfg *config.Config) (feed statusFeed, closeFn func())

	swaggerPath string
	onListen    func(httpAddr string)
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		newStatusStore: newStatusStore,
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) {
			rc := rediscache.New(cfg.Redis.Addr())
			return rc, func() { _ = rc.Close() }
		},
		newProducer: func(cfg *config.Config) eventProducer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newStatusFeed: func(cfg *config.Config) (statusFeed, func()) {
			topic := cfg.Kafka.ShipmentStatusTopicName
			if topic == "" {
				topic = "shipment.status"
			}
			group := cfg.Agent.KafkaConsumerGroup
			if group == "" {
				group = "track-agent"
			}
			c := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group)
			log := applog.WithComponent("status-feed")
			return func(ctx context.Context, h kafka.StatusHandler) error {
				return kafka.ConsumeStatusChanges(ctx, c, log, h)
			}, func() { _ = c.Close() }
		},
	}
}

// newStatusStore picks the system of record for shipment statuses.
func newStatusStore(ctx context.Context, cfg *config.Config) (shipments.StatusStore, func(), error) {
	switch cfg.Agent.StatusStore {
	case "", StoreBookingAPI:
		return bookingapi.New(cfg.BookingAPI.BaseURL, cfg.BookingAPI.APIKey), func() {}, nil
	case StorePostgres:
		st, err := pgshipments.New(ctx, cfg.Database.ConnString())
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, errors.Wrapf(ErrUnknownStatusStore, "%q", cfg.Agent.StatusStore)
	}
}

func simulatedRoute(cfg *config.Config) []simulated.Point {
	out := make([]simulated.Point, 0, len(cfg.Agent.Route))
	for _, w := range cfg.Agent.Route {
		out = append(out, simulated.Point{Lat: w.Lat, Lng: w.Lng})
	}
	return out
}

// RunAgent wires the delivery agent: relay client, simulated location
// source, publisher, dispatch and the status HTTP API.
func RunAgent(ctx context.Context, cfg *config.Config, f agentFactories) error {
	log := applog.WithComponent("track-agent")

	name := cfg.Agent.Name
	if name == "" {
		name = "Agent"
	}
	httpAddr := cfg.Agent.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8091"
	}
	relayURL := cfg.Agent.RelayURL
	if relayURL == "" {
		relayURL = "ws://localhost:8090/ws"
	}
	statusTopic := cfg.Kafka.ShipmentStatusTopicName
	if statusTopic == "" {
		statusTopic = "shipment.status"
	}
	cacheTTL := time.Duration(cfg.Agent.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	fixInterval := time.Duration(cfg.Agent.FixIntervalMillis) * time.Millisecond
	if fixInterval <= 0 {
		fixInterval = time.Second
	}

	store, closeStore, err := f.newStatusStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "status store")
	}
	defer closeStore()

	var c cache.BytesCache
	if f.newCache != nil {
		var closeCache func()
		c, closeCache = f.newCache(cfg)
		defer closeCache()
	}
	svc := shipments.New(store, c, cacheTTL)
	if f.newProducer != nil {
		p := f.newProducer(cfg)
		defer func() { _ = p.Close() }()
		svc.WithEvents(p, statusTopic)
	}

	client := wsrelay.NewClient(relayURL).
		WithReconnectDelay(time.Duration(cfg.Agent.ReconnectDelaySeconds) * time.Second)

	perms := simulated.NewPermissions(geolocation.PermissionGranted)
	src := simulated.New(simulatedRoute(cfg), fixInterval, perms)

	notices := publisher.NewRecentNotices(50)
	sessions := publisher.NewRegistry()
	pub := publisher.New(client, src, sessions, publisher.Fanout{
		publisher.NewLogNotifier(applog.WithComponent("notices")),
		notices,
	}).
		WithPermissions(perms).
		WithRetryDelay(time.Duration(cfg.Agent.RetryDelaySeconds) * time.Second)
	defer pub.Close()

	ctl := dispatch.New(pub, name).WithForgetter(svc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })

	if f.newStatusFeed != nil {
		feed, closeFeed := f.newStatusFeed(cfg)
		defer closeFeed()
		g.Go(func() error { return feed(gctx, ctl.HandleStatusChange) })
	}

	g.Go(func() error {
		// Store may be unavailable at startup; Kafka and HTTP transitions
		// still work, so this is not fatal.
		if _, err := ctl.Resume(gctx, svc); err != nil {
			log.Warn().Err(err).Msg("resume in-transit shipments")
		}
		return nil
	})

	g.Go(func() error {
		return runAgentHTTPServer(gctx, agentHTTPOpts{
			httpAddr:    httpAddr,
			swaggerPath: f.swaggerPath,
			onListen:    f.onListen,
			deps: agentDeps{
				publisher:   pub,
				dispatch:    ctl,
				shipments:   svc,
				source:      src,
				permissions: perms,
				notices:     notices,
				sessions:    sessions,
				connected:   client.Connected,
			},
		})
	})

	log.Info().Str("agent_name", name).Str("relay_url", relayURL).Msg("agent started")
	return g.Wait()
}
