package main

import (
	"context"
	"time"

	"github.com/BearBump/LiveTrack/config"
	"github.com/BearBump/LiveTrack/internal/cache/rediscache"
	"github.com/BearBump/LiveTrack/internal/integrations/bookingapi"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/realtime/wsrelay"
	"github.com/BearBump/LiveTrack/internal/services/shipments"
	"github.com/BearBump/LiveTrack/internal/services/statuswatch"
	"github.com/BearBump/LiveTrack/internal/services/subscriber"
	"github.com/BearBump/LiveTrack/internal/sinks"
	"github.com/BearBump/LiveTrack/internal/storage/pgshipments"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownStatusStore = errors.New("unknown status store")

type viewerFactories struct {
	newRedis       func(cfg *config.Config) *redis.Client
	newStatusStore func(ctx context.Context, cfg *config.Config) (store shipments.StatusStore, closeFn func(), err error)
	onListen       func(httpAddr string)
}

func defaultViewerFactories() viewerFactories {
	return viewerFactories{
		newRedis: func(cfg *config.Config) *redis.Client {
			return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		},
		newStatusStore: func(ctx context.Context, cfg *config.Config) (shipments.StatusStore, func(), error) {
			switch cfg.Viewer.StatusStore {
			case "", "booking_api":
				return bookingapi.New(cfg.BookingAPI.BaseURL, cfg.BookingAPI.APIKey), func() {}, nil
			case "postgres":
				st, err := pgshipments.New(ctx, cfg.Database.ConnString())
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			default:
				return nil, nil, errors.Wrapf(ErrUnknownStatusStore, "%q", cfg.Viewer.StatusStore)
			}
		},
	}
}

// RunViewer follows one shipment at a time and leaves it once the shipment
// is delivered or failed.
func RunViewer(ctx context.Context, cfg *config.Config, f viewerFactories) error {
	log := applog.WithComponent("track-viewer")

	httpAddr := cfg.Viewer.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8092"
	}
	relayURL := cfg.Viewer.RelayURL
	if relayURL == "" {
		relayURL = "ws://localhost:8090/ws"
	}
	poll := time.Duration(cfg.Viewer.StatusPollSeconds) * time.Second
	if poll <= 0 {
		poll = 15 * time.Second
	}
	sinkTTL := time.Duration(cfg.Viewer.SinkTTLSeconds) * time.Second
	if sinkTTL <= 0 {
		sinkTTL = time.Hour
	}

	rc := f.newRedis(cfg)
	defer func() { _ = rc.Close() }()

	store, closeStore, err := f.newStatusStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "status store")
	}
	defer closeStore()

	svc := shipments.New(store, rediscache.NewWithClient(rc), poll)
	watcher := statuswatch.New(svc, rediscache.NewRateLimiterWithClient(rc)).
		WithPlanner(statuswatch.PlannerConfig{InTransitMinDelay: poll, InTransitMaxDelay: poll + poll/5}, nil)

	positions := rediscache.NewPositionStore(rc, sinkTTL)
	sinkFactory, err := sinks.NewFactory(cfg.Viewer.Sink, positions, applog.WithComponent("sink"))
	if err != nil {
		return err
	}

	client := wsrelay.NewClient(relayURL).
		WithReconnectDelay(time.Duration(cfg.Viewer.ReconnectDelaySeconds) * time.Second)
	sub := subscriber.New(client)
	fl := newFollower(sub, watcher, svc, sinkFactory, log)
	defer fl.Leave()

	if cfg.Viewer.ShipmentID != "" {
		err := fl.Follow(ctx, models.ShipmentID(cfg.Viewer.ShipmentID))
		switch {
		case errors.Is(err, ErrShipmentFinished):
			log.Warn().Err(err).Msg("configured shipment not followed")
		case err != nil:
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		return runViewerHTTPServer(gctx, viewerHTTPOpts{
			httpAddr: httpAddr,
			onListen: f.onListen,
			deps: viewerDeps{
				follower:  fl,
				sub:       sub,
				watcher:   watcher,
				positions: positions,
				connected: client.Connected,
			},
		})
	})

	log.Info().Str("relay_url", relayURL).Str("sink", cfg.Viewer.Sink).Msg("viewer started")
	return g.Wait()
}
