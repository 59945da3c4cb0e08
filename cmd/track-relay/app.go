package main

import (
	"context"

	"github.com/BearBump/LiveTrack/config"
	"github.com/BearBump/LiveTrack/internal/broker/kafka"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/realtime/wsrelay"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type sampleProducer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	Close() error
}

type relayFactories struct {
	newRedis    func(cfg *config.Config) *redis.Client
	newProducer func(cfg *config.Config) sampleProducer
	onListen    func(httpAddr string)
}

func defaultRelayFactories() relayFactories {
	return relayFactories{
		newRedis: func(cfg *config.Config) *redis.Client {
			return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		},
		newProducer: func(cfg *config.Config) sampleProducer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
	}
}

// RunRelay serves the websocket relay until ctx is done. The backplane and
// the Kafka mirror are started only when enabled in config.
func RunRelay(ctx context.Context, cfg *config.Config, f relayFactories) error {
	log := applog.WithComponent("track-relay")

	httpAddr := cfg.Relay.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8090"
	}
	topic := cfg.Kafka.LocationSampledTopicName
	if topic == "" {
		topic = "location.sampled"
	}

	srv := wsrelay.NewServer().
		WithPeerLimits(cfg.Relay.PeerSendBuffer, cfg.Relay.PeerRatePerSecond, cfg.Relay.PeerRateBurst)

	g, gctx := errgroup.WithContext(ctx)

	var ready func(ctx context.Context) error
	if cfg.Relay.BackplaneEnabled {
		rc := f.newRedis(cfg)
		defer func() { _ = rc.Close() }()
		bp := wsrelay.NewRedisBackplane(rc, applog.WithComponent("backplane"))
		srv.WithBackplane(bp)
		ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		g.Go(func() error { return bp.Run(gctx, srv.DeliverRemote) })
		log.Info().Str("instance_id", bp.InstanceID()).Msg("redis backplane enabled")
	}
	if cfg.Relay.MirrorEnabled {
		p := f.newProducer(cfg)
		defer func() { _ = p.Close() }()
		m := wsrelay.NewKafkaMirror(p, topic, cfg.Relay.MirrorQueueSize, applog.WithComponent("mirror"))
		srv.WithMirror(m)
		g.Go(func() error { return m.Run(gctx) })
		log.Info().Str("topic", topic).Msg("kafka mirror enabled")
	}

	g.Go(func() error {
		return runRelayHTTPServer(gctx, relayHTTPOpts{
			httpAddr: httpAddr,
			onListen: f.onListen,
			relay:    srv,
			ready:    ready,
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		// Hijacked websocket connections survive http.Server.Shutdown.
		srv.Shutdown()
		return gctx.Err()
	})

	return g.Wait()
}
