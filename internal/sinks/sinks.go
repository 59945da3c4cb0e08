// Package sinks holds the marker sink adapters a viewer can render to. The
// adapter is picked once at startup by name.
package sinks

import (
	"context"
	"time"

	"github.com/BearBump/LiveTrack/internal/cache/rediscache"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/services/subscriber"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	KindLog   = "log"
	KindRedis = "redis"
)

var ErrUnknownSink = errors.New("unknown marker sink")

// LogSink writes every marker move to the log.
type LogSink struct {
	id  models.ShipmentID
	log zerolog.Logger
}

func NewLogSink(id models.ShipmentID, l zerolog.Logger) *LogSink {
	return &LogSink{id: id, log: l}
}

func (s *LogSink) SetPosition(lat, lng float64) {
	s.log.Info().Str("shipment_id", string(s.id)).Float64("lat", lat).Float64("lng", lng).Msg("marker moved")
}

func (s *LogSink) PanTo(lat, lng float64) {
	s.log.Debug().Str("shipment_id", string(s.id)).Float64("lat", lat).Float64("lng", lng).Msg("view centred")
}

type positionSaver interface {
	Save(ctx context.Context, kind rediscache.PositionKind, id models.ShipmentID, p models.Position) error
}

// RedisSink mirrors the marker and the view centre into Redis for
// dashboards. The sink interface has no error path, so write failures are
// logged.
type RedisSink struct {
	id      models.ShipmentID
	store   positionSaver
	timeout time.Duration
	log     zerolog.Logger
}

func NewRedisSink(id models.ShipmentID, store positionSaver, l zerolog.Logger) *RedisSink {
	return &RedisSink{id: id, store: store, timeout: 2 * time.Second, log: l}
}

func (s *RedisSink) SetPosition(lat, lng float64) {
	s.save(rediscache.PositionMarker, lat, lng)
}

func (s *RedisSink) PanTo(lat, lng float64) {
	s.save(rediscache.PositionView, lat, lng)
}

func (s *RedisSink) save(kind rediscache.PositionKind, lat, lng float64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Save(ctx, kind, s.id, models.Position{Lat: lat, Lng: lng}); err != nil {
		s.log.Warn().Err(err).Str("shipment_id", string(s.id)).Str("kind", string(kind)).Msg("save position")
	}
}

// Factory builds the configured sink for a shipment.
type Factory func(id models.ShipmentID) subscriber.MarkerSink

// NewFactory selects the adapter by name. store is only used by "redis".
func NewFactory(kind string, store *rediscache.PositionStore, l zerolog.Logger) (Factory, error) {
	switch kind {
	case "", KindLog:
		return func(id models.ShipmentID) subscriber.MarkerSink { return NewLogSink(id, l) }, nil
	case KindRedis:
		if store == nil {
			return nil, errors.New("redis sink requires a position store")
		}
		return func(id models.ShipmentID) subscriber.MarkerSink { return NewRedisSink(id, store, l) }, nil
	default:
		return nil, errors.Wrapf(ErrUnknownSink, "%q", kind)
	}
}
