package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PositionKind distinguishes the marker position from the view centre.
type PositionKind string

const (
	PositionMarker PositionKind = "marker"
	PositionView   PositionKind = "view"
)

type StoredPosition struct {
	models.Position
	UpdatedAt time.Time `json:"updatedAt"`
}

// PositionStore keeps the last rendered position per shipment, one hash per
// kind: livetrack:<kind>:<shipment_id> {lat, lng, updated_at}.
type PositionStore struct {
	c   *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewPositionStore(c *redis.Client, ttl time.Duration) *PositionStore {
	return &PositionStore{c: c, ttl: ttl, now: time.Now}
}

func positionKey(kind PositionKind, id models.ShipmentID) string {
	return fmt.Sprintf("livetrack:%s:%s", kind, id)
}

func (s *PositionStore) Save(ctx context.Context, kind PositionKind, id models.ShipmentID, p models.Position) error {
	key := positionKey(kind, id)
	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, key,
		"lat", strconv.FormatFloat(p.Lat, 'f', -1, 64),
		"lng", strconv.FormatFloat(p.Lng, 'f', -1, 64),
		"updated_at", s.now().UTC().UnixMilli(),
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis save position")
	}
	return nil
}

func (s *PositionStore) Load(ctx context.Context, kind PositionKind, id models.ShipmentID) (StoredPosition, bool, error) {
	vals, err := s.c.HGetAll(ctx, positionKey(kind, id)).Result()
	if err != nil {
		return StoredPosition{}, false, errors.Wrap(err, "redis load position")
	}
	if len(vals) == 0 {
		return StoredPosition{}, false, nil
	}
	var out StoredPosition
	if out.Lat, err = strconv.ParseFloat(vals["lat"], 64); err != nil {
		return StoredPosition{}, false, errors.Wrap(err, "parse lat")
	}
	if out.Lng, err = strconv.ParseFloat(vals["lng"], 64); err != nil {
		return StoredPosition{}, false, errors.Wrap(err, "parse lng")
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		out.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return out, true, nil
}
