package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/cache"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyShipmentID = errors.New("shipmentId is required")
	ErrInvalidStatus   = errors.New("unknown shipment status")
	ErrReasonRequired  = errors.New("reason is required when a shipment fails")
)

// StatusStore is the system of record for shipment statuses: Postgres or
// the booking API.
type StatusStore interface {
	GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error)
	UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error)
	ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error)
}

type EventPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type Service struct {
	store      StatusStore
	cache      cache.BytesCache
	currentTTL time.Duration
	log        zerolog.Logger

	events      EventPublisher
	eventsTopic string
}

func New(store StatusStore, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{
		store:      store,
		cache:      c,
		currentTTL: currentTTL,
		log:        applog.WithComponent("shipments"),
	}
}

// WithEvents publishes a ShipmentStatusChanged message after every update.
func (s *Service) WithEvents(p EventPublisher, topic string) *Service {
	s.events = p
	s.eventsTopic = topic
	return s
}

func (s *Service) WithLogger(l zerolog.Logger) *Service {
	s.log = l
	return s
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

// GetShipment reads through the current-status cache. Cache failures fall
// back to the store.
func (s *Service) GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error) {
	if id == "" {
		return nil, ErrEmptyShipmentID
	}
	if s.cacheEnabled() {
		b, ok, err := s.cache.Get(ctx, currentKey(id))
		if err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.store.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, sh)
	return sh, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error) {
	if id == "" {
		return nil, ErrEmptyShipmentID
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	if !models.IsKnownStatus(status) {
		return nil, errors.Wrapf(ErrInvalidStatus, "%q", status)
	}
	reason = strings.TrimSpace(reason)
	if status == models.ShipmentStatusFailed && reason == "" {
		return nil, ErrReasonRequired
	}

	sh, err := s.store.UpdateStatus(ctx, id, status, agentName, reason)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, sh)

	if s.events != nil {
		msg := messages.ShipmentStatusChanged{
			ShipmentID: string(sh.ID),
			Status:     sh.Status,
			AgentName:  sh.AgentName,
			Reason:     reason,
			ChangedAt:  time.Now().UTC(),
		}
		if err := s.events.PublishJSON(ctx, s.eventsTopic, string(sh.ID), msg); err != nil {
			// Статус уже сохранён; событие best-effort.
			s.log.Warn().Err(err).Str("shipment_id", string(sh.ID)).Msg("publish status change")
		}
	}
	return sh, nil
}

func (s *Service) ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error) {
	return s.store.ListInTransit(ctx, agentName)
}

func (s *Service) remember(ctx context.Context, sh *models.Shipment) {
	if !s.cacheEnabled() || sh == nil {
		return
	}
	b, err := json.Marshal(sh)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL); err != nil {
		s.log.Debug().Err(err).Str("shipment_id", string(sh.ID)).Msg("cache current shipment")
	}
}

// Forget drops the cached status, e.g. after an out-of-band change.
func (s *Service) Forget(ctx context.Context, id models.ShipmentID) error {
	if !s.cacheEnabled() {
		return nil
	}
	return s.cache.Del(ctx, currentKey(id))
}

func currentKey(id models.ShipmentID) string {
	return fmt.Sprintf("shipment:%s:current", id)
}
