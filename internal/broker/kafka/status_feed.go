package kafka

import (
	"context"
	"encoding/json"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// StatusHandler applies one shipment status transition.
type StatusHandler func(ctx context.Context, ch models.ShipmentStatusChange) error

// ConsumeStatusChanges decodes ShipmentStatusChanged messages and passes
// them to h. Malformed messages are logged and committed so they do not
// block the partition; an error from h stops consumption uncommitted.
func ConsumeStatusChanges(ctx context.Context, c *Consumer, log zerolog.Logger, h StatusHandler) error {
	return c.Consume(ctx, func(ctx context.Context, msg kafka.Message) error {
		var m messages.ShipmentStatusChanged
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			log.Warn().Err(err).Bytes("key", msg.Key).Int64("offset", msg.Offset).Msg("skip undecodable status message")
			return nil
		}
		if m.ShipmentID == "" || !models.IsKnownStatus(m.Status) {
			log.Warn().Str("shipment_id", m.ShipmentID).Str("status", m.Status).Msg("skip invalid status message")
			return nil
		}
		return h(ctx, m.ToChange())
	})
}
