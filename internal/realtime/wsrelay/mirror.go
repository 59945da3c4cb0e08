package wsrelay

import (
	"context"
	"time"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/rs/zerolog"
)

type samplePublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// KafkaMirror writes accepted samples to a topic for downstream analytics.
// Samples are keyed by shipment id so per-shipment order is kept.
type KafkaMirror struct {
	p     samplePublisher
	topic string
	queue chan messages.LocationSample
	log   zerolog.Logger

	writeTimeout time.Duration
}

func NewKafkaMirror(p samplePublisher, topic string, queueSize int, l zerolog.Logger) *KafkaMirror {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &KafkaMirror{
		p:            p,
		topic:        topic,
		queue:        make(chan messages.LocationSample, queueSize),
		log:          l,
		writeTimeout: 5 * time.Second,
	}
}

// Enqueue drops the sample when the queue is full.
func (m *KafkaMirror) Enqueue(s messages.LocationSample) bool {
	select {
	case m.queue <- s:
		return true
	default:
		return false
	}
}

// Run publishes queued samples until ctx is done. Publish failures are
// logged; the sample is not retried.
func (m *KafkaMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-m.queue:
			wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
			err := m.p.PublishJSON(wctx, m.topic, s.ShipmentID, s)
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Str("shipment_id", s.ShipmentID).Str("topic", m.topic).Msg("mirror sample")
			}
		}
	}
}
