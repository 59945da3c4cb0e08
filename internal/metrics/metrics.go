// Package metrics holds the Prometheus collectors of the tracking pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livetrack_publisher_samples_total",
		Help: "Location samples emitted by the publisher",
	})

	LocationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetrack_publisher_location_errors_total",
		Help: "Geolocation failures by classified kind",
	}, []string{"kind"})

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livetrack_publisher_retries_scheduled_total",
		Help: "Tracking restarts scheduled after a geolocation failure",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livetrack_publisher_active_sessions",
		Help: "Tracking sessions with a live geolocation watch",
	})

	SubscriberSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetrack_subscriber_samples_total",
		Help: "Inbound samples seen by subscribers, by outcome",
	}, []string{"outcome"})

	RelayPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livetrack_relay_peers",
		Help: "Websocket peers connected to the relay",
	})

	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetrack_relay_messages_total",
		Help: "Frames handled by the relay, by event and outcome",
	}, []string{"event", "outcome"})

	RelayDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetrack_relay_drops_total",
		Help: "Frames the relay dropped, by reason",
	}, []string{"reason"})
)

// IncSubscriberSample records an inbound sample outcome ("applied",
// "foreign", "idle").
func IncSubscriberSample(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	SubscriberSamplesTotal.WithLabelValues(outcome).Inc()
}

func IncRelayMessage(event, outcome string) {
	if event == "" {
		event = "unknown"
	}
	RelayMessagesTotal.WithLabelValues(event, outcome).Inc()
}

func IncRelayDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	RelayDropsTotal.WithLabelValues(reason).Inc()
}
