// Package metrics exposes the Prometheus collectors for the gateway and the
// broker adapter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOpen tracks currently registered push-channel connections.
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pushgate",
		Name:      "connections_open",
		Help:      "Number of currently connected push-channel clients.",
	})

	// BroadcastsPublished counts broadcasts handed to the broker publish link.
	BroadcastsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pushgate",
		Name:      "broadcasts_published_total",
		Help:      "Broadcast messages published to the broker.",
	})

	// BroadcastsDelivered counts envelopes received on the subscribe link and
	// handed to local delivery.
	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pushgate",
		Name:      "broadcasts_delivered_total",
		Help:      "Broadcast envelopes delivered via the subscribe link.",
	})

	// EnvelopeDecodeFailures counts inbound broker messages that could not be
	// decoded and were dropped.
	EnvelopeDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pushgate",
		Name:      "envelope_decode_failures_total",
		Help:      "Broker messages dropped because the envelope failed to decode.",
	})

	// SlowConsumersDropped counts connections disconnected because their
	// outbound buffer stayed full.
	SlowConsumersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pushgate",
		Name:      "slow_consumers_dropped_total",
		Help:      "Connections dropped due to a full outbound buffer.",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
