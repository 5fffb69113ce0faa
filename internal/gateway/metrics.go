// ABOUTME: Prometheus metrics for chat turns and rate limiting
// ABOUTME: Registered on a private registry and exposed via the configured metrics path

package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the gateway's Prometheus collectors.
type metrics struct {
	registry     *prometheus.Registry
	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	rateLimited  prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_gateway_chat_turns_total",
			Help: "Chat turns handled, by outcome.",
		}, []string{"outcome"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bio_gateway_chat_turn_duration_seconds",
			Help:    "End-to-end chat turn duration, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "bio_gateway_rate_limited_total",
			Help: "Chat requests rejected by the rate limiter.",
		}),
	}
}

func (m *metrics) observeTurn(outcome string, d time.Duration) {
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
