// Package observability exposes the proxy's Prometheus metrics, fed from
// finalized request records.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"croxyrelay/internal/metrics"
)

// Collectors holds every Prometheus metric the proxy reports. NewCollectors
// registers them against prometheus.DefaultRegisterer via promauto.
type Collectors struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
}

// NewCollectors registers and returns the proxy's metric set.
func NewCollectors() *Collectors {
	return &Collectors{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total number of proxied requests by provider, routing method, and status.",
		}, []string{"provider", "routing_method", "status"}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "Request duration in seconds, from receipt to completion (streams included).",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "routing_method"}),
		tokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_tokens_total",
			Help: "Total input/output tokens recorded, by provider and direction.",
		}, []string{"provider", "direction"}),
	}
}

// Observe feeds one finalized request record into the collectors. Call it
// exactly once per completed record, after its final Duration/OutputTokens
// are known.
func (c *Collectors) Observe(r metrics.RequestRecord) {
	status := statusLabel(r.Status)
	c.requestsTotal.WithLabelValues(r.Provider, string(r.RoutingMethod), status).Inc()
	c.requestDuration.WithLabelValues(r.Provider, string(r.RoutingMethod)).Observe(r.Duration.Seconds())
	c.tokensTotal.WithLabelValues(r.Provider, "input").Add(float64(r.InputTokens))
	c.tokensTotal.WithLabelValues(r.Provider, "output").Add(float64(r.OutputTokens))
}

func statusLabel(status int) string {
	if status == 0 {
		return "unknown"
	}
	return strconv.Itoa(status)
}
