// Package admin serves the read-only JSON summary of the proxy's current
// metrics window.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"croxyrelay/internal/metrics"
)

// Handler serves GET /admin/summary.
type Handler struct {
	store     *metrics.Store
	startTime time.Time
}

// NewHandler builds an admin Handler backed by store.
func NewHandler(store *metrics.Store) *Handler {
	return &Handler{store: store, startTime: time.Now()}
}

// SummaryResponse is the JSON shape returned by GET /admin/summary.
type SummaryResponse struct {
	UptimeSeconds      float64        `json:"uptime_seconds"`
	WindowMinutes      int            `json:"window_minutes"`
	TotalRequests      int            `json:"total_requests"`
	StatusCounts       map[string]int `json:"status_counts"`
	RequestsPerMin     []uint64       `json:"requests_per_minute"`
	TokensPerMin       []uint64       `json:"tokens_per_minute"`
	RequestsByProvider map[string]int `json:"requests_by_provider"`
	LatencyPercentiles LatencySummary `json:"latency_percentiles_ms"`
}

// LatencySummary reports the percentile durations the TUI overview computes.
type LatencySummary struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
}

// numBuckets matches the TUI overview's per-minute chart width.
const numBuckets = 30

// Summary handles GET /admin/summary, returning the same aggregates the
// interactive overview renders.
func (h *Handler) Summary(c echo.Context) error {
	snapshot := h.store.Snapshot()

	durations := make([]time.Duration, len(snapshot))
	for i, r := range snapshot {
		durations[i] = r.Duration
	}

	statusCounts := make(map[string]int)
	for status, count := range metrics.StatusCounts(snapshot) {
		statusCounts[strconv.Itoa(status)] = int(count)
	}

	byProvider := make(map[string]int)
	for provider, group := range metrics.GroupBy(snapshot, func(r metrics.RequestRecord) string { return r.Provider }) {
		byProvider[provider] = len(group)
	}

	resp := SummaryResponse{
		UptimeSeconds:      time.Since(h.startTime).Seconds(),
		WindowMinutes:      h.store.WindowMinutes(),
		TotalRequests:      len(snapshot),
		StatusCounts:       statusCounts,
		RequestsPerMin:     metrics.RequestsPerMinute(snapshot, numBuckets),
		TokensPerMin:       metrics.TokensPerMinute(snapshot, numBuckets),
		RequestsByProvider: byProvider,
		LatencyPercentiles: LatencySummary{
			P50: metrics.DurationPercentile(durations, 50).Milliseconds(),
			P95: metrics.DurationPercentile(durations, 95).Milliseconds(),
			P99: metrics.DurationPercentile(durations, 99).Milliseconds(),
		},
	}

	return c.JSON(http.StatusOK, resp)
}
