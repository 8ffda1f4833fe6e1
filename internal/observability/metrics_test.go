package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"croxyrelay/internal/metrics"
)

func TestObserve_IncrementsCounters(t *testing.T) {
	c := NewCollectors()

	c.Observe(metrics.RequestRecord{
		Provider: "anthropic", RoutingMethod: metrics.RoutingPattern, Status: 200,
		Duration: 50 * time.Millisecond, InputTokens: 10, OutputTokens: 20,
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.requestsTotal.WithLabelValues("anthropic", "pattern", "200")))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.tokensTotal.WithLabelValues("anthropic", "input")))
	assert.Equal(t, float64(20), testutil.ToFloat64(c.tokensTotal.WithLabelValues("anthropic", "output")))
}

func TestStatusLabel_ZeroIsUnknown(t *testing.T) {
	assert.Equal(t, "unknown", statusLabel(0))
	assert.Equal(t, "502", statusLabel(502))
}
