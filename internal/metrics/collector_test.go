package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("docbatch", reg)

	c.ObserveResult("gpt-4o-mini", true, 2*time.Second, 100, 40, 0.02)
	c.ObserveResult("gpt-4o-mini", true, time.Second, 50, 20, 0.01)
	c.ObserveResult("gpt-4o", false, 500*time.Millisecond, 10, 0, 0)

	assert.Equal(t, 2.0, promtest.ToFloat64(c.requestsTotal.WithLabelValues("gpt-4o-mini", "completed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.requestsTotal.WithLabelValues("gpt-4o", "failed")))
	assert.Equal(t, 160.0, promtest.ToFloat64(c.tokensTotal.WithLabelValues("prompt")))
	assert.Equal(t, 60.0, promtest.ToFloat64(c.tokensTotal.WithLabelValues("completion")))
	assert.InDelta(t, 0.03, promtest.ToFloat64(c.costTotal), 1e-9)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["docbatch_requests_total"])
	assert.True(t, names["docbatch_request_duration_seconds"])
	assert.True(t, names["docbatch_cost_usd_total"])
}

func TestObserveProgress(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("docbatch", reg)

	c.ObserveProgress(7, 2, 3, 11, 12345, 1.5, 0.8)

	assert.Equal(t, 7.0, promtest.ToFloat64(c.completed))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.failed))
	assert.Equal(t, 3.0, promtest.ToFloat64(c.inFlight))
	assert.Equal(t, 11.0, promtest.ToFloat64(c.queued))
	assert.Equal(t, 0.8, promtest.ToFloat64(c.limiterUtilization))

	// Gauges track the latest snapshot, not a running total.
	c.ObserveProgress(9, 2, 0, 0, 0, 0, 0)
	assert.Equal(t, 9.0, promtest.ToFloat64(c.completed))
	assert.Equal(t, 0.0, promtest.ToFloat64(c.queued))
}

func TestFreshRegistryPerCollector(t *testing.T) {
	// Two collectors must be registerable as long as each gets its own
	// registry.
	c1 := NewCollector("docbatch", prometheus.NewRegistry())
	c2 := NewCollector("docbatch", prometheus.NewRegistry())
	assert.NotNil(t, c1)
	assert.NotNil(t, c2)
}
