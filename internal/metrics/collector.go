// Package metrics provides the Prometheus collector fed by the batch
// dispatcher. This package is internal and should not be imported by
// external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the batch-engine metric families. Create one per
// process and share it across batches; exposing the registry over HTTP is
// left to the embedding binary.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       prometheus.Counter

	completed          prometheus.Gauge
	failed             prometheus.Gauge
	inFlight           prometheus.Gauge
	queued             prometheus.Gauge
	limiterUtilization prometheus.Gauge
}

// NewCollector registers the metric families with reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Terminal request outcomes by model and status.",
		}, []string{"model", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Queue-to-terminal latency per request.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed, by direction.",
		}, []string{"direction"}),
		costTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Cumulative inference cost in USD.",
		}),
		completed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_completed",
			Help:      "Completed requests in the current batch.",
		}),
		failed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_failed",
			Help:      "Permanently failed requests in the current batch.",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_in_flight",
			Help:      "Requests currently executing.",
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_queued",
			Help:      "Requests waiting in the work queue.",
		}),
		limiterUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limiter_utilization",
			Help:      "Token-bucket utilization, 0 to 1.",
		}),
	}
}

// ObserveResult records one terminal request.
func (c *Collector) ObserveResult(model string, success bool, dur time.Duration, promptTokens, completionTokens int, cost float64) {
	status := "completed"
	if !success {
		status = "failed"
	}
	c.requestsTotal.WithLabelValues(model, status).Inc()
	c.requestDuration.WithLabelValues(model).Observe(dur.Seconds())
	c.tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	c.tokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	c.costTotal.Add(cost)
}

// ObserveProgress records one dispatcher progress snapshot.
func (c *Collector) ObserveProgress(completed, failed, inFlight, queued int, _ int64, _ float64, utilization float64) {
	c.completed.Set(float64(completed))
	c.failed.Set(float64(failed))
	c.inFlight.Set(float64(inFlight))
	c.queued.Set(float64(queued))
	c.limiterUtilization.Set(utilization)
}
