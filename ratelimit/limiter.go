// Package ratelimit provides token-bucket admission control for the batch
// dispatcher, bounding throughput to a configured requests-per-minute
// ceiling.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with capacity equal to the requests-per-minute
// ceiling, refilled continuously and never beyond capacity. It never
// errors; callers are expected to sleep on the wait it reports and try
// again.
type Limiter struct {
	bucket   *rate.Limiter
	capacity int
}

// Status is a point-in-time snapshot of the bucket.
type Status struct {
	TokensAvailable float64 `json:"tokens_available"`
	Capacity        int     `json:"capacity"`
	Utilization     float64 `json:"utilization"`
}

// New creates a limiter admitting at most requestsPerMinute requests in any
// sliding minute. A non-positive value falls back to 60.
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	bucket := rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	// Start with a single token so a fresh batch cannot burst a full
	// minute of requests in its first instant; the bucket refills toward
	// capacity from there.
	bucket.AllowN(time.Now(), requestsPerMinute-1)
	return &Limiter{
		bucket:   bucket,
		capacity: requestsPerMinute,
	}
}

// TryAcquire atomically checks for an available token and consumes it.
// The check and the decrement are a single operation so two workers can
// never spend the same token.
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}

// CanExecute reports whether a token is currently available. Advisory
// only: use TryAcquire to actually claim one.
func (l *Limiter) CanExecute() bool {
	return l.bucket.Tokens() >= 1
}

// TimeUntilToken returns zero when a token is available now, otherwise the
// wait until the refill produces the next one.
func (l *Limiter) TimeUntilToken() time.Duration {
	tokens := l.bucket.Tokens()
	if tokens >= 1 {
		return 0
	}
	deficit := 1 - tokens
	wait := time.Duration(deficit / float64(l.bucket.Limit()) * float64(time.Second))
	if wait < 0 {
		wait = 0
	}
	return wait
}

// GetStatus snapshots the bucket for progress reporting.
func (l *Limiter) GetStatus() Status {
	tokens := l.bucket.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	if tokens > float64(l.capacity) {
		tokens = float64(l.capacity)
	}
	util := 1 - tokens/float64(l.capacity)
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}
	return Status{TokensAvailable: tokens, Capacity: l.capacity, Utilization: util}
}

// Capacity returns the configured requests-per-minute ceiling.
func (l *Limiter) Capacity() int { return l.capacity }
