// Package testutil provides shared helpers for the module's tests:
// leak-safe contexts and polling assertions for asynchronous conditions.
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context canceled automatically at test cleanup.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with both a deadline and
// cleanup-time cancellation.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventuallyTrue polls cond until it holds or the timeout expires.
func AssertEventuallyTrue(t *testing.T, cond func() bool, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %v", timeout, msgAndArgs)
}
