package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNew_Defaults(t *testing.T) {
	l := New(0)
	assert.Equal(t, 60, l.Capacity())
}

func TestTryAcquire_SingleInitialToken(t *testing.T) {
	l := New(60)
	assert.True(t, l.TryAcquire(), "first token should be available immediately")
	assert.False(t, l.TryAcquire(), "second token should not be available yet")
}

func TestTimeUntilToken(t *testing.T) {
	l := New(60) // 1 token/sec
	require.True(t, l.TryAcquire())

	wait := l.TimeUntilToken()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second+100*time.Millisecond)
}

func TestTimeUntilToken_ZeroWhenAvailable(t *testing.T) {
	l := New(6000) // 100 tokens/sec, refills fast
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, time.Duration(0), l.TimeUntilToken())
}

func TestGetStatus_Bounds(t *testing.T) {
	l := New(60)
	st := l.GetStatus()
	assert.Equal(t, 60, st.Capacity)
	assert.GreaterOrEqual(t, st.TokensAvailable, 0.0)
	assert.LessOrEqual(t, st.TokensAvailable, 60.0)
	assert.GreaterOrEqual(t, st.Utilization, 0.0)
	assert.LessOrEqual(t, st.Utilization, 1.0)

	l.TryAcquire()
	st = l.GetStatus()
	assert.GreaterOrEqual(t, st.Utilization, 0.9, "drained bucket should read near-full utilization")
}

// Two workers must never spend the same token: with one token available,
// exactly one of N concurrent TryAcquire calls wins.
func TestTryAcquire_AtomicUnderConcurrency(t *testing.T) {
	l := New(60)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

// Admissions in any burst never exceed what the bucket held plus refill.
func TestTryAcquire_NeverExceedsAvailable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 300).Draw(t, "capacity")
		attempts := rapid.IntRange(1, 600).Draw(t, "attempts")

		l := New(capacity)
		granted := 0
		for i := 0; i < attempts; i++ {
			if l.TryAcquire() {
				granted++
			}
		}
		// The bucket starts with one token; an instantaneous burst can
		// pick up at most a token or two of refill on slow machines.
		if granted > 3 {
			t.Fatalf("granted %d tokens from a bucket holding 1", granted)
		}
	})
}
