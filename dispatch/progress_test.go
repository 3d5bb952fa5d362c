package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/testutil/mocks"
)

func TestTTLCyclesByInterval(t *testing.T) {
	cases := []struct {
		interval time.Duration
		want     int
	}{
		{time.Second, 10},
		{3 * time.Second, 4},
		{500 * time.Millisecond, 20},
		{50 * time.Millisecond, 200},
	}
	for _, tc := range cases {
		cfg := fastConfig()
		cfg.ProgressInterval = tc.interval
		d := NewDispatcher(cfg, mocks.NewExecutor(), nil)
		assert.Equal(t, tc.want, d.ttlCycles(), "interval %s", tc.interval)
	}
}

func TestRecentCompletionsExpire(t *testing.T) {
	cfg := fastConfig()
	cfg.ProgressInterval = 5 * time.Second // 2 cycles inside the window
	d := NewDispatcher(cfg, mocks.NewExecutor(), nil)

	d.addRecent(&CompletedStatus{RequestID: "r", Success: true})
	require.Len(t, d.RecentCompletions(), 1)

	d.expireRecent()
	assert.Len(t, d.RecentCompletions(), 1)
	d.expireRecent()
	assert.Empty(t, d.RecentCompletions())
}

func TestSnapshotCounts(t *testing.T) {
	d := NewDispatcher(fastConfig(), mocks.NewExecutor(), nil)
	d.expected = 4
	d.startedAt = time.Now()

	d.storeResult(&inference.Result{RequestID: "done", Success: true})
	d.storeResult(&inference.Result{RequestID: "bad", Success: false})
	d.addTotals(inference.Usage{PromptTokens: 100, CompletionTokens: 40}, 0.25)
	d.setPhase("running", PhaseExecuting)
	d.queue.push(newReq("waiting", "m1"), time.Now())

	snap := d.snapshot()
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.InFlight)
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, 0.25, snap.CumulativeCost)
	assert.Equal(t, int64(140), snap.CumulativeTokens)
	assert.GreaterOrEqual(t, snap.Elapsed, time.Duration(0))
}
