package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/paperflow/docbatch/inference"
)

// item is one queue entry. seq breaks priority ties FIFO; readyAt gates
// retry eligibility so jittered requeues do not dequeue early.
type item struct {
	req     *inference.Request
	seq     uint64
	readyAt time.Time
}

// workQueue is a concurrency-safe priority queue: higher request priority
// dequeues first, insertion order among equal priority. Batch sizes are
// small enough that a scanned slice beats the bookkeeping a ready-time
// heap would need on top of the priority ordering.
type workQueue struct {
	mu      sync.Mutex
	items   []*item
	nextSeq uint64
}

func newWorkQueue() *workQueue { return &workQueue{} }

// push enqueues a request with a fresh sequence number.
func (q *workQueue) push(req *inference.Request, readyAt time.Time) *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := &item{req: req, seq: q.nextSeq, readyAt: readyAt}
	q.nextSeq++
	q.items = append(q.items, it)
	return it
}

// requeue puts an item back with its original sequence number, preserving
// its position among equal-priority entries. Used for rate-limit bounces.
func (q *workQueue) requeue(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
}

// pop removes the best ready item, waiting up to maxWait for one to become
// ready. Returns ok=false on timeout or context cancellation.
func (q *workQueue) pop(ctx context.Context, maxWait time.Duration) (*item, bool) {
	deadline := time.Now().Add(maxWait)
	for {
		if it := q.takeReady(); it != nil {
			return it, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *workQueue) takeReady() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	best := -1
	for i, it := range q.items {
		if it.readyAt.After(now) {
			continue
		}
		if best == -1 || better(it, q.items[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	it := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return it
}

func better(a, b *item) bool {
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	return a.seq < b.seq
}

// takeAny removes any remaining item regardless of readiness. Used when
// draining a canceled batch.
func (q *workQueue) takeAny() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
