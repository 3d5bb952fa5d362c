package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/internal/metrics"
	"github.com/paperflow/docbatch/ratelimit"
	"github.com/paperflow/docbatch/router"
	"github.com/paperflow/docbatch/stream"
)

// completedTTL is how long a terminal request stays visible in the
// recent-completions set, expressed in wall time and converted to progress
// cycles at batch start.
const completedTTL = 10 * time.Second

// popWait bounds how long a worker blocks on an empty queue before
// re-checking the termination condition.
const popWait = 200 * time.Millisecond

// maxRateLimitSleep caps how long a worker sleeps on a rate-limit bounce
// before requeueing, so termination checks stay responsive.
const maxRateLimitSleep = time.Second

// Executor runs one streaming attempt for a request against a resolved
// model. stream.Executor satisfies it; tests substitute mocks.
type Executor interface {
	Execute(ctx context.Context, req *inference.Request, model string, onProgress stream.ProgressFunc) (*stream.Outcome, error)
}

// Config tunes one Dispatcher. Zero values take defaults.
type Config struct {
	Workers           int           `yaml:"workers"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	// MaxAttempts caps same-model retries per request. Fallback switches
	// are bounded by the fallback list instead and do not count. 0 means
	// unbounded.
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryJitterMin   time.Duration `yaml:"retry_jitter_min"`
	RetryJitterMax   time.Duration `yaml:"retry_jitter_max"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// LogDir enables the append-only JSONL failure/retry side-channel.
	LogDir string `yaml:"log_dir"`
}

// DefaultConfig returns the defaults used throughout the pipeline.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		RequestsPerMinute: 60,
		MaxAttempts:       10,
		RetryJitterMin:    time.Second,
		RetryJitterMax:    3 * time.Second,
		ProgressInterval:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = d.RequestsPerMinute
	}
	if c.RetryJitterMin <= 0 {
		c.RetryJitterMin = d.RetryJitterMin
	}
	if c.RetryJitterMax < c.RetryJitterMin {
		c.RetryJitterMax = c.RetryJitterMin + 2*time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithOnEvent registers the lifecycle-event callback. Events are delivered
// serially; the callback must not block.
func WithOnEvent(fn func(Event)) Option {
	return func(d *Dispatcher) { d.onEvent = fn }
}

// WithOnResult registers the per-result callback, fired exactly once per
// request at its terminal transition.
func WithOnResult(fn func(*inference.Result)) Option {
	return func(d *Dispatcher) { d.onResult = fn }
}

// WithMetrics attaches a Prometheus collector updated on every progress
// cycle.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// Dispatcher owns all mutable batch state: the work queue, the result map,
// cumulative counters, and the active-request tracking set. One instance
// serves one Submit call; there are no process-wide singletons.
type Dispatcher struct {
	cfg     Config
	exec    Executor
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector

	onEvent  func(Event)
	onResult func(*inference.Result)
	eventMu  sync.Mutex

	queue *workQueue

	// Each shared structure takes its own lock; workers never hold two of
	// them across a blocking call.
	resultsMu sync.Mutex
	results   map[string]*inference.Result

	activeMu sync.Mutex
	active   map[string]Phase
	routers  map[string]*router.Router

	totalsMu        sync.Mutex
	totalCost       float64
	totalTokens     int64
	totalPromptTok  int64
	totalCompletTok int64

	recentMu sync.Mutex
	recent   []*CompletedStatus

	failureLog *jobLog
	retryLog   *jobLog

	expected  int
	submitted bool
	startedAt time.Time
}

// NewDispatcher builds a dispatcher around exec. A nil logger is replaced
// with a no-op one.
func NewDispatcher(cfg Config, exec Executor, logger *zap.Logger, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:     cfg,
		exec:    exec,
		limiter: ratelimit.New(cfg.RequestsPerMinute),
		logger:  logger,
		queue:   newWorkQueue(),
		results: make(map[string]*inference.Result),
		active:  make(map[string]Phase),
		routers: make(map[string]*router.Router),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.LogDir != "" {
		d.failureLog = newJobLog(cfg.LogDir, "failed_requests.jsonl", logger)
		d.retryLog = newJobLog(cfg.LogDir, "retried_requests.jsonl", logger)
	}
	return d
}

// Submit runs the batch to completion and returns one result per request,
// in submission order. Individual request failures never surface as an
// error; the only errors returned are submission-time validation failures
// and they reject the whole batch before any work begins.
//
// Cancelling ctx stops new dequeues; unfinished requests finalize as
// canceled failures so the returned list is still complete.
func (d *Dispatcher) Submit(ctx context.Context, reqs []*inference.Request) ([]*inference.Result, error) {
	if d.submitted {
		return nil, fmt.Errorf("dispatch: dispatcher instances serve a single batch; create a new one")
	}
	d.submitted = true

	ids := make([]string, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if err := req.Normalize(); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		if _, dup := seen[req.ID]; dup {
			return nil, fmt.Errorf("dispatch: duplicate request id %q", req.ID)
		}
		seen[req.ID] = struct{}{}
		ids = append(ids, req.ID)
	}

	d.expected = len(reqs)
	d.startedAt = time.Now()
	defer d.closeLogs()

	now := time.Now()
	for _, req := range reqs {
		req.QueuedAt = now
		d.setPhase(req.ID, PhaseQueued)
		d.queue.push(req, now)
		d.emit(Event{Type: EventQueued, Time: now, RequestID: req.ID, Model: req.Model})
	}

	monitorDone := make(chan struct{})
	stopMonitor := make(chan struct{})
	go func() {
		defer close(monitorDone)
		d.runMonitor(stopMonitor)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.runWorker(gctx, worker)
			return nil
		})
	}
	_ = g.Wait()

	d.finalizeCanceled(ctx)

	close(stopMonitor)
	<-monitorDone

	out := make([]*inference.Result, 0, len(ids))
	d.resultsMu.Lock()
	for _, id := range ids {
		out = append(out, d.results[id])
	}
	d.resultsMu.Unlock()
	return out, nil
}

// finalizeCanceled synthesizes failures for requests the batch never
// finished, so Submit always returns a complete list.
func (d *Dispatcher) finalizeCanceled(ctx context.Context) {
	if ctx.Err() == nil {
		return
	}
	for {
		it := d.queue.takeAny()
		if it == nil {
			break
		}
		d.finalizeFailure(it.req, &inference.Error{
			Kind:    inference.KindCanceled,
			Message: "batch canceled before execution",
		})
	}
}

func (d *Dispatcher) resultCount() int {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	return len(d.results)
}

// storeResult records a terminal result, refusing duplicates so a raced
// double-finalize cannot corrupt cumulative totals.
func (d *Dispatcher) storeResult(res *inference.Result) bool {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	if _, exists := d.results[res.RequestID]; exists {
		return false
	}
	d.results[res.RequestID] = res
	return true
}

func (d *Dispatcher) addTotals(u inference.Usage, cost float64) {
	d.totalsMu.Lock()
	d.totalCost += cost
	d.totalTokens += int64(u.Total())
	d.totalPromptTok += int64(u.PromptTokens)
	d.totalCompletTok += int64(u.CompletionTokens)
	d.totalsMu.Unlock()
}

func (d *Dispatcher) setPhase(id string, p Phase) {
	d.activeMu.Lock()
	d.active[id] = p
	d.activeMu.Unlock()
}

func (d *Dispatcher) removeActive(id string) {
	d.activeMu.Lock()
	delete(d.active, id)
	d.activeMu.Unlock()
}

// routerFor lazily creates the request's fallback chain. Only the worker
// currently owning the request touches the returned router.
func (d *Dispatcher) routerFor(req *inference.Request) (*router.Router, error) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	if rt, ok := d.routers[req.ID]; ok {
		return rt, nil
	}
	rt, err := router.New(req.Model, req.FallbackModels)
	if err != nil {
		return nil, err
	}
	d.routers[req.ID] = rt
	return rt, nil
}

func (d *Dispatcher) emit(ev Event) {
	if d.onEvent == nil {
		return
	}
	d.eventMu.Lock()
	defer d.eventMu.Unlock()
	d.onEvent(ev)
}

func (d *Dispatcher) emitResult(res *inference.Result) {
	if d.onResult == nil {
		return
	}
	d.eventMu.Lock()
	defer d.eventMu.Unlock()
	d.onResult(res)
}

func (d *Dispatcher) jitterDelay() time.Duration {
	span := d.cfg.RetryJitterMax - d.cfg.RetryJitterMin
	if span <= 0 {
		return d.cfg.RetryJitterMin
	}
	return d.cfg.RetryJitterMin + time.Duration(rand.Int63n(int64(span)))
}

func (d *Dispatcher) closeLogs() {
	if d.failureLog != nil {
		d.failureLog.close()
	}
	if d.retryLog != nil {
		d.retryLog.close()
	}
}
