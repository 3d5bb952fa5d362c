// Package mocks provides test doubles for the batch engine, built in a
// builder style with per-model scripted outcomes and error injection.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/stream"
)

// Call records one Execute invocation.
type Call struct {
	RequestID string
	Model     string
	At        time.Time
}

// Outcome scripts what the mock returns for one (request, model) attempt.
type Outcome struct {
	Text  string
	Usage inference.Usage
	Cost  float64
	Err   error
}

// Executor is a scripted stand-in for the streaming executor. Outcomes
// are looked up by request id, then by model, then a default; per-key
// outcome lists are consumed in order so successive attempts can differ.
type Executor struct {
	mu         sync.Mutex
	byRequest  map[string][]Outcome
	byModel    map[string][]Outcome
	defaultOut Outcome
	delay      time.Duration
	calls      []Call

	// activePerID asserts single ownership: Execute panics if two workers
	// ever run the same request id concurrently.
	activePerID map[string]bool
}

// NewExecutor returns a mock whose default outcome is a small valid JSON
// object.
func NewExecutor() *Executor {
	return &Executor{
		byRequest: make(map[string][]Outcome),
		byModel:   make(map[string][]Outcome),
		defaultOut: Outcome{
			Text:  `{"ok":true}`,
			Usage: inference.Usage{PromptTokens: 10, CompletionTokens: 5},
		},
		activePerID: make(map[string]bool),
	}
}

// WithDefault replaces the fallback outcome.
func (e *Executor) WithDefault(out Outcome) *Executor {
	e.defaultOut = out
	return e
}

// WithRequestOutcomes scripts outcomes consumed in order for a request id.
func (e *Executor) WithRequestOutcomes(id string, outs ...Outcome) *Executor {
	e.byRequest[id] = append(e.byRequest[id], outs...)
	return e
}

// WithModelOutcomes scripts outcomes consumed in order for a model.
func (e *Executor) WithModelOutcomes(model string, outs ...Outcome) *Executor {
	e.byModel[model] = append(e.byModel[model], outs...)
	return e
}

// WithDelay makes every call take dur, for timing-sensitive tests.
func (e *Executor) WithDelay(dur time.Duration) *Executor {
	e.delay = dur
	return e
}

// Execute implements the dispatcher's Executor contract.
func (e *Executor) Execute(ctx context.Context, req *inference.Request, model string, onProgress stream.ProgressFunc) (*stream.Outcome, error) {
	e.mu.Lock()
	if e.activePerID[req.ID] {
		e.mu.Unlock()
		panic(fmt.Sprintf("mock executor: request %s executing concurrently", req.ID))
	}
	e.activePerID[req.ID] = true
	e.calls = append(e.calls, Call{RequestID: req.ID, Model: model, At: time.Now()})
	out := e.nextOutcomeLocked(req.ID, model)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.activePerID[req.ID] = false
		e.mu.Unlock()
	}()

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if onProgress != nil && out.Err == nil {
		onProgress(stream.Progress{RequestID: req.ID, Model: model, Chars: len(out.Text)})
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return &stream.Outcome{
		Text:  out.Text,
		Usage: out.Usage,
		Cost:  out.Cost,
		TTFT:  time.Millisecond,
	}, nil
}

func (e *Executor) nextOutcomeLocked(id, model string) Outcome {
	if outs := e.byRequest[id]; len(outs) > 0 {
		out := outs[0]
		if len(outs) > 1 {
			e.byRequest[id] = outs[1:]
		}
		return out
	}
	if outs := e.byModel[model]; len(outs) > 0 {
		out := outs[0]
		if len(outs) > 1 {
			e.byModel[model] = outs[1:]
		}
		return out
	}
	return e.defaultOut
}

// Calls returns every recorded invocation in order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallCount returns the number of Execute invocations so far.
func (e *Executor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}
