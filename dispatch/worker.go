package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/router"
	"github.com/paperflow/docbatch/stream"
)

// runWorker drains the queue until every request has a terminal result.
// Termination depends only on the result count, never on any particular
// worker staying healthy.
func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	log := d.logger.With(zap.Int("worker", id))
	for {
		if d.resultCount() >= d.expected {
			return
		}
		if ctx.Err() != nil {
			return
		}
		it, ok := d.queue.pop(ctx, popWait)
		if !ok {
			continue
		}
		d.process(ctx, log, it)
	}
}

// process drives one dequeued request through the rate gate, the router,
// and the executor. A panic anywhere inside must not take the batch down:
// it is converted into a worker_fault failure for this request.
func (d *Dispatcher) process(ctx context.Context, log *zap.Logger, it *item) {
	req := it.req
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic contained",
				zap.String("request_id", req.ID),
				zap.Any("panic", r),
			)
			d.finalizeFailure(req, &inference.Error{
				Kind:    inference.KindWorkerFault,
				Message: fmt.Sprintf("worker panic: %v", r),
			})
		}
	}()

	d.setPhase(req.ID, PhaseDequeued)
	d.emit(Event{Type: EventDequeued, Time: time.Now(), RequestID: req.ID})

	// Admission: a bounce here is not a retry. The request keeps its
	// original queue position and its retry count.
	if !d.limiter.TryAcquire() {
		wait := d.limiter.TimeUntilToken()
		d.setPhase(req.ID, PhaseRateLimited)
		d.emit(Event{Type: EventRateLimited, Time: time.Now(), RequestID: req.ID, EstimatedWait: wait})
		d.sleep(ctx, minDuration(wait, maxRateLimitSleep))
		d.queue.requeue(it)
		return
	}

	rt, err := d.routerFor(req)
	if err != nil {
		d.finalizeFailure(req, &inference.Error{
			Kind:    inference.KindClientError,
			Message: fmt.Sprintf("invalid model chain: %v", err),
		})
		return
	}
	model := rt.Current()

	d.setPhase(req.ID, PhaseExecuting)
	d.emit(Event{Type: EventExecuting, Time: time.Now(), RequestID: req.ID, Model: model})

	out, execErr := d.exec.Execute(ctx, req, model, func(p stream.Progress) {
		d.emit(Event{Type: EventStreamProgress, Time: time.Now(), RequestID: req.ID, Model: model, Stream: &p})
	})
	if execErr == nil {
		parsed, perr := parseStructured(out.Text)
		if perr == nil {
			d.finalizeSuccess(req, rt, model, out, parsed)
			return
		}
		execErr = &inference.Error{
			Kind:      inference.KindJSONParse,
			Message:   fmt.Sprintf("structured output failed to decode: %v", perr),
			Retryable: true,
			Model:     model,
		}
	}

	d.handleFailure(req, it, rt, model, inference.AsTyped(execErr, model))
}

// handleFailure classifies a failed attempt and either finalizes the
// request or requeues it, preferring an untried fallback model over a
// same-model retry.
func (d *Dispatcher) handleFailure(req *inference.Request, it *item, rt *router.Router, model string, terr *inference.Error) {
	if terr.Kind == inference.KindCanceled || !inference.KindRetryable(terr.Kind) {
		rt.MarkFailure()
		d.finalizeFailure(req, terr)
		return
	}

	if rt.HasFallback() {
		// Bounded by the fallback list length, not MaxAttempts.
		next, _ := rt.NextModel()
		d.requeueRetry(req, terr, model, next)
		return
	}

	if d.cfg.MaxAttempts > 0 && req.RetryCount+1 >= d.cfg.MaxAttempts {
		rt.MarkFailure()
		d.finalizeFailure(req, &inference.Error{
			Kind:       terr.Kind,
			Message:    fmt.Sprintf("retries exhausted after %d attempts: %s", req.RetryCount+1, terr.Message),
			HTTPStatus: terr.HTTPStatus,
			Model:      model,
		})
		return
	}

	rt.MarkFailure()
	req.RetryCount++
	d.requeueRetry(req, terr, model, model)
}

// requeueRetry schedules another attempt after a jittered delay, keeping
// retry storms from synchronizing. failedModel is the model whose attempt
// caused the requeue; nextModel is the one the retry will run against.
func (d *Dispatcher) requeueRetry(req *inference.Request, terr *inference.Error, failedModel, nextModel string) {
	delay := d.jitterDelay()
	d.setPhase(req.ID, PhaseQueued)
	d.queue.push(req, time.Now().Add(delay))

	depth := d.queue.len()
	d.emit(Event{
		Type:       EventRetryQueued,
		Time:       time.Now(),
		RequestID:  req.ID,
		Model:      failedModel,
		NextModel:  nextModel,
		QueueDepth: depth,
		RetryCount: req.RetryCount,
		ErrorKind:  terr.Kind,
		Error:      terr.Message,
	})
	d.logger.Debug("retry queued",
		zap.String("request_id", req.ID),
		zap.String("model", failedModel),
		zap.String("next_model", nextModel),
		zap.Bool("same_model", failedModel == nextModel),
		zap.String("error_kind", string(terr.Kind)),
		zap.Duration("delay", delay),
		zap.Int("queue_depth", depth),
	)
	if d.retryLog != nil {
		d.retryLog.write(logRecord{
			Timestamp:  time.Now().UTC(),
			RequestID:  req.ID,
			ErrorKind:  terr.Kind,
			Error:      terr.Message,
			Attempts:   req.RetryCount + 1,
			Model:      failedModel,
			NextModel:  nextModel,
			RetryCount: req.RetryCount,
			Metadata:   req.Metadata,
		})
	}
}

// finalizeSuccess records the result exactly once; a raced duplicate call
// must not double-count cumulative totals.
func (d *Dispatcher) finalizeSuccess(req *inference.Request, rt *router.Router, model string, out *stream.Outcome, parsed map[string]any) {
	rt.MarkSuccess()
	res := &inference.Result{
		RequestID:       req.ID,
		Success:         true,
		Text:            out.Text,
		Parsed:          parsed,
		Usage:           out.Usage,
		Cost:            out.Cost,
		TTFT:            out.TTFT,
		TokensPerSec:    out.TokensPerSec,
		TotalTime:       time.Since(req.QueuedAt),
		ModelUsed:       model,
		ModelsAttempted: rt.ModelsAttempted(),
		Attempts:        len(rt.History()),
		Metadata:        req.Metadata,
	}
	if !d.storeResult(res) {
		return
	}
	d.addTotals(out.Usage, out.Cost)
	if d.metrics != nil {
		d.metrics.ObserveResult(model, true, res.TotalTime, out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Cost)
	}
	d.setPhase(req.ID, PhaseCompleted)
	d.removeActive(req.ID)
	d.addRecent(&CompletedStatus{
		RequestID:  req.ID,
		Success:    true,
		TotalTime:  res.TotalTime,
		Cost:       res.Cost,
		RetryCount: req.RetryCount,
	})
	d.emit(Event{Type: EventCompleted, Time: time.Now(), RequestID: req.ID, Model: model})
	d.emitResult(res)
}

func (d *Dispatcher) finalizeFailure(req *inference.Request, terr *inference.Error) {
	var attempted []string
	attempts := req.RetryCount + 1
	if rt, err := d.routerFor(req); err == nil {
		attempted = rt.ModelsAttempted()
		if n := len(rt.History()); n > 0 {
			attempts = n
		} else if terr.Kind == inference.KindCanceled {
			// Canceled before any execution: nothing was attempted.
			attempts = 0
			attempted = nil
		}
	}
	res := &inference.Result{
		RequestID:       req.ID,
		Success:         false,
		ErrorKind:       terr.Kind,
		ErrorMessage:    terr.Message,
		TotalTime:       time.Since(req.QueuedAt),
		ModelUsed:       terr.Model,
		ModelsAttempted: attempted,
		Attempts:        attempts,
		Metadata:        req.Metadata,
	}
	if !d.storeResult(res) {
		return
	}
	if d.metrics != nil {
		d.metrics.ObserveResult(terr.Model, false, res.TotalTime, 0, 0, 0)
	}
	d.setPhase(req.ID, PhaseFailed)
	d.removeActive(req.ID)
	d.addRecent(&CompletedStatus{
		RequestID:  req.ID,
		Success:    false,
		TotalTime:  res.TotalTime,
		Error:      terr.Message,
		RetryCount: req.RetryCount,
	})
	d.emit(Event{
		Type:      EventFailed,
		Time:      time.Now(),
		RequestID: req.ID,
		Model:     terr.Model,
		ErrorKind: terr.Kind,
		Error:     terr.Message,
	})
	d.logger.Warn("request failed permanently",
		zap.String("request_id", req.ID),
		zap.String("error_kind", string(terr.Kind)),
		zap.String("error", terr.Message),
		zap.Int("attempts", res.Attempts),
	)
	if d.failureLog != nil {
		d.failureLog.write(logRecord{
			Timestamp: time.Now().UTC(),
			RequestID: req.ID,
			ErrorKind: terr.Kind,
			Error:     terr.Message,
			Attempts:  res.Attempts,
			Model:     terr.Model,
			Metadata:  req.Metadata,
		})
	}
	d.emitResult(res)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}

func parseStructured(text string) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
