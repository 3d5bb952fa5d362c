// Package dispatch is the batch request dispatcher: a priority work queue
// drained by a fixed pool of workers, gated by a token-bucket rate
// limiter, with per-request model fallback and a retry state machine that
// guarantees every submitted request reaches a terminal result.
//
// One Dispatcher serves one batch. Callers receive lifecycle events and
// per-result callbacks during execution, and a complete result list in
// submission order when Submit returns.
package dispatch
