// Package router implements the per-request model fallback chain: a primary
// model followed by zero or more fallbacks, tried in order, with an
// append-only history of attempts. One Router serves exactly one request
// and is never shared across workers.
package router

import "errors"

// ErrEmptyPrimary rejects construction without a primary model.
var ErrEmptyPrimary = errors.New("router: primary model is empty")

// Attempt records one (model, success) pair in the order attempts happened.
type Attempt struct {
	Model   string `json:"model"`
	Success bool   `json:"success"`
}

// Router walks an ordered model list with a cursor that only moves forward.
// Once the cursor reaches the last model, HasFallback is permanently false.
type Router struct {
	models   []string
	index    int
	attempts []Attempt
	done     bool
}

// New builds a chain of primary followed by fallbacks. Empty fallback
// entries are dropped.
func New(primary string, fallbacks []string) (*Router, error) {
	if primary == "" {
		return nil, ErrEmptyPrimary
	}
	models := make([]string, 0, 1+len(fallbacks))
	models = append(models, primary)
	for _, m := range fallbacks {
		if m != "" {
			models = append(models, m)
		}
	}
	return &Router{models: models}, nil
}

// Current returns the model at the cursor.
func (r *Router) Current() string { return r.models[r.index] }

// HasFallback reports whether an untried model remains after the cursor.
func (r *Router) HasFallback() bool { return r.index < len(r.models)-1 }

// NextModel records the current model as failed and advances to the next
// one. It returns the new current model, or "" with ok=false when the
// chain is exhausted (the cursor stays on the last model).
func (r *Router) NextModel() (string, bool) {
	r.attempts = append(r.attempts, Attempt{Model: r.Current(), Success: false})
	if !r.HasFallback() {
		return "", false
	}
	r.index++
	return r.Current(), true
}

// MarkSuccess records the current model as succeeded. Terminal for this
// request; further routing calls are not expected.
func (r *Router) MarkSuccess() {
	r.attempts = append(r.attempts, Attempt{Model: r.Current(), Success: true})
	r.done = true
}

// MarkFailure records the current model as failed without advancing the
// cursor. Used for same-model retries so the attempt history stays honest.
func (r *Router) MarkFailure() {
	r.attempts = append(r.attempts, Attempt{Model: r.Current(), Success: false})
}

// ModelsAttempted returns every distinct model tried so far in first-try
// order, including the current one when no success has been recorded yet.
func (r *Router) ModelsAttempted() []string {
	seen := make(map[string]struct{}, len(r.models))
	out := make([]string, 0, len(r.models))
	for _, a := range r.attempts {
		if _, ok := seen[a.Model]; !ok {
			seen[a.Model] = struct{}{}
			out = append(out, a.Model)
		}
	}
	if !r.done {
		if _, ok := seen[r.Current()]; !ok {
			out = append(out, r.Current())
		}
	}
	return out
}

// History returns the append-only attempt log.
func (r *Router) History() []Attempt {
	out := make([]Attempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}

// Models returns the full chain, primary first.
func (r *Router) Models() []string {
	out := make([]string, len(r.models))
	copy(out, r.models)
	return out
}
