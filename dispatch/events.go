package dispatch

import (
	"time"

	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/stream"
)

// Phase tracks where an in-flight request currently is. Transitions for a
// given request are observed in order because the queue hands a request to
// at most one worker at a time.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseDequeued    Phase = "dequeued"
	PhaseRateLimited Phase = "rate_limited"
	PhaseExecuting   Phase = "executing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// EventType labels a lifecycle event.
type EventType string

const (
	EventQueued         EventType = "queued"
	EventDequeued       EventType = "dequeued"
	EventRateLimited    EventType = "rate_limited"
	EventExecuting      EventType = "executing"
	EventStreamProgress EventType = "stream_progress"
	EventRetryQueued    EventType = "retry_queued"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventProgress       EventType = "progress"
)

// Event is one lifecycle notification delivered to the OnEvent callback.
// Only the fields relevant to the type are populated.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Model     string    `json:"model,omitempty"`

	// Rate-limit bounce.
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`

	// Retry requeue. Model holds the model that failed; NextModel the one
	// the requeued attempt will run against.
	NextModel  string              `json:"next_model,omitempty"`
	QueueDepth int                 `json:"queue_depth,omitempty"`
	RetryCount int                 `json:"retry_count,omitempty"`
	ErrorKind  inference.ErrorKind `json:"error_kind,omitempty"`
	Error      string              `json:"error,omitempty"`

	// Streaming telemetry.
	Stream *stream.Progress `json:"stream,omitempty"`

	// Periodic snapshot.
	Progress *Snapshot `json:"progress,omitempty"`
}

// Snapshot is the payload of a periodic PROGRESS event.
type Snapshot struct {
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	InFlight           int           `json:"in_flight"`
	Queued             int           `json:"queued"`
	CumulativeCost     float64       `json:"cumulative_cost"`
	CumulativeTokens   int64         `json:"cumulative_tokens"`
	LimiterUtilization float64       `json:"limiter_utilization"`
	Elapsed            time.Duration `json:"elapsed"`
}

// CompletedStatus is the time-limited record kept for recently terminal
// requests; it expires after a fixed number of progress cycles.
type CompletedStatus struct {
	RequestID  string        `json:"request_id"`
	Success    bool          `json:"success"`
	TotalTime  time.Duration `json:"total_time"`
	Cost       float64       `json:"cost"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`

	ttlCycles int
}
