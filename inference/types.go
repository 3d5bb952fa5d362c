package inference

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat-style turn of the request payload.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ImageAttachment carries an inline image for vision models.
type ImageAttachment struct {
	MIMEType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
	Detail     string `json:"detail,omitempty"`
}

// Request is a single unit of work submitted to the dispatcher.
//
// Identity and payload fields are set once by the caller and never change.
// QueuedAt and RetryCount are owned by the dispatcher; the queue hands a
// request to at most one worker at a time, so they need no locking.
type Request struct {
	ID             string            `json:"id"`
	Model          string            `json:"model"`
	FallbackModels []string          `json:"fallback_models,omitempty"`
	Messages       []Message         `json:"messages"`
	Images         []ImageAttachment `json:"images,omitempty"`
	// Schema is the required JSON Schema for structured output.
	Schema      json.RawMessage `json:"schema"`
	Temperature float32         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	// Metadata is opaque to the dispatcher and passed through unmodified
	// into results and logs. Values must be JSON-serializable.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Priority orders the queue; higher dequeues first, FIFO among equals.
	Priority int `json:"priority,omitempty"`

	// Dispatcher-owned fields.
	QueuedAt   time.Time `json:"-"`
	RetryCount int       `json:"-"`
}

// Normalize assigns a fresh id when the caller left it empty and validates
// the fields the dispatcher depends on. It is called once at submission;
// a returned error rejects the whole batch before any work begins.
func (r *Request) Normalize() error {
	if r == nil {
		return fmt.Errorf("nil request")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Model == "" {
		return fmt.Errorf("request %s: missing model", r.ID)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("request %s: empty message list", r.ID)
	}
	if len(r.Schema) == 0 {
		return fmt.Errorf("request %s: missing structured-output schema", r.ID)
	}
	if !json.Valid(r.Schema) {
		return fmt.Errorf("request %s: schema is not valid JSON", r.ID)
	}
	if r.Metadata != nil {
		if _, err := json.Marshal(r.Metadata); err != nil {
			return fmt.Errorf("request %s: metadata not JSON-serializable: %w", r.ID, err)
		}
	}
	return nil
}

// Usage holds token accounting for one completed call. Estimated marks
// counts derived from character heuristics rather than the upstream usage
// block.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	ReasoningTokens  int  `json:"reasoning_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
}

// Result is the terminal outcome of one request, success or failure.
type Result struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`

	// Success fields.
	Text         string         `json:"text,omitempty"`
	Parsed       map[string]any `json:"parsed,omitempty"`
	Usage        Usage          `json:"usage"`
	Cost         float64        `json:"cost"`
	TTFT         time.Duration  `json:"ttft,omitempty"`
	TokensPerSec float64        `json:"tokens_per_sec,omitempty"`

	// Failure fields.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	TotalTime       time.Duration  `json:"total_time"`
	ModelUsed       string         `json:"model_used,omitempty"`
	ModelsAttempted []string       `json:"models_attempted,omitempty"`
	Attempts        int            `json:"attempts"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CostFunc prices one completed call. The pricing table itself lives
// outside this module; implementations must be pure.
type CostFunc func(model string, promptTokens, completionTokens, imageCount int) float64

// ZeroCost is the CostFunc used when no pricing table is configured.
func ZeroCost(string, int, int, int) float64 { return 0 }
