package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/paperflow/docbatch/inference"
)

const (
	// charsPerToken is the heuristic used for in-flight token estimates
	// before the authoritative usage block arrives.
	charsPerToken = 4

	// maxMalformedChunks aborts a stream that keeps producing undecodable
	// frames, instead of silently returning a corrupted partial response.
	maxMalformedChunks = 10

	defaultTimeout = 120 * time.Second
)

// Config wires the executor to the inference endpoint.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Progress reports in-flight stream telemetry. Token counts are estimated
// from accumulated characters until the usage block arrives.
type Progress struct {
	RequestID       string
	Model           string
	Chars           int
	EstimatedTokens int
	Elapsed         time.Duration
}

// ProgressFunc receives Progress updates while a stream is open. May be nil.
type ProgressFunc func(Progress)

// Outcome is the successful result of one streaming attempt.
type Outcome struct {
	Text         string
	Usage        inference.Usage
	Cost         float64
	TTFT         time.Duration
	TokensPerSec float64
}

// Executor issues streaming chat-completion calls. It is safe for
// concurrent use by multiple workers.
type Executor struct {
	cfg       Config
	client    *http.Client
	cost      inference.CostFunc
	estimator *TokenEstimator
	logger    *zap.Logger
}

// NewExecutor creates an executor. cost prices completed calls and may be
// nil, in which case every call costs zero.
func NewExecutor(cfg Config, cost inference.CostFunc, logger *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cost == nil {
		cost = inference.ZeroCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg: cfg,
		// Per-call deadlines come from the request context; the client
		// itself stays unbound so long streams are not cut mid-flight.
		client:    &http.Client{},
		cost:      cost,
		estimator: NewTokenEstimator("cl100k_base"),
		logger:    logger,
	}
}

// Wire types for the OpenAI-compatible chat-completions endpoint.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type wireRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Temperature    float32       `json:"temperature,omitempty"`
	Stream         bool          `json:"stream"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type wireDelta struct {
	Content string `json:"content"`
}

type wireChoice struct {
	Delta        wireDelta `json:"delta"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

type wireUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type wireChunk struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Execute runs one streaming call for req against model. onProgress, when
// non-nil, is invoked for each content delta with estimated telemetry.
// The transport connection is closed on every exit path.
func (e *Executor) Execute(ctx context.Context, req *inference.Request, model string, onProgress ProgressFunc) (*Outcome, error) {
	tracer := otel.Tracer("docbatch/stream")
	ctx, span := tracer.Start(ctx, "stream.Execute")
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("model", model),
	)
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.execute(ctx, req, model, onProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", out.Usage.PromptTokens),
		attribute.Int("usage.completion_tokens", out.Usage.CompletionTokens),
		attribute.Float64("cost_usd", out.Cost),
	)
	return out, nil
}

func (e *Executor) execute(ctx context.Context, req *inference.Request, model string, onProgress ProgressFunc) (*Outcome, error) {
	payload, err := json.Marshal(e.buildBody(req, model))
	if err != nil {
		return nil, &inference.Error{
			Kind:    inference.KindClientError,
			Message: fmt.Sprintf("encode request body: %v", err),
			Model:   model,
		}
	}

	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimRight(e.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &inference.Error{
			Kind:    inference.KindClientError,
			Message: fmt.Sprintf("build request: %v", err),
			Model:   model,
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err, model)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, inference.MapHTTPError(resp.StatusCode, readErrMsg(resp.Body), model)
	}

	return e.consumeStream(ctx, resp.Body, req, model, start, onProgress)
}

func (e *Executor) buildBody(req *inference.Request, model string) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for i, m := range req.Messages {
		// Image attachments ride on the final user message as content
		// parts; all other messages stay plain strings.
		if len(req.Images) > 0 && i == len(req.Messages)-1 && m.Role == inference.RoleUser {
			parts := []wireContentPart{{Type: "text", Text: m.Content}}
			for _, img := range req.Images {
				parts = append(parts, wireContentPart{
					Type: "image_url",
					ImageURL: &wireImageURL{
						URL:    fmt.Sprintf("data:%s;base64,%s", img.MIMEType, img.DataBase64),
						Detail: img.Detail,
					},
				})
			}
			msgs = append(msgs, wireMessage{Role: string(m.Role), Content: parts})
			continue
		}
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	body := wireRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Schema) > 0 {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "structured_output",
				"schema": json.RawMessage(req.Schema),
				"strict": true,
			},
		}
	}
	return body
}

func (e *Executor) consumeStream(ctx context.Context, body io.Reader, req *inference.Request, model string, start time.Time, onProgress ProgressFunc) (*Outcome, error) {
	var (
		buf       strings.Builder
		usage     *wireUsage
		ttft      time.Duration
		malformed int
	)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, transportError(ctx, err, model)
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			malformed++
			if malformed > maxMalformedChunks {
				return nil, &inference.Error{
					Kind:      inference.KindJSONParse,
					Message:   fmt.Sprintf("aborting stream after %d malformed chunks: %v", malformed, err),
					Retryable: true,
					Model:     model,
				}
			}
			e.logger.Debug("skipping malformed stream chunk",
				zap.String("request_id", req.ID),
				zap.Int("malformed", malformed),
			)
			continue
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if ttft == 0 {
				ttft = time.Since(start)
			}
			buf.WriteString(choice.Delta.Content)
			if onProgress != nil {
				onProgress(Progress{
					RequestID:       req.ID,
					Model:           model,
					Chars:           buf.Len(),
					EstimatedTokens: estimateTokens(buf.Len(), usage),
					Elapsed:         time.Since(start),
				})
			}
		}
	}

	elapsed := time.Since(start)
	final := inference.Usage{}
	if usage != nil {
		final.PromptTokens = usage.PromptTokens
		final.CompletionTokens = usage.CompletionTokens
		final.ReasoningTokens = usage.CompletionTokensDetails.ReasoningTokens
	} else {
		final.PromptTokens = e.estimator.CountMessages(req.Messages)
		final.CompletionTokens = buf.Len() / charsPerToken
		final.Estimated = true
	}

	out := &Outcome{
		Text:  buf.String(),
		Usage: final,
		Cost:  e.cost(model, final.PromptTokens, final.CompletionTokens, len(req.Images)),
		TTFT:  ttft,
	}
	if gen := elapsed - ttft; gen > 0 && final.CompletionTokens > 0 {
		out.TokensPerSec = float64(final.CompletionTokens) / gen.Seconds()
	}
	return out, nil
}

// estimateTokens prefers authoritative completion counts once seen.
func estimateTokens(chars int, usage *wireUsage) int {
	if usage != nil {
		return usage.CompletionTokens
	}
	return chars / charsPerToken
}

func transportError(ctx context.Context, err error, model string) *inference.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &inference.Error{
			Kind:      inference.KindTimeout,
			Message:   fmt.Sprintf("request timed out: %v", err),
			Retryable: true,
			Model:     model,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &inference.Error{
			Kind:    inference.KindCanceled,
			Message: "request canceled",
			Model:   model,
			Cause:   err,
		}
	}
	return inference.AsTyped(err, model)
}

func readErrMsg(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Error.Message != "" {
		return we.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
