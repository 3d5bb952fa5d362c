package stream

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/paperflow/docbatch/inference"
)

// TokenEstimator counts prompt tokens for telemetry when the upstream
// usage block never arrives. The tiktoken encoding is initialized lazily
// (first use may download encoding data); when unavailable it falls back
// to the chars-per-token heuristic.
type TokenEstimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator for the given tiktoken encoding,
// e.g. "cl100k_base".
func NewTokenEstimator(encoding string) *TokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenEstimator{encoding: encoding}
}

func (t *TokenEstimator) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err == nil {
			t.enc = enc
		}
	})
}

// Count returns the token count of s.
func (t *TokenEstimator) Count(s string) int {
	t.init()
	if t.enc == nil {
		return len(s) / charsPerToken
	}
	return len(t.enc.Encode(s, nil, nil))
}

// CountMessages estimates the prompt token total of a message list,
// including a small per-message framing overhead.
func (t *TokenEstimator) CountMessages(msgs []inference.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.Count(m.Content) + 4
	}
	return total
}
