package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SignaturePriority(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"timeout keyword", errors.New("request timed out after 30s"), KindTimeout},
		{"deadline", errors.New("context deadline exceeded"), KindTimeout},
		// timeout outranks the 504 status also present in the message
		{"timeout beats 5xx", errors.New("504 gateway timeout"), KindTimeout},
		{"server 500", errors.New("status=500 internal server error"), KindServerError},
		{"bad gateway", errors.New("502 bad gateway"), KindServerError},
		{"rate limited", errors.New("429 too many requests"), KindRateLimited},
		{"rate limit words", errors.New("rate limit exceeded, slow down"), KindRateLimited},
		{"payload", errors.New("413 request entity too large"), KindPayloadTooLarge},
		{"unprocessable", errors.New("status=422 unprocessable entity"), KindUnprocessable},
		{"unauthorized", errors.New("401 unauthorized"), KindClientError},
		{"not found", errors.New("model not found"), KindClientError},
		{"json", errors.New("invalid character 'x' looking for beginning of value"), KindJSONParse},
		{"unknown", errors.New("connection reset by peer"), KindUnknown},
		{"canceled", context.Canceled, KindCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_TypedErrorKeepsKind(t *testing.T) {
	err := NewError(KindWorkerFault, "panic in worker")
	assert.Equal(t, KindWorkerFault, Classify(err))
	assert.Equal(t, KindWorkerFault, Classify(fmt.Errorf("wrapped: %w", err)))
}

func TestKindRetryable(t *testing.T) {
	retryable := []ErrorKind{
		KindTimeout, KindServerError, KindRateLimited,
		KindPayloadTooLarge, KindUnprocessable, KindJSONParse, KindUnknown,
	}
	for _, k := range retryable {
		assert.True(t, KindRetryable(k), "kind %s should be retryable", k)
	}
	for _, k := range []ErrorKind{KindClientError, KindWorkerFault, KindCanceled} {
		assert.False(t, KindRetryable(k), "kind %s should not be retryable", k)
	}
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusRequestEntityTooLarge, KindPayloadTooLarge, true},
		{http.StatusUnprocessableEntity, KindUnprocessable, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusInternalServerError, KindServerError, true},
		{http.StatusBadGateway, KindServerError, true},
		{http.StatusBadRequest, KindClientError, false},
		{http.StatusUnauthorized, KindClientError, false},
	}
	for _, tt := range tests {
		err := MapHTTPError(tt.status, "boom", "m1")
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.status, err.HTTPStatus)
		assert.Equal(t, "m1", err.Model)
	}
}

func TestAsTyped(t *testing.T) {
	typed := NewError(KindRateLimited, "429")
	assert.Same(t, typed, AsTyped(typed, "m1"))

	out := AsTyped(errors.New("read tcp: i/o timeout"), "m2")
	require.NotNil(t, out)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.True(t, out.Retryable)
	assert.Equal(t, "m2", out.Model)

	assert.Nil(t, AsTyped(nil, "m1"))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := NewError(KindUnknown, "wrapper")
	err.Cause = cause
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "unknown")
	assert.Contains(t, err.Error(), "root")
}
