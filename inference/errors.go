package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind tags a failure for the retry decision. The transport surfaces
// errors as status-derived message strings, so kinds are recovered from the
// textual signature in a fixed priority order.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindServerError     ErrorKind = "server_5xx"
	KindRateLimited     ErrorKind = "rate_limited_429"
	KindPayloadTooLarge ErrorKind = "payload_too_large_413"
	KindUnprocessable   ErrorKind = "unprocessable_422"
	KindClientError     ErrorKind = "client_4xx"
	KindJSONParse       ErrorKind = "json_parse"
	KindWorkerFault     ErrorKind = "worker_fault"
	KindCanceled        ErrorKind = "canceled"
	KindUnknown         ErrorKind = "unknown"
)

// Error is the typed failure carried through the engine instead of raw
// transport errors.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Model      string    `json:"model,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed error with the retryability implied by its kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: KindRetryable(kind)}
}

// KindRetryable reports whether a failure of the given kind may succeed on
// resubmission. client_4xx indicates a malformed or unauthorized request
// that will not; worker_fault and canceled are always finalized.
func KindRetryable(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindServerError, KindRateLimited,
		KindPayloadTooLarge, KindUnprocessable, KindJSONParse, KindUnknown:
		return true
	default:
		return false
	}
}

// MapHTTPError converts an upstream status and body message into a typed
// error for the given model.
func MapHTTPError(status int, msg, model string) *Error {
	var kind ErrorKind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestEntityTooLarge:
		kind = KindPayloadTooLarge
	case status == http.StatusUnprocessableEntity:
		kind = KindUnprocessable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServerError
	case status >= 400:
		kind = KindClientError
	default:
		kind = KindUnknown
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf("status=%d msg=%s", status, msg),
		HTTPStatus: status,
		Retryable:  KindRetryable(kind),
		Model:      model,
	}
}

// Classify recovers the error kind from an arbitrary error. Typed errors
// keep their kind; everything else is matched against textual signatures
// in priority order: timeout, 5xx, 429, 413, 422, 4xx, json_parse, then
// unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(s, "500", "502", "503", "504", "internal server error",
		"bad gateway", "service unavailable", "overloaded"):
		return KindServerError
	case containsAny(s, "429", "rate limit", "too many requests"):
		return KindRateLimited
	case containsAny(s, "413", "payload too large", "request entity too large"):
		return KindPayloadTooLarge
	case containsAny(s, "422", "unprocessable"):
		return KindUnprocessable
	case containsAny(s, "400", "401", "403", "404", "invalid request",
		"unauthorized", "forbidden", "not found"):
		return KindClientError
	case containsAny(s, "json", "unmarshal", "invalid character", "unexpected end of"):
		return KindJSONParse
	default:
		return KindUnknown
	}
}

// AsTyped normalizes any error into a *Error, classifying untyped ones.
func AsTyped(err error, model string) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	kind := Classify(err)
	return &Error{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: KindRetryable(kind),
		Model:     model,
		Cause:     err,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
