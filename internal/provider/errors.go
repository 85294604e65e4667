package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind tags a provider failure for retry policy decisions.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "rate_limit"
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindServer     ErrorKind = "server"
	KindUnknown    ErrorKind = "unknown"
)

// Error is a classified provider failure. auth and validation are fatal;
// everything else is worth retrying until the retry budget runs out.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether the worker should schedule another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindValidation:
		return false
	default:
		return true
	}
}

// IsRetryable classifies any error from a provider call. Unclassified
// errors count as retryable so a flaky transport never terminalizes a log.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// KindOf extracts the taxonomy tag, defaulting to unknown.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// RetryAfterHint extracts a platform-mandated wait, or zero.
func RetryAfterHint(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// classifyStatus maps an HTTP response to the taxonomy. The response body
// is carried verbatim in the message so operators see what the platform said.
func classifyStatus(resp *http.Response, body []byte) *Error {
	e := &Error{
		Message:    string(body),
		StatusCode: resp.StatusCode,
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case resp.StatusCode >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

// networkError wraps a transport-level failure.
func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: err.Error()}
}

// validationError builds a fatal input error before any network call.
func validationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}
