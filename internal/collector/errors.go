package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies item and run failures.
type ErrorKind string

// Error kinds recognized by the fetch and processing stages.
const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindPermanentRequest ErrorKind = "permanent_request"
	KindContentMismatch  ErrorKind = "content_mismatch"
	KindStructuring      ErrorKind = "structuring"
	KindCacheCorruption  ErrorKind = "cache_corruption"
	KindRunCanceled      ErrorKind = "run_canceled"
	KindPersistence      ErrorKind = "persistence"
)

// ErrRunCanceled marks work that was skipped or abandoned because its run was
// canceled.
var ErrRunCanceled = errors.New("run canceled")

// Error is a classified failure. StatusCode is zero when no HTTP response was
// received.
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

// NewError builds a classified error.
func NewError(kind ErrorKind, rawURL string, statusCode int, err error) *Error {
	return &Error{Kind: kind, URL: rawURL, StatusCode: statusCode, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg += ": " + e.URL
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation maps to KindRunCanceled. Unclassified errors return "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrRunCanceled) || errors.Is(err, context.Canceled) {
		return KindRunCanceled
	}
	return ""
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// ClassifyStatus maps an HTTP status code onto the taxonomy. Codes below 300
// return "".
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code < 300:
		return ""
	case code == http.StatusTooManyRequests, code >= 500:
		return KindTransientNetwork
	default:
		return KindPermanentRequest
	}
}
