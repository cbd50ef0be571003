package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIngestion            = errors.New("ingestion error")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrIndexCorruption      = errors.New("index corruption")
	ErrToolFailure          = errors.New("tool failure")
	ErrReasoningUnavailable = errors.New("reasoning unavailable")
	ErrTimeout              = errors.New("timeout")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrCancelled    = errors.New("cancelled")
)

// Error attaches a taxonomy kind to an underlying cause.
type Error struct {
	Kind    error  // One of the sentinels above
	Op      string // Operation that failed, e.g. "index.upsert"
	Subject string // Document id, tool name, file path
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind, the cause and, for deadline causes, ErrTimeout.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
		if e.Kind != ErrTimeout && errors.Is(e.Err, context.DeadlineExceeded) {
			errs = append(errs, ErrTimeout)
		}
	}
	return errs
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind error, op, subject, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// IsTimeout reports whether err is a timeout of any kind.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err comes from a cancelled caller.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// HTTPStatus maps an error to the status code used at the REST boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsCancelled(err):
		return 499
	case errors.Is(err, ErrEmbeddingUnavailable), errors.Is(err, ErrReasoningUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
