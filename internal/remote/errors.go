// Package remote classifies failures returned by third-party HTTP APIs into
// the retryable and non-retryable kinds the sync engine reasons about.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches a RejectedError carrying a 404.
var ErrNotFound = errors.New("remote resource not found")

// TransientError is a failure that may succeed on retry: network errors,
// timeouts, 408, 429 and 5xx responses.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient remote error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient remote error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError is a failure the provider will keep returning for the same
// request (validation, auth, missing resource).
type RejectedError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected by remote (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// FromStatus builds the error for a non-2xx response.
func FromStatus(op string, status int, message string) error {
	if IsTransientStatus(status) {
		return &TransientError{Op: op, StatusCode: status, Err: errors.New(message)}
	}
	return &RejectedError{Op: op, StatusCode: status, Message: message}
}

// FromTransport wraps an error returned by http.Client.Do. Network errors and
// per-call timeouts are transient; cancellation of the caller's context is
// returned untouched so retry loops stop.
func FromTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
