package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error wraps a backend failure with the operation that produced it and
// whether retrying could help.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient marks a failure worth retrying: rate limits, upstream
// overload, network flakes.
func NewTransient(op string, err error) *Error {
	return &Error{Op: op, Transient: true, Err: err}
}

// NewPermanent marks a failure retrying cannot fix: bad credentials,
// unsupported input, malformed responses.
func NewPermanent(op string, err error) *Error {
	return &Error{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified network
// errors count as transient; everything else unclassified is permanent.
// Context cancellation is never transient: the caller is going away.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}

// TransientStatus reports whether an HTTP status code indicates a failure
// worth retrying.
func TransientStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}
