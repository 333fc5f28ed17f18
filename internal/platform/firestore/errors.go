package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// failure classifies an Error for callers that only care whether to retry, 404 or 409.
type failure uint8

const (
	failureOther failure = iota
	failureNotFound
	failureConflict
	failureUnavailable
)

// classify maps gRPC codes onto failures. Aborted and FailedPrecondition are contention or a
// failed precondition on a write, both of which callers treat as a conflict.
var classify = map[codes.Code]failure{
	codes.NotFound:           failureNotFound,
	codes.AlreadyExists:      failureConflict,
	codes.FailedPrecondition: failureConflict,
	codes.Aborted:            failureConflict,
	codes.Unavailable:        failureUnavailable,
	codes.ResourceExhausted:  failureUnavailable,
	codes.Internal:           failureUnavailable,
	codes.DeadlineExceeded:   failureUnavailable,
	codes.Unauthenticated:    failureUnavailable,
}

// Error is the error repositories return. It satisfies repositories.RepositoryError.
type Error struct {
	op   string
	err  error
	kind failure
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == failureNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == failureConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == failureUnavailable }

// NotFound reports a missing document found without a gRPC call, such as an empty query.
func NotFound(op string, err error) error { return &Error{op: op, err: err, kind: failureNotFound} }

func Conflict(op string, err error) error { return &Error{op: op, err: err, kind: failureConflict} }

func Unavailable(op string, err error) error {
	return &Error{op: op, err: err, kind: failureUnavailable}
}

// WrapError attaches op to err and classifies it. Context errors are returned unchanged so
// callers can still compare them directly. An *Error further down the chain keeps its kind.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if direct, ok := err.(*Error); ok {
		if direct.op == "" {
			direct.op = op
		}
		return direct
	}

	wrapped := &Error{op: op, err: err}
	if inner := (*Error)(nil); errors.As(err, &inner) {
		wrapped.kind = inner.kind
		return wrapped
	}
	code := status.Code(err)
	if code == codes.Canceled {
		return context.Canceled
	}
	wrapped.kind = classify[code]
	return wrapped
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

