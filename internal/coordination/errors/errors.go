// Package errors defines the closed taxonomy of coordination-core error
// kinds. Every error raised by the coordination packages is a CoordError
// carrying one of these kinds, which errors.Is matches against the
// kind's sentinel; free-text errors never cross a component boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is one of the fixed error kinds the coordination core can raise.
type Kind string

const (
	DependencyMissing Kind = "DependencyMissing"
	CycleDetected     Kind = "CycleDetected"
	NoSuitableWorker  Kind = "NoSuitableWorker"
	ResourceTimeout   Kind = "ResourceTimeout"
	ResourceLockStale Kind = "ResourceLockStale"
	Deadlock          Kind = "Deadlock"
	CircuitOpen       Kind = "CircuitOpen"
	Timeout           Kind = "Timeout"
	ResourceExceeded  Kind = "ResourceExceeded"
	ExecutionFailure  Kind = "ExecutionFailure"
	Cancelled         Kind = "Cancelled"
	SystemError       Kind = "SystemError"
)

// Retryable reports whether the kind is retryable at the task level per
// spec's error-handling design.
func (k Kind) Retryable() bool {
	switch k {
	case DependencyMissing, CycleDetected, ResourceExceeded, Cancelled:
		return false
	default:
		return true
	}
}

var sentinels = map[Kind]error{
	DependencyMissing: stderrors.New("dependency missing"),
	CycleDetected:     stderrors.New("cycle detected"),
	NoSuitableWorker:  stderrors.New("no suitable worker"),
	ResourceTimeout:   stderrors.New("resource acquisition timed out"),
	ResourceLockStale: stderrors.New("resource lock stale"),
	Deadlock:          stderrors.New("deadlock detected"),
	CircuitOpen:       stderrors.New("circuit open"),
	Timeout:           stderrors.New("timeout"),
	ResourceExceeded:  stderrors.New("resource limit exceeded"),
	ExecutionFailure:  stderrors.New("execution failure"),
	Cancelled:         stderrors.New("cancelled"),
	SystemError:       stderrors.New("system error"),
}

// CoordError carries a Kind plus structured context, wrapping an
// optional underlying cause.
type CoordError struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *CoordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *CoordError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinels[e.Kind]
}

func (e *CoordError) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && stderrors.Is(sentinel, target)
}

// New builds a CoordError of the given kind with context, optionally
// wrapping a cause.
func New(kind Kind, context string, cause error) *CoordError {
	return &CoordError{Kind: kind, Context: context, Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoordError
	if stderrors.As(err, &ce) {
		return ce.Kind == kind
	}
	return stderrors.Is(err, sentinels[kind])
}

// KindOf extracts the Kind from err, defaulting to SystemError if err
// does not wrap a CoordError.
func KindOf(err error) Kind {
	var ce *CoordError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return SystemError
}
