// Package failure classifies errors at the boundary between stage handlers and the
// retry controller. Handlers return plain Go errors; the kind travels with them so the
// orchestrator never has to guess whether a fault is worth retrying.
package failure

import (
	"errors"
	"fmt"
)

// Kind tags an error with the policy that applies to it.
type Kind string

const (
	// KindData marks malformed or missing input. Terminal, never retried.
	KindData Kind = "data"
	// KindTransient marks network faults, 5xx responses and timeouts. Retried per job policy.
	KindTransient Kind = "transient"
	// KindConflict marks an idempotency key reused with a different body.
	KindConflict Kind = "conflict"
	// KindReconcile marks an exhausted external document push. Retried per job policy.
	KindReconcile Kind = "reconcile"
	// KindCancelled marks work abandoned because the job was cancelled externally.
	KindCancelled Kind = "cancelled"
)

// ErrCancelled is returned by stage checks once a job has been cancelled.
var ErrCancelled = &Error{Kind: KindCancelled, Op: "job", Err: errors.New("cancelled")}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCancelled) match any cancellation regardless of the op.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Data classifies err as a data error.
func Data(op string, err error) error { return wrap(KindData, op, err) }

// Dataf builds a data error from a format string.
func Dataf(op, format string, args ...any) error {
	return wrap(KindData, op, fmt.Errorf(format, args...))
}

// Transient classifies err as a transient error.
func Transient(op string, err error) error { return wrap(KindTransient, op, err) }

// Conflict classifies err as a conflict error.
func Conflict(op string, err error) error { return wrap(KindConflict, op, err) }

// Reconcile classifies err as an exhausted reconciliation error.
func Reconcile(op string, err error) error { return wrap(KindReconcile, op, err) }

// KindOf returns the outermost classification of err. Unclassified errors are transient:
// anything unexpected gets the bounded retry budget rather than an immediate terminal failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether the job-level retry controller should see err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindReconcile:
		return true
	default:
		return false
	}
}
