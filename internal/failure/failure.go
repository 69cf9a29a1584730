// Package failure defines the error taxonomy shared by the workflow engine and
// its collaborators.
package failure

import (
	"context"
	"errors"
	"fmt"

	"tenderline/internal/domain"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindInvalidTransition      Kind = "invalid_transition"
	KindConcurrentModification Kind = "concurrent_modification"
	KindTransient              Kind = "transient"
	KindStageFailure           Kind = "stage_failure"
	KindCanceled               Kind = "canceled"
	KindNotFound               Kind = "not_found"
	KindInternal               Kind = "internal"
)

// ErrConcurrentModification is returned when a compare-and-set on a project lost the race.
var ErrConcurrentModification = errors.New("project modified concurrently")

// Error carries a Kind plus the stage or operation it happened in.
type Error struct {
	Kind  Kind
	Stage domain.Stage
	Op    string
	Err   error
}

func (e *Error) Error() string {
	prefix := e.Op
	if e.Stage != "" {
		if prefix != "" {
			prefix = string(e.Stage) + ": " + prefix
		} else {
			prefix = string(e.Stage)
		}
	}
	if prefix == "" {
		return e.Err.Error()
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps a malformed-input error. Never retried.
func Validation(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// InvalidTransition reports a transition the workflow table forbids.
func InvalidTransition(op string, from, to domain.Status) error {
	return &Error{Kind: KindInvalidTransition, Op: op, Err: fmt.Errorf("invalid transition %s -> %s", from, to)}
}

// Precondition reports an operation invoked from a status it does not accept.
func Precondition(op string, current domain.Status, allowed ...domain.Status) error {
	return &Error{Kind: KindInvalidTransition, Op: op, Err: fmt.Errorf("status %s does not allow %s (requires %v)", current, op, allowed)}
}

// Transient marks a collaborator error as eligible for bounded retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindTransient {
		return err
	}
	return &Error{Kind: KindTransient, Err: err}
}

// StageFailed wraps the cause of a stage's terminal failure with stage context.
func StageFailed(stage domain.Stage, err error) error {
	return &Error{Kind: KindStageFailure, Stage: stage, Err: err}
}

// KindOf returns the most specific Kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConcurrentModification) {
		return KindConcurrentModification
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var fe *Error
	for e := err; errors.As(e, &fe); e = fe.Err {
		if fe.Kind != KindStageFailure {
			return fe.Kind
		}
		if fe.Err == nil {
			break
		}
	}
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsValidation reports whether err is a validation error, including invalid transitions.
func IsValidation(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindInvalidTransition
}
