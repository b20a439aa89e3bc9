package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrScheduleExpired        = errors.New("schedule expired")
	ErrConflict               = errors.New("interval conflicts with existing events")
	ErrShrinkNotPossible      = errors.New("shrink would leave an empty interval")
	ErrConfirmationRequired   = errors.New("override requires explicit confirmation")
	ErrInvalidInterval        = errors.New("start must be before end")
	ErrUnknownModule          = errors.New("unknown source module")
	ErrPayloadMismatch        = errors.New("payload does not match source module")
	ErrInvalidSchedule        = errors.New("invalid schedule")
	ErrUnknownStrategy        = errors.New("unknown resolution strategy")
	// ErrClaimLost means the task's claim expired or passed to another claimant while a run was in flight.
	ErrClaimLost = errors.New("claim no longer held")
)

// TransitionError is returned when a command is not allowed from the current status.
type TransitionError struct {
	TaskID string
	From   Status
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Action, e.TaskID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ConflictError carries the overlaps that caused a rejection.
type ConflictError struct {
	Result ConflictDetectionResult
	Reason error
}

func (e *ConflictError) Error() string {
	reason := ErrConflict
	if e.Reason != nil {
		reason = e.Reason
	}
	return fmt.Sprintf("%v: %d overlapping event(s)", reason, len(e.Result.Conflicts))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict || (e.Reason != nil && errors.Is(e.Reason, target))
}

// NoRetry marks an executor error as permanent.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
