package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Transition records a status change caused by a command or a run outcome.
type Transition struct {
	From Status
	To   Status
}

func (tr Transition) Changed() bool { return tr.From != tr.To }

// Validate checks the registration-time configuration of a task.
func (t *ScheduleTask) Validate() error {
	if strings.TrimSpace(t.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if _, err := ParseModule(string(t.SourceModule)); err != nil {
		return err
	}
	if strings.TrimSpace(t.SourceEntityID) == "" {
		return fmt.Errorf("%w: source_entity_id is required", ErrInvalidSchedule)
	}
	if t.OneShot() {
		if t.NextRunAt == nil {
			return fmt.Errorf("%w: one-shot task needs a run time", ErrInvalidSchedule)
		}
	} else if err := ValidateCronExpression(t.CronExpr); err != nil {
		return err
	}
	if _, err := LoadLocation(t.Timezone); err != nil {
		return err
	}
	if t.EndDate != nil && !t.EndDate.After(t.StartDate) {
		return fmt.Errorf("%w: end_date must be after start_date", ErrInvalidSchedule)
	}
	if t.MaxExecutions != nil && *t.MaxExecutions <= 0 {
		return fmt.Errorf("%w: max_executions must be positive", ErrInvalidSchedule)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidSchedule)
	}
	return t.Payload.Validate(t.SourceModule)
}

// Activate puts a freshly registered task into ACTIVE and computes its first run.
func (t *ScheduleTask) Activate(now time.Time) error {
	if t.StartDate.IsZero() {
		t.StartDate = now
	}
	t.Retry = t.Retry.WithDefaults()
	t.Status = StatusActive
	t.ExecutionCount = 0
	t.ConsecutiveFailures = 0

	var next *time.Time
	if t.OneShot() {
		at := *t.NextRunAt
		if t.EndDate != nil && at.After(*t.EndDate) {
			return fmt.Errorf("%w: run time is after end_date", ErrScheduleExpired)
		}
		next = &at
	} else {
		n, err := t.nextOccurrence(now)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: no occurrence inside the validity window", ErrScheduleExpired)
		}
		next = n
	}
	if t.Enabled {
		t.NextRunAt = next
		t.PausedRunAt = nil
	} else {
		t.NextRunAt = nil
		t.PausedRunAt = next
	}
	return nil
}

// Pause is allowed only from ACTIVE. The pending run time is kept so a
// one-shot task can be restored on resume.
func (t *ScheduleTask) Pause(now time.Time) (Transition, error) {
	if t.Status != StatusActive {
		return Transition{}, &TransitionError{TaskID: t.ID, From: t.Status, Action: "pause"}
	}
	if t.NextRunAt != nil {
		at := *t.NextRunAt
		t.PausedRunAt = &at
	}
	t.NextRunAt = nil
	t.Status = StatusPaused
	t.UpdatedAt = now
	return Transition{From: StatusActive, To: StatusPaused}, nil
}

// Resume is allowed only from PAUSED. On error the task is left untouched.
func (t *ScheduleTask) Resume(now time.Time) (Transition, error) {
	if t.Status != StatusPaused {
		return Transition{}, &TransitionError{TaskID: t.ID, From: t.Status, Action: "resume"}
	}
	next, err := t.restoreRun(now)
	if err != nil {
		return Transition{}, err
	}
	t.Status = StatusActive
	if t.Enabled {
		t.NextRunAt = next
		t.PausedRunAt = nil
	} else {
		t.PausedRunAt = next
	}
	t.UpdatedAt = now
	return Transition{From: StatusPaused, To: StatusActive}, nil
}

// Cancel is allowed from ACTIVE or PAUSED.
func (t *ScheduleTask) Cancel(reason string, now time.Time) (Transition, error) {
	if t.Status != StatusActive && t.Status != StatusPaused {
		return Transition{}, &TransitionError{TaskID: t.ID, From: t.Status, Action: "cancel"}
	}
	from := t.Status
	t.finish(StatusCancelled, reason, now)
	return Transition{From: from, To: StatusCancelled}, nil
}

// Complete is an explicit early completion from ACTIVE or PAUSED.
func (t *ScheduleTask) Complete(reason string, now time.Time) (Transition, error) {
	if t.Status != StatusActive && t.Status != StatusPaused {
		return Transition{}, &TransitionError{TaskID: t.ID, From: t.Status, Action: "complete"}
	}
	from := t.Status
	t.finish(StatusCompleted, reason, now)
	return Transition{From: from, To: StatusCompleted}, nil
}

// SetEnabled toggles selection eligibility without touching the status.
func (t *ScheduleTask) SetEnabled(enabled bool, now time.Time) error {
	if t.Enabled == enabled {
		return nil
	}
	if t.Status.IsTerminal() {
		return &TransitionError{TaskID: t.ID, From: t.Status, Action: map[bool]string{true: "enable", false: "disable"}[enabled]}
	}
	if !enabled {
		if t.NextRunAt != nil {
			at := *t.NextRunAt
			t.PausedRunAt = &at
		}
		t.NextRunAt = nil
		t.Enabled = false
		t.UpdatedAt = now
		return nil
	}
	if t.Status == StatusActive {
		next, err := t.restoreRun(now)
		if err != nil {
			return err
		}
		t.NextRunAt = next
		t.PausedRunAt = nil
	}
	t.Enabled = true
	t.UpdatedAt = now
	return nil
}

// RunResult is what the coordinator learned from one executor invocation.
type RunResult struct {
	Outcome   Outcome
	Retryable bool
	StartedAt time.Time
	Duration  time.Duration
	Err       string
}

// ApplyOutcome folds one run into the task's bookkeeping. It returns the
// resulting status transition and, for retryable failures, the backoff delay.
func (t *ScheduleTask) ApplyOutcome(r RunResult, now time.Time) (Transition, time.Duration, error) {
	from := t.Status
	if from != StatusActive {
		return Transition{}, 0, &TransitionError{TaskID: t.ID, From: from, Action: "record run for"}
	}
	started := r.StartedAt
	if started.IsZero() {
		started = now
	}
	t.LastRunAt = &started
	t.LastExecutionStatus = r.Outcome
	t.UpdatedAt = now

	var delay time.Duration
	switch r.Outcome {
	case OutcomeSuccess:
		t.ExecutionCount++
		t.ConsecutiveFailures = 0
		t.LastExecutionDuration = r.Duration
		t.LastError = ""
		if t.maxExecutionsReached() {
			t.finish(StatusCompleted, "max executions reached", now)
			break
		}
		t.advance(now)

	case OutcomeFailure, OutcomeTimeout:
		t.ExecutionCount++
		t.ConsecutiveFailures++
		t.LastExecutionDuration = r.Duration
		t.LastError = r.Err
		switch {
		case !r.Retryable || !t.Retry.Retryable(r.Outcome):
			t.finish(StatusFailed, "non-retryable "+strings.ToLower(string(r.Outcome)), now)
		case t.ConsecutiveFailures > t.Retry.MaxRetries:
			t.finish(StatusFailed, "retries exhausted", now)
		case t.maxExecutionsReached():
			t.finish(StatusCompleted, "max executions reached", now)
		default:
			delay = t.Retry.Backoff(t.ConsecutiveFailures)
			next := now.Add(delay)
			if t.EndDate != nil && next.After(*t.EndDate) {
				t.finish(StatusCompleted, "schedule window ended", now)
				delay = 0
				break
			}
			t.NextRunAt = &next
		}

	case OutcomeSkipped:
		t.advance(now)

	default:
		return Transition{}, 0, fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	if !t.Enabled && t.NextRunAt != nil {
		// Disabled while in flight: park the run until re-enabled.
		t.PausedRunAt, t.NextRunAt = t.NextRunAt, nil
	}
	return Transition{From: from, To: t.Status}, delay, nil
}

// Backoff returns min(MaxDelay, InitialDelay * BackoffMultiplier^(failures-1)).
func (p RetryPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(failures-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// advance moves to the next regular occurrence or completes the task when
// there is none.
func (t *ScheduleTask) advance(now time.Time) {
	if t.OneShot() {
		t.finish(StatusCompleted, "one-shot run finished", now)
		return
	}
	next, err := t.nextOccurrence(now)
	if err != nil {
		t.LastError = err.Error()
		t.finish(StatusFailed, "invalid recurrence", now)
		return
	}
	if next == nil {
		t.finish(StatusCompleted, "schedule window ended", now)
		return
	}
	t.NextRunAt = next
}

func (t *ScheduleTask) restoreRun(now time.Time) (*time.Time, error) {
	if t.maxExecutionsReached() {
		return nil, fmt.Errorf("%w: max executions reached", ErrScheduleExpired)
	}
	if t.OneShot() {
		if t.PausedRunAt == nil || !t.PausedRunAt.After(now) {
			return nil, fmt.Errorf("%w: one-shot run time has passed", ErrScheduleExpired)
		}
		at := *t.PausedRunAt
		return &at, nil
	}
	next, err := t.nextOccurrence(now)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("%w: no occurrence inside the validity window", ErrScheduleExpired)
	}
	return next, nil
}

// nextOccurrence returns nil when the recurrence has no occurrence inside the
// validity window.
func (t *ScheduleTask) nextOccurrence(after time.Time) (*time.Time, error) {
	from := after
	if t.StartDate.After(from) {
		// Next is strictly after its argument; let start_date itself fire.
		from = t.StartDate.Add(-time.Nanosecond)
	}
	next, err := NextRunTime(t.CronExpr, t.Timezone, from)
	if err != nil {
		return nil, err
	}
	if next.IsZero() || (t.EndDate != nil && next.After(*t.EndDate)) {
		return nil, nil
	}
	return &next, nil
}

func (t *ScheduleTask) maxExecutionsReached() bool {
	return t.MaxExecutions != nil && t.ExecutionCount >= *t.MaxExecutions
}

func (t *ScheduleTask) finish(s Status, reason string, now time.Time) {
	t.Status = s
	t.StatusReason = reason
	t.NextRunAt = nil
	t.PausedRunAt = nil
	t.UpdatedAt = now
}
