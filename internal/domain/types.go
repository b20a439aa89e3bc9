package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// AllStatuses lists statuses in the order used by statistics rollups.
var AllStatuses = []Status{StatusActive, StatusPaused, StatusCompleted, StatusCancelled, StatusFailed}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// SourceModule tags the feature area that registered a task.
type SourceModule string

const (
	ModuleGoal      SourceModule = "GOAL"
	ModuleTask      SourceModule = "TASK"
	ModuleReminder  SourceModule = "REMINDER"
	ModuleHabit     SourceModule = "HABIT"
	ModuleDashboard SourceModule = "DASHBOARD"
)

var AllModules = []SourceModule{ModuleGoal, ModuleTask, ModuleReminder, ModuleHabit, ModuleDashboard}

// ParseModule accepts module tags case-insensitively.
func ParseModule(s string) (SourceModule, error) {
	m := SourceModule(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range AllModules {
		if m == v {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModule, s)
}

type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeTimeout Outcome = "TIMEOUT"
	OutcomeSkipped Outcome = "SKIPPED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeSkipped:
		return true
	}
	return false
}

// RetryPolicy controls backoff after retryable failures.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RetryOn           []Outcome     `json:"retry_on"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2,
		RetryOn:           []Outcome{OutcomeFailure, OutcomeTimeout},
	}
}

// WithDefaults fills zero fields from DefaultRetryPolicy. A negative MaxRetries
// means "never retry" and is normalised to 0.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if len(p.RetryOn) == 0 {
		p.RetryOn = d.RetryOn
	}
	return p
}

func (p RetryPolicy) Retryable(o Outcome) bool {
	for _, r := range p.RetryOn {
		if r == o {
			return true
		}
	}
	return false
}

// ScheduleTask is the schedulable unit owned by a feature module.
type ScheduleTask struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	SourceModule   SourceModule `json:"source_module"`
	SourceEntityID string       `json:"source_entity_id"`

	Status  Status `json:"status"`
	Enabled bool   `json:"enabled"`

	// CronExpr empty means one-shot, driven by NextRunAt alone.
	CronExpr string `json:"cron_expr,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	MaxExecutions *int       `json:"max_executions,omitempty"`

	NextRunAt             *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt             *time.Time    `json:"last_run_at,omitempty"`
	ExecutionCount        int           `json:"execution_count"`
	LastExecutionStatus   Outcome       `json:"last_execution_status,omitempty"`
	LastExecutionDuration time.Duration `json:"last_execution_duration"`
	LastError             string        `json:"last_error,omitempty"`
	PausedRunAt           *time.Time    `json:"paused_run_at,omitempty"`

	Retry               RetryPolicy `json:"retry"`
	ConsecutiveFailures int         `json:"consecutive_failures"`

	Payload  Payload       `json:"payload"`
	Tags     []string      `json:"tags,omitempty"`
	Priority int           `json:"priority"`
	Timeout  time.Duration `json:"timeout"`

	StatusReason string     `json:"status_reason,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (t *ScheduleTask) OneShot() bool { return strings.TrimSpace(t.CronExpr) == "" }

// Payload is the typed union handed to executors. Exactly one typed member
// matching the task's source module may be set; Data belongs to the feature
// module and is never inspected here.
type Payload struct {
	Goal     *GoalPayload     `json:"goal,omitempty"`
	Task     *TaskPayload     `json:"task,omitempty"`
	Reminder *ReminderPayload `json:"reminder,omitempty"`
	Habit    *HabitPayload    `json:"habit,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
}

type GoalPayload struct {
	GoalID    string `json:"goal_id"`
	Milestone string `json:"milestone,omitempty"`
	Action    string `json:"action"`
}

type TaskPayload struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"`
}

type ReminderPayload struct {
	ReminderID string `json:"reminder_id"`
	Channel    string `json:"channel,omitempty"`
	Message    string `json:"message,omitempty"`
}

type HabitPayload struct {
	HabitID string `json:"habit_id"`
	// CheckWindow is a Go duration string such as "90m".
	CheckWindow string `json:"check_window,omitempty"`
}

// Window parses CheckWindow; empty means no window.
func (h HabitPayload) Window() (time.Duration, error) {
	if h.CheckWindow == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(h.CheckWindow)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

// Validate checks that only the member for m is set.
func (p Payload) Validate(m SourceModule) error {
	set := map[SourceModule]bool{
		ModuleGoal:     p.Goal != nil,
		ModuleTask:     p.Task != nil,
		ModuleReminder: p.Reminder != nil,
		ModuleHabit:    p.Habit != nil,
	}
	for mod, ok := range set {
		if ok && mod != m {
			return fmt.Errorf("%w: %s payload on %s task", ErrPayloadMismatch, strings.ToLower(string(mod)), m)
		}
	}
	if p.Habit != nil {
		if _, err := p.Habit.Window(); err != nil {
			return fmt.Errorf("%w: habit check_window %q: %v", ErrInvalidSchedule, p.Habit.CheckWindow, err)
		}
	}
	return nil
}

type Execution struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	OwnerID      string        `json:"owner_id"`
	SourceModule SourceModule  `json:"source_module"`
	Outcome      Outcome       `json:"outcome"`
	Retryable    bool          `json:"retryable"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}
