package domain

import (
	"encoding/json"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func cronTask(expr string) ScheduleTask {
	return ScheduleTask{
		ID: "tsk_1", OwnerID: "u1", Name: "weekly review", SourceModule: ModuleGoal, SourceEntityID: "g-1",
		Enabled: true, CronExpr: expr, Retry: DefaultRetryPolicy(),
	}
}

func oneShot(at time.Time) ScheduleTask {
	return ScheduleTask{
		ID: "tsk_2", OwnerID: "u1", Name: "ping", SourceModule: ModuleReminder, SourceEntityID: "r-1",
		Enabled: true, NextRunAt: &at, Retry: DefaultRetryPolicy(),
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i+1), "failure %d", i+1)
	}
	assert.Equal(t, 10*time.Second, p.Backoff(500))
	assert.Equal(t, time.Second, p.Backoff(0))
}

func TestWithDefaultsNormalises(t *testing.T) {
	p := RetryPolicy{MaxRetries: -1, InitialDelay: time.Minute, MaxDelay: time.Second}.WithDefaults()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, []Outcome{OutcomeFailure, OutcomeTimeout}, p.RetryOn)
}

func TestNextRunTimeHonoursTimezone(t *testing.T) {
	winter, err := NextRunTime("0 9 * * *", "America/New_York", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC), winter)

	summer, err := NextRunTime("0 9 * * *", "America/New_York", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), summer)

	_, err = NextRunTime("0 9 * * *", "Mars/Olympus", t0)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*ScheduleTask)
		want   error
	}{
		"no owner":         {func(s *ScheduleTask) { s.OwnerID = " " }, ErrInvalidSchedule},
		"unknown module":   {func(s *ScheduleTask) { s.SourceModule = "CHAT" }, ErrUnknownModule},
		"bad cron":         {func(s *ScheduleTask) { s.CronExpr = "61 * * * *" }, ErrInvalidSchedule},
		"bad zone":         {func(s *ScheduleTask) { s.Timezone = "Nowhere/Land" }, ErrInvalidSchedule},
		"zero max":         {func(s *ScheduleTask) { n := 0; s.MaxExecutions = &n }, ErrInvalidSchedule},
		"payload mismatch": {func(s *ScheduleTask) { s.Payload.Habit = &HabitPayload{HabitID: "h"} }, ErrPayloadMismatch},
		"bad check window": {func(s *ScheduleTask) {
			s.SourceModule = ModuleHabit
			s.Payload.Habit = &HabitPayload{HabitID: "h", CheckWindow: "3600"}
		}, ErrInvalidSchedule},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			task := cronTask("*/5 * * * *")
			tc.mutate(&task)
			assert.ErrorIs(t, task.Validate(), tc.want)
		})
	}
	ok := cronTask("@daily")
	ok.Payload.Goal = &GoalPayload{GoalID: "g-1", Action: "review"}
	assert.NoError(t, ok.Validate())
}

func TestHabitCheckWindowIsDurationString(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"habit":{"habit_id":"h-1","check_window":"90m"}}`), &p))
	w, err := p.Habit.Window()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, w)
	assert.NoError(t, p.Validate(ModuleHabit))

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"habit":{"habit_id":"h-1","check_window":"90m"}}`, string(b))

	w, err = HabitPayload{HabitID: "h-2"}.Window()
	require.NoError(t, err)
	assert.Zero(t, w)

	_, err = HabitPayload{CheckWindow: "-5m"}.Window()
	assert.Error(t, err)
}

func TestActivateFiresAtStartDate(t *testing.T) {
	task := cronTask("0 * * * *")
	task.StartDate = t0.Add(24 * time.Hour)
	require.NoError(t, task.Activate(t0))
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, task.StartDate, *task.NextRunAt)
}

func TestActivateRejectsExpiredWindow(t *testing.T) {
	task := cronTask("0 0 1 1 *")
	end := t0.Add(time.Hour)
	task.EndDate = &end
	assert.ErrorIs(t, task.Activate(t0), ErrScheduleExpired)

	late := oneShot(t0.Add(2 * time.Hour))
	late.EndDate = &end
	assert.ErrorIs(t, late.Activate(t0), ErrScheduleExpired)
}

func TestActivateDisabledParksRun(t *testing.T) {
	task := oneShot(t0.Add(time.Hour))
	task.Enabled = false
	require.NoError(t, task.Activate(t0))
	assert.Nil(t, task.NextRunAt)
	require.NotNil(t, task.PausedRunAt)
	assert.Equal(t, t0.Add(time.Hour), *task.PausedRunAt)
}

func TestPauseResumeOneShot(t *testing.T) {
	task := oneShot(t0.Add(time.Hour))
	require.NoError(t, task.Activate(t0))

	tr, err := task.Pause(t0)
	require.NoError(t, err)
	assert.Equal(t, Transition{From: StatusActive, To: StatusPaused}, tr)
	assert.Nil(t, task.NextRunAt)

	tr, err = task.Resume(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, tr.Changed())
	assert.Equal(t, t0.Add(time.Hour), *task.NextRunAt)

	_, err = task.Pause(t0.Add(2 * time.Minute))
	require.NoError(t, err)
	_, err = task.Resume(t0.Add(2 * time.Hour))
	assert.ErrorIs(t, err, ErrScheduleExpired)
	assert.Equal(t, StatusPaused, task.Status)
}

func TestTerminalStatesRejectCommands(t *testing.T) {
	task := cronTask("*/5 * * * *")
	require.NoError(t, task.Activate(t0))
	_, err := task.Cancel("done", t0)
	require.NoError(t, err)
	assert.Nil(t, task.NextRunAt)

	_, err = task.Pause(t0)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusCancelled, te.From)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = task.Resume(t0)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = task.Complete("", t0)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.ErrorIs(t, task.SetEnabled(false, t0), ErrInvalidStateTransition)
}

func TestApplyOutcomeMaxExecutions(t *testing.T) {
	task := cronTask("*/5 * * * *")
	limit := 2
	task.MaxExecutions = &limit
	require.NoError(t, task.Activate(t0))

	tr, _, err := task.ApplyOutcome(RunResult{Outcome: OutcomeSuccess}, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.Equal(t, t0.Add(10*time.Minute), *task.NextRunAt)

	tr, _, err = task.ApplyOutcome(RunResult{Outcome: OutcomeSuccess}, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.To)
	assert.Equal(t, 2, task.ExecutionCount)
	assert.Nil(t, task.NextRunAt)
}

func TestApplyOutcomeRetryAndRecovery(t *testing.T) {
	task := cronTask("0 * * * *")
	require.NoError(t, task.Activate(t0))

	now := t0.Add(time.Hour)
	_, delay, err := task.ApplyOutcome(RunResult{Outcome: OutcomeTimeout, Retryable: true, Err: "slow"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, now.Add(time.Second), *task.NextRunAt)
	assert.Equal(t, 1, task.ConsecutiveFailures)
	assert.Equal(t, "slow", task.LastError)

	_, _, err = task.ApplyOutcome(RunResult{Outcome: OutcomeSuccess}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, task.ConsecutiveFailures)
	assert.Empty(t, task.LastError)
	assert.Equal(t, t0.Add(2*time.Hour), *task.NextRunAt)
}

func TestApplyOutcomeSkippedKeepsCounters(t *testing.T) {
	task := cronTask("0 * * * *")
	require.NoError(t, task.Activate(t0))
	task.ExecutionCount = 4
	task.ConsecutiveFailures = 2
	task.LastError = "upstream down"

	tr, delay, err := task.ApplyOutcome(RunResult{Outcome: OutcomeSkipped}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.Zero(t, delay)
	assert.Equal(t, 4, task.ExecutionCount)
	assert.Equal(t, 2, task.ConsecutiveFailures)
	assert.Equal(t, OutcomeSkipped, task.LastExecutionStatus)
	assert.Equal(t, t0.Add(2*time.Hour), *task.NextRunAt)
}

func TestApplyOutcomeRetryOnFilter(t *testing.T) {
	task := cronTask("0 * * * *")
	task.Retry.RetryOn = []Outcome{OutcomeFailure}
	require.NoError(t, task.Activate(t0))

	tr, _, err := task.ApplyOutcome(RunResult{Outcome: OutcomeTimeout, Retryable: true}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tr.To)
}

func TestApplyOutcomeParksWhenDisabledInFlight(t *testing.T) {
	task := cronTask("0 * * * *")
	require.NoError(t, task.Activate(t0))
	task.Enabled = false

	_, _, err := task.ApplyOutcome(RunResult{Outcome: OutcomeSuccess}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, task.NextRunAt)
	require.NotNil(t, task.PausedRunAt)
	assert.Equal(t, t0.Add(2*time.Hour), *task.PausedRunAt)
}

func TestApplyOutcomeRejectsInactive(t *testing.T) {
	task := oneShot(t0.Add(time.Hour))
	require.NoError(t, task.Activate(t0))
	_, err := task.Pause(t0)
	require.NoError(t, err)

	_, _, err = task.ApplyOutcome(RunResult{Outcome: OutcomeSuccess}, t0)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestIntervalHalfOpen(t *testing.T) {
	a := Interval{Start: t0, End: t0.Add(time.Hour)}
	b := Interval{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)}
	c := Interval{Start: t0.Add(30 * time.Minute), End: t0.Add(90 * time.Minute)}

	assert.False(t, a.Overlaps(b))
	assert.True(t, a.Overlaps(c))
	assert.Equal(t, Interval{Start: t0.Add(30 * time.Minute), End: t0.Add(time.Hour)}, a.Intersection(c))
	assert.ErrorIs(t, Interval{Start: t0, End: t0}.Validate(), ErrInvalidInterval)
}

func TestStatisticsCounters(t *testing.T) {
	s := NewStatistics("u1")
	for _, m := range AllModules {
		require.NotNil(t, s.Modules[m])
	}
	c := s.Module(ModuleHabit)
	c.AddTask(StatusActive)
	assert.True(t, c.MoveTask(StatusActive, StatusFailed))
	c.AddExecution(OutcomeSuccess, 100*time.Millisecond)
	c.AddExecution(OutcomeTimeout, 300*time.Millisecond)

	assert.EqualValues(t, 1, c.TotalTasks)
	assert.Zero(t, c.ActiveTasks)
	assert.EqualValues(t, 1, c.FailedTasks)
	assert.EqualValues(t, 2, c.TotalExecutions)
	assert.EqualValues(t, 100, c.MinDurationMs)
	assert.EqualValues(t, 300, c.MaxDurationMs)
	assert.EqualValues(t, 200, c.AvgDurationMs)

	var drift Counters
	assert.False(t, drift.MoveTask(StatusPaused, StatusActive))
	assert.False(t, drift.RemoveTask(StatusActive))
	assert.Zero(t, drift.PausedTasks)

	clone := s.Clone()
	clone.Module(ModuleHabit).TotalTasks = 99
	assert.EqualValues(t, 1, s.Module(ModuleHabit).TotalTasks)
}
