package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"chronoplan/internal/domain"
	"chronoplan/internal/stats"
	"chronoplan/internal/store"
)

// Coordinator runs one claimed task through its executor and commits the
// outcome to the task's bookkeeping.
type Coordinator struct {
	tasks          store.TaskRepository
	registry       *Registry
	recorder       stats.Recorder
	defaultTimeout time.Duration
	now            func() time.Time
}

func NewCoordinator(tasks store.TaskRepository, registry *Registry, recorder stats.Recorder, defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Coordinator{
		tasks:          tasks,
		registry:       registry,
		recorder:       recorder,
		defaultTimeout: defaultTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Run executes t, which the caller must have claimed as t.ClaimedBy. The
// returned task is the state after commit; an error means nothing was
// committed except, for a task deleted in flight or whose claim was lost, the
// execution log row.
func (c *Coordinator) Run(ctx context.Context, t domain.ScheduleTask) (domain.ScheduleTask, error) {
	res := c.invoke(ctx, t)
	if ctx.Err() != nil {
		// Shutting down; the claim is released by stale-claim recovery.
		return t, ctx.Err()
	}

	exec := domain.Execution{
		TaskID:       t.ID,
		OwnerID:      t.OwnerID,
		SourceModule: t.SourceModule,
		Outcome:      res.Outcome,
		Retryable:    res.Retryable,
		StartedAt:    res.StartedAt,
		Duration:     res.Duration,
		Error:        res.Err,
	}

	var (
		tr    domain.Transition
		delay time.Duration
	)
	updated, err := c.tasks.CommitRun(ctx, t.ClaimedBy, exec, func(cur *domain.ScheduleTask) (bool, error) {
		if cur.Status != domain.StatusActive {
			log.Info().Str("task_id", cur.ID).Str("status", string(cur.Status)).Str("outcome", string(res.Outcome)).
				Msg("task changed while running; outcome recorded only")
			return false, nil
		}
		var aerr error
		tr, delay, aerr = cur.ApplyOutcome(res, c.now())
		return aerr == nil, aerr
	})
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrClaimLost) {
		c.recorder.ExecutionRecorded(exec)
	}
	if errors.Is(err, domain.ErrClaimLost) {
		log.Warn().Str("task_id", t.ID).Str("claimant", t.ClaimedBy).Str("outcome", string(res.Outcome)).
			Msg("claim lost while running; outcome recorded only")
		return updated, err
	}
	if err != nil {
		return t, err
	}
	if tr.Changed() {
		c.recorder.TaskTransitioned(updated.OwnerID, updated.SourceModule, tr)
	}

	ev := log.Info()
	if res.Outcome == domain.OutcomeFailure || res.Outcome == domain.OutcomeTimeout {
		ev = log.Warn().Str("error", res.Err).Bool("retryable", res.Retryable)
	}
	ev = ev.Str("task_id", t.ID).Str("owner_id", t.OwnerID).Str("module", string(t.SourceModule)).
		Str("outcome", string(res.Outcome)).Dur("duration", res.Duration).Str("status", string(updated.Status))
	if delay > 0 {
		ev = ev.Dur("retry_in", delay)
	}
	if updated.NextRunAt != nil {
		ev = ev.Time("next_run_at", *updated.NextRunAt)
	}
	ev.Msg("task run committed")
	return updated, nil
}

type execResult struct {
	outcome  domain.Outcome
	err      error
	panicked bool
}

// invoke calls the executor under a hard deadline. The deadline wins even if
// the executor ignores its context; a late result is discarded.
func (c *Coordinator) invoke(ctx context.Context, t domain.ScheduleTask) domain.RunResult {
	started := c.now()
	result := func(o domain.Outcome, retryable bool, msg string) domain.RunResult {
		return domain.RunResult{Outcome: o, Retryable: retryable, StartedAt: started, Duration: c.now().Sub(started), Err: msg}
	}

	ex, ok := c.registry.Lookup(t.SourceModule)
	if !ok {
		return result(domain.OutcomeFailure, false, fmt.Sprintf("no executor registered for module %s", t.SourceModule))
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task_id", t.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("executor panic")
				done <- execResult{outcome: domain.OutcomeFailure, err: fmt.Errorf("panic: %v", r), panicked: true}
			}
		}()
		o, err := ex.Execute(runCtx, t.Payload)
		done <- execResult{outcome: o, err: err}
	}()

	select {
	case r := <-done:
		switch {
		case r.panicked:
			return result(domain.OutcomeFailure, false, r.err.Error())
		case r.err != nil:
			o := domain.OutcomeFailure
			if r.outcome == domain.OutcomeTimeout || errors.Is(r.err, context.DeadlineExceeded) {
				o = domain.OutcomeTimeout
			}
			return result(o, !domain.IsNoRetry(r.err), r.err.Error())
		case !r.outcome.Valid():
			return result(domain.OutcomeFailure, false, fmt.Sprintf("executor returned unknown outcome %q", r.outcome))
		default:
			return result(r.outcome, r.outcome == domain.OutcomeFailure || r.outcome == domain.OutcomeTimeout, "")
		}
	case <-runCtx.Done():
		return result(domain.OutcomeTimeout, true, fmt.Sprintf("deadline of %s exceeded", timeout))
	}
}
