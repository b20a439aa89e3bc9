package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"chronoplan/internal/domain"
	"chronoplan/internal/stats"
	"chronoplan/internal/store"
)

// Tasks exposes the task commands feature modules and operators use.
type Tasks struct {
	repo     store.TaskRepository
	recorder stats.Recorder
	now      func() time.Time
}

func NewTasks(repo store.TaskRepository, recorder stats.Recorder) *Tasks {
	return &Tasks{repo: repo, recorder: recorder, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Tasks) WithClock(now func() time.Time) *Tasks {
	s.now = now
	return s
}

// Register validates and activates t. Registering a source entity that already
// has a task returns the stored task unchanged with created=false.
func (s *Tasks) Register(ctx context.Context, t domain.ScheduleTask) (domain.ScheduleTask, bool, error) {
	if err := t.Validate(); err != nil {
		return domain.ScheduleTask{}, false, err
	}
	now := s.now()
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	t.ClaimedBy, t.ClaimedAt = "", nil
	t.LastRunAt, t.LastExecutionStatus, t.LastError, t.StatusReason = nil, "", "", ""
	if err := t.Activate(now); err != nil {
		return domain.ScheduleTask{}, false, err
	}

	stored, created, err := s.repo.Create(ctx, t)
	if err != nil {
		return domain.ScheduleTask{}, false, fmt.Errorf("register task: %w", err)
	}
	if !created {
		log.Debug().Str("task_id", stored.ID).Str("module", string(stored.SourceModule)).
			Str("source_entity_id", stored.SourceEntityID).Msg("task already registered")
		return stored, false, nil
	}
	s.recorder.TaskRegistered(stored)

	ev := log.Info().Str("task_id", stored.ID).Str("owner_id", stored.OwnerID).Str("module", string(stored.SourceModule))
	if stored.NextRunAt != nil {
		ev = ev.Time("next_run_at", *stored.NextRunAt)
	}
	ev.Msg("task registered")
	return stored, true, nil
}

func (s *Tasks) Get(ctx context.Context, id string) (domain.ScheduleTask, error) {
	return s.repo.Get(ctx, id)
}

func (s *Tasks) ListByOwner(ctx context.Context, ownerID string) ([]domain.ScheduleTask, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *Tasks) Executions(ctx context.Context, ownerID string) ([]domain.Execution, error) {
	return s.repo.ListExecutions(ctx, ownerID)
}

func (s *Tasks) Pause(ctx context.Context, id string) (domain.ScheduleTask, error) {
	return s.transition(ctx, id, func(t *domain.ScheduleTask, now time.Time) (domain.Transition, error) {
		return t.Pause(now)
	})
}

func (s *Tasks) Resume(ctx context.Context, id string) (domain.ScheduleTask, error) {
	return s.transition(ctx, id, func(t *domain.ScheduleTask, now time.Time) (domain.Transition, error) {
		return t.Resume(now)
	})
}

func (s *Tasks) Cancel(ctx context.Context, id, reason string) (domain.ScheduleTask, error) {
	return s.transition(ctx, id, func(t *domain.ScheduleTask, now time.Time) (domain.Transition, error) {
		return t.Cancel(reason, now)
	})
}

func (s *Tasks) Complete(ctx context.Context, id, reason string) (domain.ScheduleTask, error) {
	return s.transition(ctx, id, func(t *domain.ScheduleTask, now time.Time) (domain.Transition, error) {
		return t.Complete(reason, now)
	})
}

// SetEnabled toggles whether the selector may pick the task up.
func (s *Tasks) SetEnabled(ctx context.Context, id string, enabled bool) (domain.ScheduleTask, error) {
	return s.transition(ctx, id, func(t *domain.ScheduleTask, now time.Time) (domain.Transition, error) {
		return domain.Transition{From: t.Status, To: t.Status}, t.SetEnabled(enabled, now)
	})
}

func (s *Tasks) transition(ctx context.Context, id string, fn func(*domain.ScheduleTask, time.Time) (domain.Transition, error)) (domain.ScheduleTask, error) {
	var tr domain.Transition
	t, err := s.repo.Mutate(ctx, id, func(t *domain.ScheduleTask) error {
		var err error
		tr, err = fn(t, s.now())
		return err
	})
	if err != nil {
		return domain.ScheduleTask{}, err
	}
	if tr.Changed() {
		s.recorder.TaskTransitioned(t.OwnerID, t.SourceModule, tr)
		log.Info().Str("task_id", t.ID).Str("from", string(tr.From)).Str("to", string(tr.To)).
			Str("reason", t.StatusReason).Msg("task status changed")
	}
	return t, nil
}

func (s *Tasks) Delete(ctx context.Context, id string) error {
	t, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.recorder.TaskDeleted(t)
	log.Info().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Msg("task deleted")
	return nil
}

// DeleteBatch deletes every id it can and returns the combined failures.
func (s *Tasks) DeleteBatch(ctx context.Context, ids []string) (deleted []string, err error) {
	for _, id := range ids {
		if derr := s.Delete(ctx, id); derr != nil {
			err = multierr.Append(err, fmt.Errorf("delete %s: %w", id, derr))
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, err
}

// DeleteBySource cascades the deletion of a feature entity to its tasks.
func (s *Tasks) DeleteBySource(ctx context.Context, module domain.SourceModule, entityID string) (int, error) {
	tasks, err := s.repo.FindBySource(ctx, module, entityID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	deleted, err := s.DeleteBatch(ctx, ids)
	return len(deleted), err
}

func (s *Tasks) ListDue(ctx context.Context, before time.Time, limit int) ([]domain.ScheduleTask, error) {
	return s.repo.ListDue(ctx, before, limit)
}
