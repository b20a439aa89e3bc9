package stats

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"chronoplan/internal/domain"
	"chronoplan/internal/store"
)

// Recorder receives fire-and-forget notifications. Implementations must not block.
type Recorder interface {
	TaskRegistered(t domain.ScheduleTask)
	TaskTransitioned(ownerID string, module domain.SourceModule, tr domain.Transition)
	TaskDeleted(t domain.ScheduleTask)
	ExecutionRecorded(e domain.Execution)
}

type kind int

const (
	kindRegistered kind = iota
	kindTransition
	kindDeleted
	kindExecution
	kindFlush
)

type update struct {
	kind    kind
	owner   string
	module  domain.SourceModule
	from    domain.Status
	to      domain.Status
	outcome domain.Outcome
	exec    domain.Execution
	flushed chan struct{}
}

// Aggregator keeps per-owner rollups in memory. Updates are folded by a
// single goroutine started with Run.
type Aggregator struct {
	tasks   store.TaskRepository
	updates chan update

	mu     sync.RWMutex
	owners map[string]*domain.Statistics

	dropped atomic.Int64
	drifted atomic.Int64
}

func New(tasks store.TaskRepository, buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Aggregator{
		tasks:   tasks,
		updates: make(chan update, buffer),
		owners:  map[string]*domain.Statistics{},
	}
}

// Run folds updates until ctx is done, then drains what is already queued.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		select {
		case u := <-a.updates:
			a.apply(u)
		case <-ctx.Done():
			for {
				select {
				case u := <-a.updates:
					a.apply(u)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Aggregator) publish(u update) {
	select {
	case a.updates <- u:
	default:
		n := a.dropped.Add(1)
		log.Warn().Str("owner_id", u.owner).Int64("dropped_total", n).Msg("statistics update dropped")
	}
}

func (a *Aggregator) TaskRegistered(t domain.ScheduleTask) {
	a.publish(update{kind: kindRegistered, owner: t.OwnerID, module: t.SourceModule, to: t.Status})
}

func (a *Aggregator) TaskTransitioned(ownerID string, module domain.SourceModule, tr domain.Transition) {
	if !tr.Changed() {
		return
	}
	a.publish(update{kind: kindTransition, owner: ownerID, module: module, from: tr.From, to: tr.To})
}

func (a *Aggregator) TaskDeleted(t domain.ScheduleTask) {
	a.publish(update{kind: kindDeleted, owner: t.OwnerID, module: t.SourceModule, from: t.Status})
}

func (a *Aggregator) ExecutionRecorded(e domain.Execution) {
	a.publish(update{kind: kindExecution, owner: e.OwnerID, module: e.SourceModule, exec: e})
}

// Flush blocks until every update queued before the call has been folded.
// It needs Run to be active.
func (a *Aggregator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case a.updates <- update{kind: kindFlush, flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many updates were discarded because the buffer was full.
func (a *Aggregator) Dropped() int64 { return a.dropped.Load() }

// Drifted reports how many folded updates found a counter already at zero.
// Transitions published from different goroutines can arrive out of order;
// a non-zero value means some owner needs Recalculate.
func (a *Aggregator) Drifted() int64 { return a.drifted.Load() }

func (a *Aggregator) apply(u update) {
	if u.kind == kindFlush {
		close(u.flushed)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.owners[u.owner]
	if !ok {
		s = domain.NewStatistics(u.owner)
		a.owners[u.owner] = s
	}
	if !fold(s, u) {
		n := a.drifted.Add(1)
		log.Warn().Str("owner_id", u.owner).Str("module", string(u.module)).Str("from", string(u.from)).
			Str("to", string(u.to)).Int64("drifted_total", n).
			Msg("statistics counter clamped at zero; recalculate owner")
	}
}

// fold returns false when a decrement had to be clamped.
func fold(s *domain.Statistics, u update) bool {
	ok := true
	buckets := []*domain.Counters{&s.Counters, s.Module(u.module)}
	for _, c := range buckets {
		switch u.kind {
		case kindRegistered:
			c.AddTask(u.to)
		case kindTransition:
			ok = c.MoveTask(u.from, u.to) && ok
		case kindDeleted:
			ok = c.RemoveTask(u.from) && ok
		case kindExecution:
			c.AddExecution(u.exec.Outcome, u.exec.Duration)
		}
	}
	return ok
}

// Get returns a snapshot of the owner's rollup; unknown owners get zeroes.
func (a *Aggregator) Get(ownerID string) *domain.Statistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.owners[ownerID]; ok {
		return s.Clone()
	}
	return domain.NewStatistics(ownerID)
}

func (a *Aggregator) GetModule(ownerID string, module domain.SourceModule) domain.Counters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.owners[ownerID]; ok {
		if c, ok := s.Modules[module]; ok {
			return *c
		}
	}
	return domain.Counters{}
}

// Recalculate rebuilds the owner's rollup from the task table and the
// execution log, replacing whatever was folded so far.
func (a *Aggregator) Recalculate(ctx context.Context, ownerID string) (*domain.Statistics, error) {
	tasks, err := a.tasks.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	execs, err := a.tasks.ListExecutions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s := Compute(ownerID, tasks, execs)

	a.mu.Lock()
	a.owners[ownerID] = s
	a.mu.Unlock()
	return s.Clone(), nil
}

// RecalculateAll rebuilds every owner known to the store.
func (a *Aggregator) RecalculateAll(ctx context.Context) error {
	owners, err := a.tasks.ListOwners(ctx)
	if err != nil {
		return err
	}
	for _, o := range owners {
		if _, err := a.Recalculate(ctx, o); err != nil {
			return err
		}
	}
	log.Info().Int("owners", len(owners)).Msg("statistics recalculated")
	return nil
}

// Compute folds current task statuses and the execution log into a fresh rollup.
func Compute(ownerID string, tasks []domain.ScheduleTask, execs []domain.Execution) *domain.Statistics {
	s := domain.NewStatistics(ownerID)
	for _, t := range tasks {
		fold(s, update{kind: kindRegistered, module: t.SourceModule, to: t.Status})
	}
	for _, e := range execs {
		fold(s, update{kind: kindExecution, module: e.SourceModule, exec: e})
	}
	return s
}
