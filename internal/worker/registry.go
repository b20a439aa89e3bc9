package worker

import (
	"context"
	"sort"
	"sync"

	"chronoplan/internal/domain"
)

// Executor runs the work behind a task. ctx carries the run deadline.
// A returned error means FAILURE; wrap it with domain.NoRetry to make it permanent.
type Executor interface {
	Execute(ctx context.Context, p domain.Payload) (domain.Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, p domain.Payload) (domain.Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, p domain.Payload) (domain.Outcome, error) {
	return f(ctx, p)
}

// Registry maps source modules to their executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.SourceModule]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[domain.SourceModule]Executor{}}
}

// Register replaces any executor already bound to m.
func (r *Registry) Register(m domain.SourceModule, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[m] = e
}

func (r *Registry) Lookup(m domain.SourceModule) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[m]
	return e, ok
}

func (r *Registry) Modules() []domain.SourceModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SourceModule, 0, len(r.executors))
	for m := range r.executors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
