package domain

import "time"

// Counters is one rollup bucket. All durations are milliseconds so that
// incremental folding and recomputation agree exactly.
type Counters struct {
	TotalTasks     int64 `json:"total_tasks"`
	ActiveTasks    int64 `json:"active_tasks"`
	PausedTasks    int64 `json:"paused_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	CancelledTasks int64 `json:"cancelled_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`

	TotalExecutions      int64 `json:"total_executions"`
	SuccessfulExecutions int64 `json:"successful_executions"`
	FailedExecutions     int64 `json:"failed_executions"`
	SkippedExecutions    int64 `json:"skipped_executions"`
	TimeoutExecutions    int64 `json:"timeout_executions"`

	MinDurationMs int64 `json:"min_duration_ms"`
	MaxDurationMs int64 `json:"max_duration_ms"`
	AvgDurationMs int64 `json:"avg_duration_ms"`
	SumDurationMs int64 `json:"sum_duration_ms"`
}

func (c *Counters) statusSlot(s Status) *int64 {
	switch s {
	case StatusActive:
		return &c.ActiveTasks
	case StatusPaused:
		return &c.PausedTasks
	case StatusCompleted:
		return &c.CompletedTasks
	case StatusCancelled:
		return &c.CancelledTasks
	case StatusFailed:
		return &c.FailedTasks
	}
	return nil
}

func (c *Counters) AddTask(s Status) {
	c.TotalTasks++
	if p := c.statusSlot(s); p != nil {
		*p++
	}
}

// RemoveTask reports false when a counter was already zero and had to be
// clamped, which means the bucket has drifted from the stored tasks.
func (c *Counters) RemoveTask(s Status) bool {
	ok := decrement(&c.TotalTasks)
	if p := c.statusSlot(s); p != nil {
		ok = decrement(p) && ok
	}
	return ok
}

// MoveTask reports false when the from counter was already zero.
func (c *Counters) MoveTask(from, to Status) bool {
	if from == to {
		return true
	}
	ok := true
	if p := c.statusSlot(from); p != nil {
		ok = decrement(p)
	}
	if p := c.statusSlot(to); p != nil {
		*p++
	}
	return ok
}

func decrement(p *int64) bool {
	if *p <= 0 {
		return false
	}
	*p--
	return true
}

func (c *Counters) AddExecution(o Outcome, d time.Duration) {
	switch o {
	case OutcomeSuccess:
		c.SuccessfulExecutions++
	case OutcomeFailure:
		c.FailedExecutions++
	case OutcomeSkipped:
		c.SkippedExecutions++
	case OutcomeTimeout:
		c.TimeoutExecutions++
	default:
		return
	}
	ms := d.Milliseconds()
	if c.TotalExecutions == 0 || ms < c.MinDurationMs {
		c.MinDurationMs = ms
	}
	if ms > c.MaxDurationMs {
		c.MaxDurationMs = ms
	}
	c.TotalExecutions++
	c.SumDurationMs += ms
	c.AvgDurationMs = c.SumDurationMs / c.TotalExecutions
}

// Statistics is the per-owner rollup with a per-module breakdown.
type Statistics struct {
	OwnerID string `json:"owner_id"`
	Counters
	Modules map[SourceModule]*Counters `json:"modules"`
}

// NewStatistics returns an empty rollup with a zeroed bucket per module.
func NewStatistics(owner string) *Statistics {
	s := &Statistics{OwnerID: owner, Modules: make(map[SourceModule]*Counters, len(AllModules))}
	for _, m := range AllModules {
		s.Modules[m] = &Counters{}
	}
	return s
}

func (s *Statistics) Module(m SourceModule) *Counters {
	c, ok := s.Modules[m]
	if !ok {
		c = &Counters{}
		s.Modules[m] = c
	}
	return c
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *Statistics) Clone() *Statistics {
	out := &Statistics{OwnerID: s.OwnerID, Counters: s.Counters, Modules: make(map[SourceModule]*Counters, len(s.Modules))}
	for m, c := range s.Modules {
		cc := *c
		out.Modules[m] = &cc
	}
	return out
}
