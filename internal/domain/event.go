package domain

import (
	"fmt"
	"strings"
	"time"
)

type EventStatus string

const (
	EventActive     EventStatus = "ACTIVE"
	EventCancelled  EventStatus = "CANCELLED"
	EventSuperseded EventStatus = "SUPERSEDED"
)

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Validate() error {
	if !i.Start.Before(i.End) {
		return ErrInvalidInterval
	}
	return nil
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Overlaps is symmetric: [s1,e1) and [s2,e2) overlap iff s1 < e2 and s2 < e1.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Intersection is only meaningful when Overlaps reports true.
func (i Interval) Intersection(o Interval) Interval {
	out := i
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

type CalendarEvent struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"owner_id"`
	Title        string      `json:"title"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      time.Time   `json:"end_time"`
	SourceTaskID string      `json:"source_task_id,omitempty"`
	Status       EventStatus `json:"status"`
	SupersededBy string      `json:"superseded_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (e *CalendarEvent) Interval() Interval { return Interval{Start: e.StartTime, End: e.EndTime} }

func (e *CalendarEvent) Validate() error {
	if strings.TrimSpace(e.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidInterval)
	}
	return e.Interval().Validate()
}

// Conflict is one existing event overlapping the candidate.
type Conflict struct {
	Event        CalendarEvent `json:"event"`
	OverlapStart time.Time     `json:"overlap_start"`
	OverlapEnd   time.Time     `json:"overlap_end"`
}

type Strategy string

const (
	StrategyShift    Strategy = "SHIFT"
	StrategyShrink   Strategy = "SHRINK"
	StrategyOverride Strategy = "OVERRIDE"
	StrategyReject   Strategy = "REJECT"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyShift, StrategyShrink, StrategyOverride, StrategyReject:
		return true
	}
	return false
}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToUpper(strings.TrimSpace(s)))
	if st == "" {
		return StrategyReject, nil
	}
	if !st.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

type ConflictDetectionResult struct {
	OwnerID   string     `json:"owner_id"`
	Candidate Interval   `json:"candidate"`
	ExcludeID string     `json:"exclude_id,omitempty"`
	Conflicts []Conflict `json:"conflicts"`

	// Set only when resolution was requested.
	Strategy Strategy  `json:"strategy,omitempty"`
	Resolved *Interval `json:"resolved,omitempty"`
}

func (r ConflictDetectionResult) HasConflicts() bool { return len(r.Conflicts) > 0 }

func (r ConflictDetectionResult) ConflictIDs() []string {
	ids := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		ids = append(ids, c.Event.ID)
	}
	return ids
}

// Resolution is the audit record of an applied or refused strategy.
type Resolution struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Strategy    Strategy  `json:"strategy"`
	Original    Interval  `json:"original"`
	Resulting   *Interval `json:"resulting,omitempty"`
	ConflictIDs []string  `json:"conflict_ids"`
	Applied     bool      `json:"applied"`
	CreatedAt   time.Time `json:"created_at"`
}
