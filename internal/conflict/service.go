package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chronoplan/internal/domain"
	"chronoplan/internal/store"
)

// Service detects overlaps between an owner's calendar events and applies
// resolution strategies. Detect-then-write runs under a per-owner lock inside
// a single store transaction.
type Service struct {
	events store.EventRepository
	locks  *ownerLocks
	now    func() time.Time
}

func NewService(events store.EventRepository) *Service {
	return &Service{
		events: events,
		locks:  newOwnerLocks(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Get(ctx context.Context, id string) (domain.CalendarEvent, error) {
	return s.events.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, ownerID string, from, to *time.Time) ([]domain.CalendarEvent, error) {
	return s.events.ListByOwner(ctx, ownerID, from, to)
}

func (s *Service) History(ctx context.Context, eventID string) ([]domain.Resolution, error) {
	if _, err := s.events.Get(ctx, eventID); err != nil {
		return nil, err
	}
	return s.events.ListResolutions(ctx, eventID)
}

// Detect reports the owner's ACTIVE events overlapping iv, skipping excludeID.
func (s *Service) Detect(ctx context.Context, ownerID string, iv domain.Interval, excludeID string) (domain.ConflictDetectionResult, error) {
	iv = domain.Interval{Start: truncate(iv.Start), End: truncate(iv.End)}
	if err := iv.Validate(); err != nil {
		return domain.ConflictDetectionResult{}, err
	}
	return detect(ctx, s.events, ownerID, iv, excludeID)
}

func detect(ctx context.Context, repo store.EventRepository, ownerID string, iv domain.Interval, excludeID string) (domain.ConflictDetectionResult, error) {
	existing, err := repo.ListOverlapping(ctx, ownerID, iv, excludeID)
	if err != nil {
		return domain.ConflictDetectionResult{}, fmt.Errorf("detect conflicts: %w", err)
	}
	res := domain.ConflictDetectionResult{OwnerID: ownerID, Candidate: iv, ExcludeID: excludeID, Conflicts: []domain.Conflict{}}
	for _, e := range existing {
		overlap := iv.Intersection(e.Interval())
		res.Conflicts = append(res.Conflicts, domain.Conflict{Event: e, OverlapStart: overlap.Start, OverlapEnd: overlap.End})
	}
	return res, nil
}

// CreateWithConflictCheck stores ev, applying strategy when it overlaps
// existing events. An empty strategy means REJECT.
func (s *Service) CreateWithConflictCheck(ctx context.Context, ev domain.CalendarEvent, strategy domain.Strategy, confirm bool) (domain.CalendarEvent, domain.ConflictDetectionResult, error) {
	if strategy == "" {
		strategy = domain.StrategyReject
	}
	if !strategy.Valid() {
		return domain.CalendarEvent{}, domain.ConflictDetectionResult{}, fmt.Errorf("%w %q", domain.ErrUnknownStrategy, strategy)
	}
	ev.StartTime, ev.EndTime = truncate(ev.StartTime), truncate(ev.EndTime)
	if err := ev.Validate(); err != nil {
		return domain.CalendarEvent{}, domain.ConflictDetectionResult{}, err
	}
	now := s.now()
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.NewString()
	}
	ev.Status = domain.EventActive
	ev.SupersededBy = ""
	ev.CreatedAt, ev.UpdatedAt = now, now

	unlock := s.locks.lock(ev.OwnerID)
	defer unlock()

	var (
		created   domain.CalendarEvent
		result    domain.ConflictDetectionResult
		rejection error
	)
	err := s.events.InTx(ctx, func(tx store.EventRepository) error {
		var err error
		result, err = detect(ctx, tx, ev.OwnerID, ev.Interval(), "")
		if err != nil {
			return err
		}
		if !result.HasConflicts() {
			created, err = tx.Insert(ctx, ev)
			return err
		}

		resolved, err := plan(ctx, tx, &result, strategy, confirm)
		if errors.Is(err, domain.ErrConfirmationRequired) {
			return err
		}
		if err != nil {
			rejection = err
			return audit(ctx, tx, "", result, strategy, nil, now)
		}

		ev.StartTime, ev.EndTime = resolved.Start, resolved.End
		if created, err = tx.Insert(ctx, ev); err != nil {
			return err
		}
		if strategy == domain.StrategyOverride {
			if err := tx.Supersede(ctx, result.ConflictIDs(), created.ID, now); err != nil {
				return err
			}
		}
		return audit(ctx, tx, created.ID, result, strategy, &resolved, now)
	})
	if err != nil {
		return domain.CalendarEvent{}, result, err
	}
	if rejection != nil {
		log.Info().Str("owner_id", ev.OwnerID).Str("strategy", string(strategy)).Int("conflicts", len(result.Conflicts)).
			Msg("calendar event rejected")
		return domain.CalendarEvent{}, result, rejection
	}
	if result.HasConflicts() {
		log.Info().Str("event_id", created.ID).Str("owner_id", created.OwnerID).Str("strategy", string(strategy)).
			Str("interval", created.Interval().String()).Msg("calendar conflict resolved on create")
	}
	return created, result, nil
}

// Resolve re-detects overlaps for a stored event and applies strategy to it.
func (s *Service) Resolve(ctx context.Context, eventID string, strategy domain.Strategy, confirm bool) (domain.CalendarEvent, domain.ConflictDetectionResult, error) {
	if strategy == "" {
		strategy = domain.StrategyReject
	}
	if !strategy.Valid() {
		return domain.CalendarEvent{}, domain.ConflictDetectionResult{}, fmt.Errorf("%w %q", domain.ErrUnknownStrategy, strategy)
	}
	stored, err := s.events.Get(ctx, eventID)
	if err != nil {
		return domain.CalendarEvent{}, domain.ConflictDetectionResult{}, err
	}

	unlock := s.locks.lock(stored.OwnerID)
	defer unlock()

	var (
		updated   domain.CalendarEvent
		result    domain.ConflictDetectionResult
		rejection error
	)
	err = s.events.InTx(ctx, func(tx store.EventRepository) error {
		ev, err := tx.Get(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Status != domain.EventActive {
			return fmt.Errorf("%w: event %s is %s", domain.ErrInvalidStateTransition, ev.ID, ev.Status)
		}
		result, err = detect(ctx, tx, ev.OwnerID, ev.Interval(), ev.ID)
		if err != nil {
			return err
		}
		updated = ev
		if !result.HasConflicts() {
			return nil
		}

		now := s.now()
		resolved, err := plan(ctx, tx, &result, strategy, confirm)
		if errors.Is(err, domain.ErrConfirmationRequired) {
			return err
		}
		if err != nil {
			rejection = err
			return audit(ctx, tx, ev.ID, result, strategy, nil, now)
		}

		if !resolved.Start.Equal(ev.StartTime) || !resolved.End.Equal(ev.EndTime) {
			if err := tx.UpdateInterval(ctx, ev.ID, resolved, now); err != nil {
				return err
			}
			updated.StartTime, updated.EndTime, updated.UpdatedAt = resolved.Start, resolved.End, now
		}
		if strategy == domain.StrategyOverride {
			if err := tx.Supersede(ctx, result.ConflictIDs(), ev.ID, now); err != nil {
				return err
			}
		}
		return audit(ctx, tx, ev.ID, result, strategy, &resolved, now)
	})
	if err != nil {
		return domain.CalendarEvent{}, result, err
	}
	if rejection != nil {
		return updated, result, rejection
	}
	if result.HasConflicts() {
		log.Info().Str("event_id", updated.ID).Str("owner_id", updated.OwnerID).Str("strategy", string(strategy)).
			Str("interval", updated.Interval().String()).Msg("calendar conflict resolved")
	}
	return updated, result, nil
}

// Cancel soft-deletes an event so it no longer takes part in detection.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.events.Cancel(ctx, id, s.now())
}

// plan computes the interval strategy yields for res.Candidate and records it
// on res. Rejections come back as *domain.ConflictError.
func plan(ctx context.Context, repo store.EventRepository, res *domain.ConflictDetectionResult, strategy domain.Strategy, confirm bool) (domain.Interval, error) {
	res.Strategy = strategy
	iv := res.Candidate
	switch strategy {
	case domain.StrategyReject:
		return domain.Interval{}, &domain.ConflictError{Result: *res}

	case domain.StrategyOverride:
		if !confirm {
			return domain.Interval{}, domain.ErrConfirmationRequired
		}

	case domain.StrategyShrink:
		end := res.Conflicts[0].Event.StartTime
		for _, c := range res.Conflicts[1:] {
			if c.Event.StartTime.Before(end) {
				end = c.Event.StartTime
			}
		}
		if !iv.Start.Before(end) {
			return domain.Interval{}, &domain.ConflictError{Result: *res, Reason: domain.ErrShrinkNotPossible}
		}
		iv.End = end

	case domain.StrategyShift:
		shifted, err := shift(ctx, repo, res.OwnerID, iv, res.ExcludeID)
		if err != nil {
			return domain.Interval{}, err
		}
		iv = shifted

	default:
		return domain.Interval{}, fmt.Errorf("%w %q", domain.ErrUnknownStrategy, strategy)
	}
	res.Resolved = &iv
	return iv, nil
}

// shift moves iv forward, keeping its duration, to the earliest start at which
// it overlaps none of the owner's events. Each step jumps to the latest end
// among the current overlaps, so the start strictly increases.
func shift(ctx context.Context, repo store.EventRepository, ownerID string, iv domain.Interval, excludeID string) (domain.Interval, error) {
	d := iv.Duration()
	for {
		overlapping, err := repo.ListOverlapping(ctx, ownerID, iv, excludeID)
		if err != nil {
			return domain.Interval{}, err
		}
		if len(overlapping) == 0 {
			return iv, nil
		}
		next := iv.Start
		for _, e := range overlapping {
			if e.EndTime.After(next) {
				next = e.EndTime
			}
		}
		iv = domain.Interval{Start: next, End: next.Add(d)}
	}
}

// Events are stored with millisecond precision.
func truncate(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func audit(ctx context.Context, repo store.EventRepository, eventID string, res domain.ConflictDetectionResult, strategy domain.Strategy, resulting *domain.Interval, now time.Time) error {
	_, err := repo.InsertResolution(ctx, domain.Resolution{
		EventID:     eventID,
		OwnerID:     res.OwnerID,
		Strategy:    strategy,
		Original:    res.Candidate,
		Resulting:   resulting,
		ConflictIDs: res.ConflictIDs(),
		Applied:     resulting != nil,
		CreatedAt:   now,
	})
	return err
}
