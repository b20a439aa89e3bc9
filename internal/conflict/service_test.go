package conflict_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoplan/internal/conflict"
	"chronoplan/internal/domain"
	"chronoplan/internal/store"
)

var day = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func at(hh, mm int) time.Time { return day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute) }

func iv(h1, m1, h2, m2 int) domain.Interval { return domain.Interval{Start: at(h1, m1), End: at(h2, m2)} }

type fixture struct {
	repo store.EventRepository
	svc  *conflict.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := store.NewEventRepo(db)
	return &fixture{repo: repo, svc: conflict.NewService(repo).WithClock(func() time.Time { return day })}
}

func (f *fixture) seed(t *testing.T, id string, i domain.Interval) {
	t.Helper()
	_, err := f.repo.Insert(context.Background(), domain.CalendarEvent{
		ID: id, OwnerID: "u1", Title: id, StartTime: i.Start, EndTime: i.End, CreatedAt: day, UpdatedAt: day,
	})
	require.NoError(t, err)
}

func event(i domain.Interval) domain.CalendarEvent {
	return domain.CalendarEvent{OwnerID: "u1", Title: "candidate", StartTime: i.Start, EndTime: i.End}
}

func TestOverlapIsSymmetric(t *testing.T) {
	cases := []struct {
		a, b    domain.Interval
		overlap bool
	}{
		{iv(10, 0, 11, 0), iv(10, 30, 10, 45), true},
		{iv(10, 0, 11, 0), iv(11, 0, 12, 0), false},
		{iv(10, 0, 11, 0), iv(9, 0, 10, 0), false},
		{iv(10, 0, 11, 0), iv(9, 0, 10, 1), true},
		{iv(10, 0, 11, 0), iv(10, 0, 11, 0), true},
		{iv(10, 0, 11, 0), iv(8, 0, 12, 0), true},
	}
	for _, tc := range cases {
		t.Run(tc.a.String()+" "+tc.b.String(), func(t *testing.T) {
			assert.Equal(t, tc.overlap, tc.a.Overlaps(tc.b))
			assert.Equal(t, tc.overlap, tc.b.Overlaps(tc.a))

			f := newFixture(t)
			f.seed(t, "a", tc.a)
			f.seed(t, "b", tc.b)
			ab, err := f.svc.Detect(context.Background(), "u1", tc.a, "a")
			require.NoError(t, err)
			ba, err := f.svc.Detect(context.Background(), "u1", tc.b, "b")
			require.NoError(t, err)
			assert.Equal(t, tc.overlap, ab.HasConflicts())
			assert.Equal(t, tc.overlap, ba.HasConflicts())
		})
	}
}

func TestDetectExcludesSelfAndOtherOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "mine", iv(10, 0, 11, 0))
	_, err := f.repo.Insert(ctx, domain.CalendarEvent{ID: "theirs", OwnerID: "u2", StartTime: at(10, 0), EndTime: at(11, 0), CreatedAt: day, UpdatedAt: day})
	require.NoError(t, err)

	res, err := f.svc.Detect(ctx, "u1", iv(10, 0, 11, 0), "mine")
	require.NoError(t, err)
	assert.False(t, res.HasConflicts())

	res, err = f.svc.Detect(ctx, "u1", iv(10, 30, 12, 0), "")
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, at(10, 30), res.Conflicts[0].OverlapStart)
	assert.Equal(t, at(11, 0), res.Conflicts[0].OverlapEnd)

	_, err = f.svc.Detect(ctx, "u1", iv(11, 0, 10, 0), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInterval)
}

func TestCreateStrategies(t *testing.T) {
	cases := []struct {
		strategy domain.Strategy
		want     domain.Interval
	}{
		{domain.StrategyShrink, iv(10, 0, 10, 30)},
		{domain.StrategyShift, iv(10, 45, 11, 45)},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "existing", iv(10, 30, 10, 45))

			created, res, err := f.svc.CreateWithConflictCheck(context.Background(), event(iv(10, 0, 11, 0)), tc.strategy, false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, created.Interval())
			require.NotNil(t, res.Resolved)
			assert.Equal(t, tc.want, *res.Resolved)
			assert.Equal(t, []string{"existing"}, res.ConflictIDs())

			history, err := f.svc.History(context.Background(), created.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, iv(10, 0, 11, 0), history[0].Original)
			assert.Equal(t, tc.want, *history[0].Resulting)
			assert.True(t, history[0].Applied)
		})
	}
}

func TestShiftSkipsChainedEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", iv(10, 30, 10, 45))
	f.seed(t, "b", iv(10, 45, 11, 30))
	f.seed(t, "c", iv(12, 0, 13, 0))
	f.seed(t, "d", iv(14, 0, 15, 0))

	// [11:30,12:30) still hits c, so the first free hour starts when c ends.
	created, _, err := f.svc.CreateWithConflictCheck(context.Background(), event(iv(10, 0, 11, 0)), domain.StrategyShift, false)
	require.NoError(t, err)
	assert.Equal(t, iv(13, 0, 14, 0), created.Interval())
	assert.Equal(t, time.Hour, created.Interval().Duration())
}

func TestShrinkNotPossibleRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "early", iv(9, 30, 10, 15))

	_, res, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 0, 11, 0)), domain.StrategyShrink, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrShrinkNotPossible)
	assert.ErrorIs(t, err, domain.ErrConflict)
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"early"}, ce.Result.ConflictIDs())
	assert.Len(t, res.Conflicts, 1)

	all, err := f.svc.List(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRejectReturnsConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "x", iv(10, 30, 10, 45))
	f.seed(t, "y", iv(10, 50, 11, 30))

	_, _, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 0, 11, 0)), "", false)
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"x", "y"}, ce.Result.ConflictIDs())
	assert.Equal(t, domain.StrategyReject, ce.Result.Strategy)
}

func TestOverrideNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "old", iv(10, 30, 10, 45))

	_, _, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 0, 11, 0)), domain.StrategyOverride, false)
	assert.ErrorIs(t, err, domain.ErrConfirmationRequired)
	all, err := f.svc.List(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	created, _, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 0, 11, 0)), domain.StrategyOverride, true)
	require.NoError(t, err)
	assert.Equal(t, iv(10, 0, 11, 0), created.Interval())

	old, err := f.svc.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.EventSuperseded, old.Status)
	assert.Equal(t, created.ID, old.SupersededBy)

	res, err := f.svc.Detect(ctx, "u1", iv(10, 0, 11, 0), created.ID)
	require.NoError(t, err)
	assert.False(t, res.HasConflicts())
}

func TestResolveStoredEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "meeting", iv(10, 30, 10, 45))
	f.seed(t, "focus", iv(10, 0, 11, 0))

	_, _, err := f.svc.Resolve(ctx, "focus", domain.StrategyReject, false)
	assert.ErrorIs(t, err, domain.ErrConflict)

	updated, res, err := f.svc.Resolve(ctx, "focus", domain.StrategyShift, false)
	require.NoError(t, err)
	assert.Equal(t, iv(10, 45, 11, 45), updated.Interval())
	assert.Equal(t, "focus", res.ExcludeID)

	again, res, err := f.svc.Resolve(ctx, "focus", domain.StrategyShift, false)
	require.NoError(t, err)
	assert.False(t, res.HasConflicts())
	assert.Equal(t, updated.Interval(), again.Interval())

	history, err := f.svc.History(ctx, "focus")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Applied)
	assert.True(t, history[1].Applied)

	_, _, err = f.svc.Resolve(ctx, "missing", domain.StrategyShift, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnknownStrategyIsRejectedBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "x", iv(10, 0, 11, 0))

	_, _, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 30, 11, 30)), domain.Strategy("SQUEEZE"), false)
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
	var ce *domain.ConflictError
	assert.False(t, errors.As(err, &ce))

	_, _, err = f.svc.Resolve(ctx, "x", domain.Strategy("squeeze"), false)
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)

	for _, id := range []string{"", "x"} {
		audits, err := f.repo.ListResolutions(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, audits, "event %q", id)
	}
	all, err := f.svc.List(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = domain.ParseStrategy("squeeze")
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestCancelKeepsSupersededHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "old", iv(10, 0, 11, 0))

	created, _, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 0, 11, 0)), domain.StrategyOverride, true)
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	old, err := f.svc.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.EventSuperseded, old.Status)
	assert.Equal(t, created.ID, old.SupersededBy)

	require.NoError(t, f.svc.Cancel(ctx, created.ID))
	assert.ErrorIs(t, f.svc.Cancel(ctx, created.ID), domain.ErrInvalidStateTransition)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), domain.ErrNotFound)
}

func TestConcurrentCreatesNeverOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.CreateWithConflictCheck(ctx, event(iv(10, 0, 11, 0)), domain.StrategyReject, false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)

	all, err := f.svc.List(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
