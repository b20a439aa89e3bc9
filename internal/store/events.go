package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chronoplan/internal/domain"
)

// EventRepository persists calendar events and the resolution audit trail.
type EventRepository interface {
	// InTx runs fn with a repository bound to a single transaction.
	InTx(ctx context.Context, fn func(EventRepository) error) error

	Get(ctx context.Context, id string) (domain.CalendarEvent, error)
	// ListOverlapping returns the owner's ACTIVE events overlapping iv, ordered
	// by start time. excludeID is skipped when non-empty.
	ListOverlapping(ctx context.Context, ownerID string, iv domain.Interval, excludeID string) ([]domain.CalendarEvent, error)
	ListByOwner(ctx context.Context, ownerID string, from, to *time.Time) ([]domain.CalendarEvent, error)
	Insert(ctx context.Context, e domain.CalendarEvent) (domain.CalendarEvent, error)
	UpdateInterval(ctx context.Context, id string, iv domain.Interval, now time.Time) error
	Supersede(ctx context.Context, ids []string, by string, now time.Time) error
	Cancel(ctx context.Context, id string, now time.Time) error

	InsertResolution(ctx context.Context, r domain.Resolution) (domain.Resolution, error)
	ListResolutions(ctx context.Context, eventID string) ([]domain.Resolution, error)
}

type sqliteEventRepo struct {
	db *sql.DB
	q  dbtx
}

func NewEventRepo(db *sql.DB) EventRepository { return &sqliteEventRepo{db: db, q: db} }

func (r *sqliteEventRepo) InTx(ctx context.Context, fn func(EventRepository) error) error {
	if _, nested := r.q.(*sql.Tx); nested {
		return fn(r)
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&sqliteEventRepo{db: r.db, q: tx})
	})
}

const eventColumns = `id,owner_id,title,start_time,end_time,source_task_id,status,superseded_by,created_at,updated_at`

func scanEvent(sc scanner) (domain.CalendarEvent, error) {
	var (
		e                      domain.CalendarEvent
		start, end, cAt, uAt   int64
		status                 string
		sourceTask, supersedBy sql.NullString
	)
	err := sc.Scan(&e.ID, &e.OwnerID, &e.Title, &start, &end, &sourceTask, &status, &supersedBy, &cAt, &uAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CalendarEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CalendarEvent{}, err
	}
	e.StartTime, e.EndTime = fromMs(start), fromMs(end)
	e.SourceTaskID = sourceTask.String
	e.SupersededBy = supersedBy.String
	e.Status = domain.EventStatus(status)
	e.CreatedAt, e.UpdatedAt = fromMs(cAt), fromMs(uAt)
	return e, nil
}

func (r *sqliteEventRepo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.CalendarEvent, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqliteEventRepo) Get(ctx context.Context, id string) (domain.CalendarEvent, error) {
	return scanEvent(r.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id=?`, id))
}

func (r *sqliteEventRepo) ListOverlapping(ctx context.Context, ownerID string, iv domain.Interval, excludeID string) ([]domain.CalendarEvent, error) {
	return r.queryEvents(ctx, `
SELECT `+eventColumns+`
FROM calendar_events
WHERE owner_id=? AND status='ACTIVE' AND start_time < ? AND end_time > ? AND id <> ?
ORDER BY start_time, id`, ownerID, ms(iv.End), ms(iv.Start), excludeID)
}

func (r *sqliteEventRepo) ListByOwner(ctx context.Context, ownerID string, from, to *time.Time) ([]domain.CalendarEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM calendar_events WHERE owner_id=?`
	args := []any{ownerID}
	if from != nil {
		q += ` AND end_time > ?`
		args = append(args, ms(*from))
	}
	if to != nil {
		q += ` AND start_time < ?`
		args = append(args, ms(*to))
	}
	q += ` ORDER BY start_time, id`
	return r.queryEvents(ctx, q, args...)
}

func (r *sqliteEventRepo) Insert(ctx context.Context, e domain.CalendarEvent) (domain.CalendarEvent, error) {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.EventActive
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO calendar_events (`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OwnerID, e.Title, ms(e.StartTime), ms(e.EndTime), nullStr(e.SourceTaskID), string(e.Status),
		nullStr(e.SupersededBy), ms(e.CreatedAt), ms(e.UpdatedAt))
	if err != nil {
		return domain.CalendarEvent{}, err
	}
	return e, nil
}

func (r *sqliteEventRepo) UpdateInterval(ctx context.Context, id string, iv domain.Interval, now time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE calendar_events SET start_time=?, end_time=?, updated_at=? WHERE id=?`,
		ms(iv.Start), ms(iv.End), ms(now), id)
	return expectOne(res, err)
}

func (r *sqliteEventRepo) Supersede(ctx context.Context, ids []string, by string, now time.Time) error {
	for _, id := range ids {
		_, err := r.q.ExecContext(ctx, `
UPDATE calendar_events SET status='SUPERSEDED', superseded_by=?, updated_at=?
WHERE id=? AND status='ACTIVE'`, by, ms(now), id)
		if err != nil {
			return err
		}
	}
	return nil
}

// Cancel applies only to ACTIVE events; superseded and cancelled ones keep their history.
func (r *sqliteEventRepo) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE calendar_events SET status='CANCELLED', updated_at=? WHERE id=? AND status='ACTIVE'`, ms(now), id)
	err = expectOne(res, err)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	ev, gerr := r.Get(ctx, id)
	if gerr != nil {
		return gerr
	}
	return fmt.Errorf("%w: event %s is %s", domain.ErrInvalidStateTransition, id, ev.Status)
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteEventRepo) InsertResolution(ctx context.Context, res domain.Resolution) (domain.Resolution, error) {
	if res.ID == "" {
		res.ID = "res_" + uuid.NewString()
	}
	ids := res.ConflictIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return domain.Resolution{}, err
	}
	var rs, re sql.NullInt64
	if res.Resulting != nil {
		rs = sql.NullInt64{Int64: ms(res.Resulting.Start), Valid: true}
		re = sql.NullInt64{Int64: ms(res.Resulting.End), Valid: true}
	}
	_, err = r.q.ExecContext(ctx, `
INSERT INTO conflict_resolutions (id,event_id,owner_id,strategy,original_start,original_end,resulting_start,resulting_end,conflict_ids,applied,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		res.ID, nullStr(res.EventID), res.OwnerID, string(res.Strategy), ms(res.Original.Start), ms(res.Original.End),
		rs, re, string(idsJSON), res.Applied, ms(res.CreatedAt))
	if err != nil {
		return domain.Resolution{}, err
	}
	return res, nil
}

func (r *sqliteEventRepo) ListResolutions(ctx context.Context, eventID string) ([]domain.Resolution, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT id,event_id,owner_id,strategy,original_start,original_end,resulting_start,resulting_end,conflict_ids,applied,created_at
FROM conflict_resolutions WHERE event_id=? ORDER BY created_at, rowid`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Resolution
	for rows.Next() {
		var (
			res           domain.Resolution
			eventRef      sql.NullString
			strategy, ids string
			oStart, oEnd  int64
			cAt           int64
			rs, re        sql.NullInt64
		)
		if err := rows.Scan(&res.ID, &eventRef, &res.OwnerID, &strategy, &oStart, &oEnd, &rs, &re, &ids, &res.Applied, &cAt); err != nil {
			return nil, err
		}
		res.EventID = eventRef.String
		res.Strategy = domain.Strategy(strategy)
		res.Original = domain.Interval{Start: fromMs(oStart), End: fromMs(oEnd)}
		if rs.Valid && re.Valid {
			res.Resulting = &domain.Interval{Start: fromMs(rs.Int64), End: fromMs(re.Int64)}
		}
		if err := json.Unmarshal([]byte(ids), &res.ConflictIDs); err != nil {
			return nil, err
		}
		res.CreatedAt = fromMs(cAt)
		out = append(out, res)
	}
	return out, rows.Err()
}
