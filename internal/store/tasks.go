package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chronoplan/internal/domain"
)

// TaskRepository persists ScheduleTasks and their execution log.
type TaskRepository interface {
	// Create inserts t unless a task for the same source entity exists, in which
	// case the existing task is returned with created=false.
	Create(ctx context.Context, t domain.ScheduleTask) (stored domain.ScheduleTask, created bool, err error)
	Get(ctx context.Context, id string) (domain.ScheduleTask, error)
	// Mutate runs fn against the current row inside a transaction and writes the result back.
	Mutate(ctx context.Context, id string, fn func(t *domain.ScheduleTask) error) (domain.ScheduleTask, error)
	Delete(ctx context.Context, id string) (domain.ScheduleTask, error)
	FindBySource(ctx context.Context, module domain.SourceModule, entityID string) ([]domain.ScheduleTask, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.ScheduleTask, error)
	ListOwners(ctx context.Context) ([]string, error)

	// ListDue returns unclaimed, enabled, ACTIVE tasks with next_run_at <= before,
	// earliest first, ties by id.
	ListDue(ctx context.Context, before time.Time, limit int) ([]domain.ScheduleTask, error)
	// Claim marks a task in flight; false means another caller holds it or it is
	// no longer runnable or no longer due at now.
	Claim(ctx context.Context, id, claimant string, now time.Time) (bool, error)
	// ReleaseStaleClaims clears every claim taken before claimedBefore.
	ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int, error)
	// ReleaseExpiredClaims clears claims whose lease has run out. A lease lasts
	// max(task timeout, minTimeout) plus grace from claimed_at.
	ReleaseExpiredClaims(ctx context.Context, now time.Time, minTimeout, grace time.Duration) (int, error)
	// CommitRun records exec and, if claimant still holds the claim and apply
	// returns true, persists the mutated task and releases the claim. When claimant
	// no longer holds the claim only exec is written and ErrClaimLost is returned.
	CommitRun(ctx context.Context, claimant string, exec domain.Execution, apply func(t *domain.ScheduleTask) (bool, error)) (domain.ScheduleTask, error)
	ListExecutions(ctx context.Context, ownerID string) ([]domain.Execution, error)
}

type sqliteTaskRepo struct{ db *sql.DB }

func NewTaskRepo(db *sql.DB) TaskRepository { return &sqliteTaskRepo{db: db} }

const taskColumns = `id,owner_id,name,description,source_module,source_entity_id,status,enabled,cron_expr,timezone,
start_date,end_date,max_executions,next_run_at,last_run_at,execution_count,last_execution_status,last_execution_duration_ms,
last_error,paused_run_at,max_retries,initial_delay_ms,max_delay_ms,backoff_multiplier,retry_on,consecutive_failures,
payload,tags,priority,timeout_ms,status_reason,claimed_by,claimed_at,created_at,updated_at`

func (r *sqliteTaskRepo) Create(ctx context.Context, t domain.ScheduleTask) (domain.ScheduleTask, bool, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	var out domain.ScheduleTask
	created := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		existing, err := findBySource(ctx, tx, t.SourceModule, t.SourceEntityID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing[0]
			return nil
		}
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		out, created = t, true
		return nil
	})
	if isUniqueViolation(err) {
		// Lost a registration race; the winner's row is authoritative.
		existing, ferr := findBySource(ctx, r.db, t.SourceModule, t.SourceEntityID)
		if ferr == nil && len(existing) > 0 {
			return existing[0], false, nil
		}
	}
	if err != nil {
		return domain.ScheduleTask{}, false, err
	}
	return out, created, nil
}

func insertTask(ctx context.Context, q dbtx, t domain.ScheduleTask) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO schedule_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func taskArgs(t domain.ScheduleTask) ([]any, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	var maxExec sql.NullInt64
	if t.MaxExecutions != nil {
		maxExec = sql.NullInt64{Int64: int64(*t.MaxExecutions), Valid: true}
	}
	retryOn := make([]string, 0, len(t.Retry.RetryOn))
	for _, o := range t.Retry.RetryOn {
		retryOn = append(retryOn, string(o))
	}
	return []any{
		t.ID, t.OwnerID, t.Name, t.Description, string(t.SourceModule), t.SourceEntityID, string(t.Status), t.Enabled,
		t.CronExpr, t.Timezone, ms(t.StartDate), nullMs(t.EndDate), maxExec, nullMs(t.NextRunAt), nullMs(t.LastRunAt),
		t.ExecutionCount, string(t.LastExecutionStatus), t.LastExecutionDuration.Milliseconds(), t.LastError,
		nullMs(t.PausedRunAt), t.Retry.MaxRetries, t.Retry.InitialDelay.Milliseconds(), t.Retry.MaxDelay.Milliseconds(),
		t.Retry.BackoffMultiplier, strings.Join(retryOn, ","), t.ConsecutiveFailures, payload, string(tagsJSON),
		t.Priority, t.Timeout.Milliseconds(), t.StatusReason, nullStr(t.ClaimedBy), nullMs(t.ClaimedAt),
		ms(t.CreatedAt), ms(t.UpdatedAt),
	}, nil
}

func scanTask(sc scanner) (domain.ScheduleTask, error) {
	var (
		t                                          domain.ScheduleTask
		module, status, lastStatus, retryOn, tags  string
		startDate, lastDurMs, initMs, maxMs, toMs  int64
		createdAt, updatedAt                       int64
		endDate, nextRun, lastRun, pausedAt, claAt sql.NullInt64
		maxExec                                    sql.NullInt64
		claimedBy                                  sql.NullString
		payload                                    []byte
	)
	err := sc.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &module, &t.SourceEntityID, &status, &t.Enabled,
		&t.CronExpr, &t.Timezone, &startDate, &endDate, &maxExec, &nextRun, &lastRun, &t.ExecutionCount, &lastStatus,
		&lastDurMs, &t.LastError, &pausedAt, &t.Retry.MaxRetries, &initMs, &maxMs, &t.Retry.BackoffMultiplier, &retryOn,
		&t.ConsecutiveFailures, &payload, &tags, &t.Priority, &toMs, &t.StatusReason, &claimedBy, &claAt,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleTask{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScheduleTask{}, err
	}
	t.SourceModule = domain.SourceModule(module)
	t.Status = domain.Status(status)
	t.LastExecutionStatus = domain.Outcome(lastStatus)
	t.StartDate = fromMs(startDate)
	t.EndDate = timePtr(endDate)
	if maxExec.Valid {
		n := int(maxExec.Int64)
		t.MaxExecutions = &n
	}
	t.NextRunAt = timePtr(nextRun)
	t.LastRunAt = timePtr(lastRun)
	t.PausedRunAt = timePtr(pausedAt)
	t.LastExecutionDuration = time.Duration(lastDurMs) * time.Millisecond
	t.Retry.InitialDelay = time.Duration(initMs) * time.Millisecond
	t.Retry.MaxDelay = time.Duration(maxMs) * time.Millisecond
	for _, o := range strings.Split(retryOn, ",") {
		if o = strings.TrimSpace(o); o != "" {
			t.Retry.RetryOn = append(t.Retry.RetryOn, domain.Outcome(o))
		}
	}
	t.Timeout = time.Duration(toMs) * time.Millisecond
	if claimedBy.Valid {
		t.ClaimedBy = claimedBy.String
	}
	t.ClaimedAt = timePtr(claAt)
	t.CreatedAt = fromMs(createdAt)
	t.UpdatedAt = fromMs(updatedAt)
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return domain.ScheduleTask{}, fmt.Errorf("decode payload of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return domain.ScheduleTask{}, fmt.Errorf("decode tags of %s: %w", t.ID, err)
	}
	return t, nil
}

func queryTasks(ctx context.Context, q dbtx, query string, args ...any) ([]domain.ScheduleTask, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduleTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func getTask(ctx context.Context, q dbtx, id string) (domain.ScheduleTask, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM schedule_tasks WHERE id=?`, id))
}

func findBySource(ctx context.Context, q dbtx, module domain.SourceModule, entityID string) ([]domain.ScheduleTask, error) {
	return queryTasks(ctx, q, `SELECT `+taskColumns+` FROM schedule_tasks WHERE source_module=? AND source_entity_id=? ORDER BY created_at, rowid`,
		string(module), entityID)
}

func (r *sqliteTaskRepo) Get(ctx context.Context, id string) (domain.ScheduleTask, error) {
	return getTask(ctx, r.db, id)
}

func (r *sqliteTaskRepo) Mutate(ctx context.Context, id string, fn func(t *domain.ScheduleTask) error) (domain.ScheduleTask, error) {
	var out domain.ScheduleTask
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// updateTask rewrites every mutable column; identity and origin never change.
func updateTask(ctx context.Context, q dbtx, t domain.ScheduleTask) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
UPDATE schedule_tasks SET
  status=?, enabled=?, next_run_at=?, last_run_at=?, execution_count=?, last_execution_status=?,
  last_execution_duration_ms=?, last_error=?, paused_run_at=?, consecutive_failures=?, status_reason=?,
  claimed_by=?, claimed_at=?, updated_at=?
WHERE id=?`,
		args[6], args[7], args[13], args[14], args[15], args[16],
		args[17], args[18], args[19], args[25], args[30],
		args[31], args[32], args[34],
		t.ID)
	return err
}

func (r *sqliteTaskRepo) Delete(ctx context.Context, id string) (domain.ScheduleTask, error) {
	var out domain.ScheduleTask
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_tasks WHERE id=?`, id); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (r *sqliteTaskRepo) FindBySource(ctx context.Context, module domain.SourceModule, entityID string) ([]domain.ScheduleTask, error) {
	return findBySource(ctx, r.db, module, entityID)
}

func (r *sqliteTaskRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.ScheduleTask, error) {
	return queryTasks(ctx, r.db, `SELECT `+taskColumns+` FROM schedule_tasks WHERE owner_id=? ORDER BY created_at, rowid`, ownerID)
}

func (r *sqliteTaskRepo) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT owner_id FROM schedule_tasks
UNION
SELECT owner_id FROM task_executions
ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (r *sqliteTaskRepo) ListDue(ctx context.Context, before time.Time, limit int) ([]domain.ScheduleTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTasks(ctx, r.db, `
SELECT `+taskColumns+`
FROM schedule_tasks
WHERE enabled=1 AND status='ACTIVE' AND next_run_at IS NOT NULL AND next_run_at <= ? AND claimed_by IS NULL
ORDER BY next_run_at ASC, id ASC
LIMIT ?`, ms(before), limit)
}

func (r *sqliteTaskRepo) Claim(ctx context.Context, id, claimant string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_tasks SET claimed_by=?, claimed_at=?
WHERE id=? AND status='ACTIVE' AND enabled=1 AND claimed_by IS NULL
  AND next_run_at IS NOT NULL AND next_run_at <= ?`, claimant, ms(now), id, ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteTaskRepo) ReleaseStaleClaims(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_tasks SET claimed_by=NULL, claimed_at=NULL
WHERE claimed_by IS NOT NULL AND claimed_at < ?`, ms(claimedBefore))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteTaskRepo) ReleaseExpiredClaims(ctx context.Context, now time.Time, minTimeout, grace time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_tasks SET claimed_by=NULL, claimed_at=NULL
WHERE claimed_by IS NOT NULL AND claimed_at + MAX(timeout_ms, ?) + ? < ?`,
		minTimeout.Milliseconds(), grace.Milliseconds(), ms(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteTaskRepo) CommitRun(ctx context.Context, claimant string, exec domain.Execution, apply func(t *domain.ScheduleTask) (bool, error)) (domain.ScheduleTask, error) {
	if exec.ID == "" {
		exec.ID = "exe_" + uuid.NewString()
	}
	var (
		out  domain.ScheduleTask
		lost bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertExecution(ctx, tx, exec); err != nil {
			return err
		}
		t, err := getTask(ctx, tx, exec.TaskID)
		if errors.Is(err, domain.ErrNotFound) {
			// Deleted while in flight: keep the log row, nothing to update.
			return nil
		}
		if err != nil {
			return err
		}
		out = t
		if t.ClaimedBy != claimant {
			lost = true
			return nil
		}
		persist, err := apply(&t)
		if err != nil {
			return err
		}
		t.ClaimedBy, t.ClaimedAt = "", nil
		if persist {
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `UPDATE schedule_tasks SET claimed_by=NULL, claimed_at=NULL WHERE id=?`, t.ID); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err == nil && lost {
		return out, fmt.Errorf("task %s claimed by %q, not %q: %w", exec.TaskID, out.ClaimedBy, claimant, domain.ErrClaimLost)
	}
	if err != nil {
		return domain.ScheduleTask{}, err
	}
	if out.ID == "" {
		return domain.ScheduleTask{}, fmt.Errorf("task %s: %w", exec.TaskID, domain.ErrNotFound)
	}
	return out, nil
}

func insertExecution(ctx context.Context, q dbtx, e domain.Execution) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO task_executions (id,task_id,owner_id,source_module,outcome,retryable,started_at,duration_ms,error)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.OwnerID, string(e.SourceModule), string(e.Outcome), e.Retryable, ms(e.StartedAt),
		e.Duration.Milliseconds(), e.Error)
	return err
}

// ListExecutions returns an owner's execution log in insertion order.
func (r *sqliteTaskRepo) ListExecutions(ctx context.Context, ownerID string) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,owner_id,source_module,outcome,retryable,started_at,duration_ms,error
FROM task_executions WHERE owner_id=? ORDER BY rowid`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var (
			e              domain.Execution
			module, result string
			startedAt, dur int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.OwnerID, &module, &result, &e.Retryable, &startedAt, &dur, &e.Error); err != nil {
			return nil, err
		}
		e.SourceModule = domain.SourceModule(module)
		e.Outcome = domain.Outcome(result)
		e.StartedAt = fromMs(startedAt)
		e.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
