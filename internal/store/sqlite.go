package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"hookflow/internal/domain"
)

var (
	// ErrInvalidTask marks a creation-time schema violation. Never retried.
	ErrInvalidTask = errors.New("invalid task")
	// ErrNotFound is returned when a task id does not exist at all.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when an outcome commit races a hard purge of
	// the task row (foreign key violation on the execution insert).
	ErrConflict = errors.New("task gone during commit")
)

// IsTransient reports whether err is a lock-contention class storage error
// worth a short retry (SQLITE_BUSY / SQLITE_LOCKED).
func IsTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == 5 || code == 6 // SQLITE_BUSY, SQLITE_LOCKED
	}
	return false
}

func isFKViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == 787 { // SQLITE_CONSTRAINT_FOREIGNKEY
		return true
	}
	// Some paths report only the primary constraint code; keep other
	// constraint failures (unique, check) out of the conflict class.
	return se.Code()&0xff == 19 && strings.Contains(se.Error(), "FOREIGN KEY")
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  task_type TEXT NOT NULL CHECK(task_type IN ('once','interval')),
  trigger_at DATETIME NOT NULL,
  interval_seconds INTEGER,
  payload TEXT NOT NULL,
  claimed_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_trigger ON tasks(trigger_at) WHERE deleted_at IS NULL;
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  executed_at DATETIME NOT NULL,
  output TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('success','failure'))
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable task store. ClaimDue, ReleaseClaim, CommitOutcome
// and RecoverStale belong to the scheduling engine; the API surface may
// only use Create, Get, List, ListExecutions and SoftDelete.
type Store interface {
	Create(ctx context.Context, t domain.Task) (string, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, includeDeleted bool) ([]domain.Task, error)
	SoftDelete(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error)

	ClaimDue(ctx context.Context, now time.Time) ([]domain.Task, error)
	ReleaseClaim(ctx context.Context, id string) error
	CommitOutcome(ctx context.Context, taskID string, nextTriggerAt *time.Time, exec domain.Execution) error
	RecoverStale(ctx context.Context, now time.Time, grace time.Duration) (int, error)
	NextTriggerAt(ctx context.Context) (time.Time, bool, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

const taskColumns = "id,name,task_type,trigger_at,interval_seconds,payload,claimed_at,created_at,deleted_at"

// withRetry runs fn, retrying busy/locked errors with a short backoff
// before surfacing them.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}

func (s *sqliteStore) Create(ctx context.Context, t domain.Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidTask, err)
	}
	if t.ID == "" {
		t.ID = domain.NewTaskID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidTask, err)
	}
	var interval any
	if t.Kind == domain.KindInterval {
		interval = t.IntervalSeconds
	}
	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,name,task_type,trigger_at,interval_seconds,payload,created_at)
VALUES (?,?,?,?,?,?,?)`,
			t.ID, t.Name, string(t.Kind), t.TriggerAt.UTC(), interval, string(payload), t.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t        domain.Task
		kind     string
		interval sql.NullInt64
		payload  string
		claimed  sql.NullTime
		deleted  sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Name, &kind, &t.TriggerAt, &interval, &payload, &claimed, &t.CreatedAt, &deleted); err != nil {
		return domain.Task{}, err
	}
	t.Kind = domain.TaskKind(kind)
	if interval.Valid {
		t.IntervalSeconds = interval.Int64
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload for %s: %w", t.ID, err)
	}
	if claimed.Valid {
		ts := claimed.Time
		t.ClaimedAt = &ts
	}
	if deleted.Valid {
		ts := deleted.Time
		t.DeletedAt = &ts
	}
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) List(ctx context.Context, includeDeleted bool) ([]domain.Task, error) {
	q := "SELECT " + taskColumns + " FROM tasks WHERE deleted_at IS NULL ORDER BY trigger_at ASC"
	if includeDeleted {
		q = "SELECT " + taskColumns + " FROM tasks ORDER BY trigger_at ASC"
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SoftDelete marks a task deleted. Idempotent: deleting an already
// soft-deleted task is a no-op success.
func (s *sqliteStore) SoftDelete(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET deleted_at=? WHERE id=? AND deleted_at IS NULL", time.Now().UTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		err = s.db.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id=?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,executed_at,output,status
FROM executions WHERE task_id=? ORDER BY executed_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var status string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ExecutedAt, &e.Output, &status); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ClaimDue selects every non-deleted, unclaimed task due at now and marks
// it claimed within a single transaction, so a concurrent caller can never
// claim the same task. Returned in trigger_at ascending order.
func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	var claimed []domain.Task
	err := withRetry(ctx, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE deleted_at IS NULL AND claimed_at IS NULL AND trigger_at <= ?
ORDER BY trigger_at ASC`, now.UTC())
		if err != nil {
			return err
		}
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		mark := now.UTC()
		for i := range claimed {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET claimed_at=? WHERE id=?", mark, claimed[i].ID); err != nil {
				return err
			}
			claimed[i].ClaimedAt = &mark
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseClaim returns a claimed task to the schedulable pool without
// recording anything. Used when a claim could not be handed to the
// dispatcher; the next wake picks it up again.
func (s *sqliteStore) ReleaseClaim(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE tasks SET claimed_at=NULL WHERE id=?", id)
		return err
	})
}

// CommitOutcome atomically inserts the execution record and either
// advances trigger_at (interval task continuing, nextTriggerAt set) or
// soft-deletes the task (one-off retiring, nextTriggerAt nil), clearing
// the claim marker in both cases. If the task row was hard-purged while
// the dispatch was in flight the insert hits the foreign key and the
// whole commit rolls back with ErrConflict.
func (s *sqliteStore) CommitOutcome(ctx context.Context, taskID string, nextTriggerAt *time.Time, exec domain.Execution) error {
	if exec.ID == "" {
		exec.ID = domain.NewExecutionID()
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
INSERT INTO executions (id,task_id,executed_at,output,status)
VALUES (?,?,?,?,?)`,
			exec.ID, taskID, exec.ExecutedAt.UTC(), exec.Output, string(exec.Status))
		if err != nil {
			if isFKViolation(err) {
				return ErrConflict
			}
			return err
		}

		if nextTriggerAt != nil {
			_, err = tx.ExecContext(ctx,
				"UPDATE tasks SET trigger_at=?, claimed_at=NULL WHERE id=?", nextTriggerAt.UTC(), taskID)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE tasks SET deleted_at=COALESCE(deleted_at,?), claimed_at=NULL WHERE id=?", time.Now().UTC(), taskID)
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecoverStale releases claim markers older than grace. Run at startup so
// tasks claimed by an unclean shutdown are not stranded.
func (s *sqliteStore) RecoverStale(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET claimed_at=NULL WHERE claimed_at IS NOT NULL AND claimed_at <= ?",
			now.Add(-grace).UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// NextTriggerAt returns the earliest trigger among active, unclaimed
// tasks. ok is false when there is none.
func (s *sqliteStore) NextTriggerAt(ctx context.Context) (time.Time, bool, error) {
	var next time.Time
	row := s.db.QueryRowContext(ctx, `
SELECT trigger_at FROM tasks
WHERE deleted_at IS NULL AND claimed_at IS NULL
ORDER BY trigger_at ASC LIMIT 1`)
	err := row.Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return next, true, nil
}
