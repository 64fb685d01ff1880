// Package state persists the chunk registry that makes harvesting resumable.
//
// Each chunk row tracks where one sub-period of a task stands: pending,
// in_progress, done or failed. Rows are keyed by the deterministic chunk ID,
// created once and never deleted — they are the resume history. A process
// that crashes mid-chunk leaves the row in_progress; the next startup sweeps
// those back to pending, so a chunk is only ever trusted as done when its
// records were fully merged.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hydrolab/hydroharvest/dbopen"
	"github.com/hydrolab/hydroharvest/harvest/internal/timechunk"
)

// Status of a chunk's harvest.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Schema is applied by New.
const Schema = `
CREATE TABLE IF NOT EXISTS chunks (
    id            TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    period_start  INTEGER NOT NULL,
    period_end    INTEGER NOT NULL,
    granularity   TEXT NOT NULL,
    parent_id     TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    superseded    INTEGER NOT NULL DEFAULT 0,
    retryable     INTEGER NOT NULL DEFAULT 1,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_task_status ON chunks(task_id, status);
`

// Row is one persisted chunk.
type Row struct {
	Chunk      timechunk.Chunk
	Status     Status
	Superseded bool
	Retryable  bool
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

// ErrNotFound is returned when a chunk ID has no row.
var ErrNotFound = errors.New("state: chunk not found")

// ErrDoneIsFinal is returned when a write would revert a done chunk outside
// of an explicit task reset.
var ErrDoneIsFinal = errors.New("state: done chunk cannot change status")

// Store is the durable chunk registry. Any error it returns is a state I/O
// failure: the caller must treat it as fatal to the run, because resume
// correctness cannot be guaranteed without durable state.
type Store struct {
	db *sql.DB
}

// New creates a Store and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("state: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GetOrCreate inserts the chunk as pending if its ID is new, and returns the
// current row either way.
func (s *Store) GetOrCreate(ctx context.Context, c timechunk.Chunk) (*Row, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, task_id, period_start, period_end, granularity,
			parent_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.TaskID, c.Period.Start.UnixMilli(), c.Period.End.UnixMilli(),
		string(c.Granularity), c.ParentID, string(StatusPending), now, now)
	if err != nil {
		return nil, fmt.Errorf("state: insert chunk %s: %w", c.ID, err)
	}
	return s.Get(ctx, c.ID)
}

// Get returns the row for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Row, error) {
	return scanRow(s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id))
}

const selectCols = `
	SELECT id, task_id, period_start, period_end, granularity, parent_id,
		status, superseded, retryable, attempts, last_error, updated_at
	FROM chunks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(r rowScanner) (*Row, error) {
	var row Row
	var startMs, endMs, updatedMs int64
	var gran string
	var status string
	var superseded, retryable int
	err := r.Scan(&row.Chunk.ID, &row.Chunk.TaskID, &startMs, &endMs, &gran,
		&row.Chunk.ParentID, &status, &superseded, &retryable,
		&row.Attempts, &row.LastError, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan chunk: %w", err)
	}
	row.Chunk.Period = timechunk.Period{
		Start: time.UnixMilli(startMs).UTC(),
		End:   time.UnixMilli(endMs).UTC(),
	}
	row.Chunk.Granularity = timechunk.Granularity(gran)
	row.Status = Status(status)
	row.Superseded = superseded == 1
	row.Retryable = retryable == 1
	row.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &row, nil
}

// MarkInProgress transitions a chunk to in_progress and bumps its attempt
// counter. Refuses to touch done chunks.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusInProgress, "", true, true)
}

// MarkDone records successful completion.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusDone, "", true, false)
}

// MarkFailed records a failure. retryable=false marks the failure terminal
// (client error, irreducible overflow): the chunk is reported but not
// rescheduled.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string, retryable bool) error {
	return s.transition(ctx, id, StatusFailed, cause, retryable, false)
}

func (s *Store) transition(ctx context.Context, id string, to Status, cause string, retryable, bumpAttempts bool) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM chunks WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("state: transition %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("state: read status %s: %w", id, err)
		}
		if Status(cur) == StatusDone && to != StatusDone {
			return fmt.Errorf("state: transition %s to %s: %w", id, to, ErrDoneIsFinal)
		}

		bump := 0
		if bumpAttempts && to == StatusInProgress {
			bump = 1
		}
		retry := 0
		if retryable {
			retry = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE chunks
			SET status = ?, last_error = ?, retryable = ?,
				attempts = attempts + ?, updated_at = ?
			WHERE id = ?`,
			string(to), cause, retry, bump, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("state: update %s: %w", id, err)
		}
		return nil
	})
}

// RecordBisection atomically supersedes the parent and registers both
// children as pending. The parent counts as done: its contribution is fully
// delegated to the children.
func (s *Store) RecordBisection(ctx context.Context, parentID string, left, right timechunk.Chunk) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = ?, superseded = 1, updated_at = ?
			WHERE id = ? AND status != ?`,
			string(StatusDone), now, parentID, string(StatusDone))
		if err != nil {
			return fmt.Errorf("state: supersede %s: %w", parentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("state: supersede %s: %w", parentID, ErrDoneIsFinal)
		}
		for _, c := range []timechunk.Chunk{left, right} {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (id, task_id, period_start, period_end,
					granularity, parent_id, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				c.ID, c.TaskID, c.Period.Start.UnixMilli(), c.Period.End.UnixMilli(),
				string(c.Granularity), c.ParentID, string(StatusPending), now, now)
			if err != nil {
				return fmt.Errorf("state: insert child %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ListRunnable returns the chunks the harvester should process for a task:
// pending ones plus failed ones whose failure was retryable.
func (s *Store) ListRunnable(ctx context.Context, taskID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+`
		WHERE task_id = ?
		  AND (status = ? OR (status = ? AND retryable = 1))
		ORDER BY period_start ASC`,
		taskID, string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("state: list runnable: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListByTask returns every chunk of a task, oldest period first.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+`
		WHERE task_id = ? ORDER BY period_start ASC, granularity ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("state: list task %s: %w", taskID, err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate chunks: %w", err)
	}
	return out, nil
}

// ReleaseStale sweeps in_progress chunks back to pending. Called once at
// startup: a chunk left in_progress means the previous process died before
// finishing it, and its work must be redone.
func (s *Store) ReleaseStale(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(StatusPending), time.Now().UnixMilli(), taskID, string(StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("state: release stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetTask forces a re-run: every non-superseded chunk reverts to pending
// with a cleared attempt counter. This is the only sanctioned path that
// reverts done chunks.
func (s *Store) ResetTask(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET status = ?, retryable = 1, attempts = 0, last_error = '', updated_at = ?
		WHERE task_id = ? AND superseded = 0`,
		string(StatusPending), time.Now().UnixMilli(), taskID)
	if err != nil {
		return 0, fmt.Errorf("state: reset task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns chunk counts per status for a task, excluding
// superseded parents (they are bookkeeping, not work).
func (s *Store) CountByStatus(ctx context.Context, taskID string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM chunks
		WHERE task_id = ? AND superseded = 0
		GROUP BY status`, taskID)
	if err != nil {
		return nil, fmt.Errorf("state: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("state: scan count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}
