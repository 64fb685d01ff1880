// Package observability records harvest progress into a SQLite event store.
//
// The event store is operational history, not program state: the harvester
// works off the chunk registry, and these tables exist so operators can ask
// "what happened to task X last night" without scraping logs. Recording is
// non-blocking; a failing event store never stalls a harvest.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydrolab/hydroharvest/idgen"
)

// Schema is applied by Init.
const Schema = `
CREATE TABLE IF NOT EXISTS chunk_events (
    event_id    TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    chunk_id    TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    records     INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunk_events_task ON chunk_events(task_id, created_at);

CREATE TABLE IF NOT EXISTS merge_events (
    event_id    TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    chunk_id    TEXT NOT NULL,
    category    TEXT NOT NULL,
    added       INTEGER NOT NULL,
    duplicates  INTEGER NOT NULL,
    total       INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merge_events_task ON merge_events(task_id, created_at);
`

// Chunk event types.
const (
	EventStarted   = "started"
	EventDone      = "done"
	EventFailed    = "failed"
	EventBisected  = "bisected"
	EventDiscarded = "discarded"
)

// Init applies the event store schema.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: apply schema: %w", err)
	}
	return nil
}

// Recorder writes harvest events.
type Recorder struct {
	db    *sql.DB
	newID idgen.Generator
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// NewRecorder creates a Recorder on an initialized event store.
func NewRecorder(db *sql.DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ChunkEvent records a lifecycle event for a chunk. Failures are logged via
// slog and swallowed.
func (r *Recorder) ChunkEvent(ctx context.Context, taskID, chunkID, eventType, detail string, records int) {
	if r == nil {
		return
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chunk_events (event_id, task_id, chunk_id, event_type, detail, records, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		r.newID(), taskID, chunkID, eventType, detail, records, time.Now().Unix())
	if err != nil {
		slog.Warn("chunk event log failed", "error", err, "chunk", chunkID, "event", eventType)
	}
}

// MergeEvent records the outcome of one category merge.
func (r *Recorder) MergeEvent(ctx context.Context, taskID, chunkID, category string, added, duplicates, total int) {
	if r == nil {
		return
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO merge_events (event_id, task_id, chunk_id, category, added, duplicates, total, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.newID(), taskID, chunkID, category, added, duplicates, total, time.Now().Unix())
	if err != nil {
		slog.Warn("merge event log failed", "error", err, "chunk", chunkID, "category", category)
	}
}

// TaskEventRow is one chunk event as read back for reporting.
type TaskEventRow struct {
	ChunkID   string    `json:"chunk_id"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	Records   int       `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskEvents returns the most recent chunk events of a task, newest first.
func (r *Recorder) TaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_id, event_type, detail, records, created_at
		FROM chunk_events WHERE task_id = ?
		ORDER BY created_at DESC, event_id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEventRow
	for rows.Next() {
		var ev TaskEventRow
		var createdAt int64
		if err := rows.Scan(&ev.ChunkID, &ev.EventType, &ev.Detail, &ev.Records, &createdAt); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no
// cleanup.
type RetentionConfig struct {
	ChunkEventsDays int
	MergeEventsDays int
	RunVacuumAfter  bool
}

// Cleanup deletes events exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	type target struct {
		table string
		days  int
	}
	targets := []target{
		{"chunk_events", cfg.ChunkEventsDays},
		{"merge_events", cfg.MergeEventsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", t.table)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup %s: %w", t.table, err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return nil
}
