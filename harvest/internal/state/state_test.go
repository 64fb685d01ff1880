package state

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/hydrolab/hydroharvest/dbopen"
	"github.com/hydrolab/hydroharvest/harvest/internal/timechunk"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mkChunk(t *testing.T, taskID, start, end string, g timechunk.Granularity) timechunk.Chunk {
	t.Helper()
	p, err := timechunk.ParsePeriod(start + "/" + end)
	if err != nil {
		t.Fatalf("ParsePeriod: %v", err)
	}
	return timechunk.Chunk{
		ID:          timechunk.ChunkID(taskID, p, g),
		TaskID:      taskID,
		Period:      p,
		Granularity: g,
	}
}

// WHAT: GetOrCreate inserts a new row as pending and is idempotent on the
// same chunk ID.
// WHY: chunk registration runs on every harvest start; re-registering an
// existing chunk must never clobber its progress.
func TestGetOrCreateIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mkChunk(t, "nitrates", "2024-01-01", "2024-02-01", timechunk.Month)

	row, err := s.GetOrCreate(ctx, c)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("new chunk status = %s, want pending", row.Status)
	}

	if err := s.MarkInProgress(ctx, c.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := s.MarkDone(ctx, c.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	row, err = s.GetOrCreate(ctx, c)
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if row.Status != StatusDone {
		t.Fatalf("re-registered chunk status = %s, want done preserved", row.Status)
	}
}

// WHAT: done is terminal for normal transitions.
// WHY: a chunk whose records were merged must never be re-harvested by an
// ordinary run, or the resume guarantee breaks.
func TestDoneIsFinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mkChunk(t, "nitrates", "2024-01-01", "2024-02-01", timechunk.Month)

	if _, err := s.GetOrCreate(ctx, c); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := s.MarkDone(ctx, c.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	if err := s.MarkInProgress(ctx, c.ID); !errors.Is(err, ErrDoneIsFinal) {
		t.Fatalf("MarkInProgress on done chunk: err = %v, want ErrDoneIsFinal", err)
	}
	if err := s.MarkFailed(ctx, c.ID, "late failure", true); !errors.Is(err, ErrDoneIsFinal) {
		t.Fatalf("MarkFailed on done chunk: err = %v, want ErrDoneIsFinal", err)
	}
}

// WHAT: MarkInProgress increments the attempt counter, other transitions do
// not.
func TestAttemptsCountClaims(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mkChunk(t, "nitrates", "2024-01-01", "2024-02-01", timechunk.Month)

	if _, err := s.GetOrCreate(ctx, c); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.MarkInProgress(ctx, c.ID); err != nil {
			t.Fatalf("MarkInProgress #%d: %v", i, err)
		}
		if err := s.MarkFailed(ctx, c.ID, "transient", true); err != nil {
			t.Fatalf("MarkFailed #%d: %v", i, err)
		}
	}
	row, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", row.Attempts)
	}
	if row.LastError != "transient" {
		t.Fatalf("last_error = %q, want transient", row.LastError)
	}
}

// WHAT: RecordBisection supersedes the parent and creates both children in
// one transaction.
// WHY: a crash between parent and child writes would either orphan the
// period or harvest it twice.
func TestRecordBisection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	parent := mkChunk(t, "nitrates", "2015-01-01", "2016-01-01", timechunk.Year)

	if _, err := s.GetOrCreate(ctx, parent); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := s.MarkInProgress(ctx, parent.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	left, right, err := timechunk.Bisect(parent)
	if err != nil {
		t.Fatalf("Bisect: %v", err)
	}
	if err := s.RecordBisection(ctx, parent.ID, left, right); err != nil {
		t.Fatalf("RecordBisection: %v", err)
	}

	prow, err := s.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if prow.Status != StatusDone || !prow.Superseded {
		t.Fatalf("parent status=%s superseded=%v, want done+superseded", prow.Status, prow.Superseded)
	}

	runnable, err := s.ListRunnable(ctx, "nitrates")
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	if len(runnable) != 2 {
		t.Fatalf("runnable after bisection = %d chunks, want the 2 children", len(runnable))
	}
	for _, r := range runnable {
		if r.Chunk.ParentID != parent.ID {
			t.Fatalf("child %s parent = %q, want %q", r.Chunk.ID, r.Chunk.ParentID, parent.ID)
		}
	}
}

// WHAT: ListRunnable returns pending chunks and retryable failures, but not
// done chunks or terminal failures.
func TestListRunnableFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending := mkChunk(t, "turbidity", "2024-01-01", "2024-02-01", timechunk.Month)
	done := mkChunk(t, "turbidity", "2024-02-01", "2024-03-01", timechunk.Month)
	retryFail := mkChunk(t, "turbidity", "2024-03-01", "2024-04-01", timechunk.Month)
	termFail := mkChunk(t, "turbidity", "2024-04-01", "2024-05-01", timechunk.Month)
	otherTask := mkChunk(t, "nitrates", "2024-01-01", "2024-02-01", timechunk.Month)

	for _, c := range []timechunk.Chunk{pending, done, retryFail, termFail, otherTask} {
		if _, err := s.GetOrCreate(ctx, c); err != nil {
			t.Fatalf("GetOrCreate %s: %v", c.ID, err)
		}
	}
	if err := s.MarkDone(ctx, done.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := s.MarkFailed(ctx, retryFail.ID, "timeout", true); err != nil {
		t.Fatalf("MarkFailed retryable: %v", err)
	}
	if err := s.MarkFailed(ctx, termFail.ID, "bad request", false); err != nil {
		t.Fatalf("MarkFailed terminal: %v", err)
	}

	runnable, err := s.ListRunnable(ctx, "turbidity")
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	got := map[string]bool{}
	for _, r := range runnable {
		got[r.Chunk.ID] = true
	}
	if len(got) != 2 || !got[pending.ID] || !got[retryFail.ID] {
		t.Fatalf("runnable = %v, want exactly {pending, retryable failure}", got)
	}
}

// WHAT: ReleaseStale sweeps in_progress back to pending at startup.
// WHY: a crash mid-chunk must not strand the chunk forever in_progress.
func TestReleaseStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := mkChunk(t, "nitrates", "2024-01-01", "2024-02-01", timechunk.Month)
	finished := mkChunk(t, "nitrates", "2024-02-01", "2024-03-01", timechunk.Month)
	for _, c := range []timechunk.Chunk{stale, finished} {
		if _, err := s.GetOrCreate(ctx, c); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}
	if err := s.MarkInProgress(ctx, stale.ID); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := s.MarkDone(ctx, finished.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	n, err := s.ReleaseStale(ctx, "nitrates")
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d chunks, want 1", n)
	}
	row, err := s.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("stale chunk status = %s, want pending", row.Status)
	}
	row, err = s.Get(ctx, finished.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != StatusDone {
		t.Fatalf("done chunk status = %s, want untouched", row.Status)
	}
}

// WHAT: ResetTask reverts live chunks to pending but leaves superseded
// parents alone.
func TestResetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := mkChunk(t, "nitrates", "2015-01-01", "2016-01-01", timechunk.Year)
	if _, err := s.GetOrCreate(ctx, parent); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	left, right, err := timechunk.Bisect(parent)
	if err != nil {
		t.Fatalf("Bisect: %v", err)
	}
	if err := s.RecordBisection(ctx, parent.ID, left, right); err != nil {
		t.Fatalf("RecordBisection: %v", err)
	}
	if err := s.MarkDone(ctx, left.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := s.MarkFailed(ctx, right.ID, "bad request", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	n, err := s.ResetTask(ctx, "nitrates")
	if err != nil {
		t.Fatalf("ResetTask: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d chunks, want the 2 live children", n)
	}

	prow, err := s.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if prow.Status != StatusDone || !prow.Superseded {
		t.Fatalf("superseded parent touched by reset: status=%s", prow.Status)
	}
	for _, id := range []string{left.ID, right.ID} {
		row, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get child: %v", err)
		}
		if row.Status != StatusPending || row.Attempts != 0 {
			t.Fatalf("child %s after reset: status=%s attempts=%d, want pending/0", id, row.Status, row.Attempts)
		}
	}
}

// WHAT: CountByStatus groups live chunks per status and skips superseded
// parents.
func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := mkChunk(t, "nitrates", "2015-01-01", "2016-01-01", timechunk.Year)
	if _, err := s.GetOrCreate(ctx, parent); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	left, right, err := timechunk.Bisect(parent)
	if err != nil {
		t.Fatalf("Bisect: %v", err)
	}
	if err := s.RecordBisection(ctx, parent.ID, left, right); err != nil {
		t.Fatalf("RecordBisection: %v", err)
	}
	if err := s.MarkDone(ctx, left.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	counts, err := s.CountByStatus(ctx, "nitrates")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusDone] != 1 || counts[StatusPending] != 1 {
		t.Fatalf("counts = %v, want 1 done and 1 pending, superseded parent excluded", counts)
	}
}

// WHAT: period round-trips through storage in UTC with millisecond
// precision.
func TestPeriodRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mkChunk(t, "nitrates", "2024-02-01", "2024-03-01", timechunk.Month)

	row, err := s.GetOrCreate(ctx, c)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !row.Chunk.Period.Start.Equal(c.Period.Start) || !row.Chunk.Period.End.Equal(c.Period.End) {
		t.Fatalf("period round-trip: got %s, want %s", row.Chunk.Period, c.Period)
	}
	if row.Chunk.Period.Start.Location() != time.UTC {
		t.Fatalf("stored period not UTC: %v", row.Chunk.Period.Start.Location())
	}
}
