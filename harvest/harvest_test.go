package harvest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/hydrolab/hydroharvest/harvest/internal/fetch"
	"github.com/hydrolab/hydroharvest/harvest/internal/record"
	"github.com/hydrolab/hydroharvest/ratelimit"
)

// fakeFetcher serves an in-memory record set in a single page per window.
// If block is non-nil, FetchPage signals started then waits for block to
// close, which lets tests observe a task mid-run.
type fakeFetcher struct {
	mu      sync.Mutex
	records []record.Record
	fetches int
	started chan struct{}
	block   chan struct{}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
	f.mu.Lock()
	f.fetches++
	started, block := f.started, f.block
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var window []record.Record
	for _, r := range f.records {
		if !r.Timestamp.Before(req.Start) && r.Timestamp.Before(req.End) {
			window = append(window, r)
		}
	}
	return &fetch.Result{
		Records:   window,
		Total:     len(window),
		Delivered: len(window),
		HasNext:   false,
	}, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func sampleRecords() []record.Record {
	var out []record.Record
	codes := []string{"1340", "1340", "1295", "9999"}
	for day := 1; day <= 40; day++ {
		ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day-1)
		code := codes[day%len(codes)]
		out = append(out, record.Record{
			NaturalKey: record.Key(fmt.Sprintf("st%d", day), code, ts.Format(time.RFC3339)),
			Code:       code,
			Timestamp:  ts,
			Fields:     map[string]any{"station": fmt.Sprintf("st%d", day)},
		})
	}
	return out
}

func newTestService(t *testing.T, f *fakeFetcher) *Service {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		StateDB:  filepath.Join(dir, "state.db"),
		EventsDB: filepath.Join(dir, "events.db"),
		StoreDir: filepath.Join(dir, "stores"),
		Workers:  2,
		RateLimits: map[string]ratelimit.Limit{
			"src": {Capacity: 1000, PerSecond: 100000},
		},
		Tasks: []TaskSpec{{
			ID:          "nitrates",
			Domain:      "src",
			Endpoint:    "http://src/obs",
			Period:      "2024-01-01/2024-03-01",
			Granularity: "month",
			Mapping: fetch.Mapping{
				StartParam: "date_debut",
				EndParam:   "date_fin",
				CodeField:  "code",
				TimeField:  "date",
				KeyFields:  []string{"station", "code", "date"},
			},
			Categories: map[string]string{"1340": "no3", "1295": "turb"},
		}},
	}
	svc, err := New(cfg, nil, WithFetcherFactory(func(TaskSpec) fetch.Fetcher { return f }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// WHAT: a playbook task runs end to end through the service: chunks done,
// records routed to category stores, discards counted.
func TestRunTaskEndToEnd(t *testing.T) {
	f := &fakeFetcher{records: sampleRecords()}
	svc := newTestService(t, f)
	ctx := context.Background()

	report, err := svc.RunTask(ctx, "nitrates", false)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if report.Done != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v, want both monthly chunks done", report)
	}
	if report.Discarded == 0 {
		t.Fatal("expected unmapped codes to be discarded")
	}

	stats, err := svc.StoreStats()
	if err != nil {
		t.Fatalf("StoreStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %d categories, want no3 and turb", len(stats))
	}
}

// WHAT: running an ID absent from the playbook fails with ErrUnknownTask.
func TestRunTaskUnknown(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{})
	if _, err := svc.RunTask(context.Background(), "nope", false); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

// WHAT: a second concurrent run of the same task is rejected while the
// first holds the claim.
func TestRunTaskConcurrentRejected(t *testing.T) {
	f := &fakeFetcher{
		records: sampleRecords(),
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	svc := newTestService(t, f)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunTask(ctx, "nitrates", false)
		done <- err
	}()
	<-f.started

	if _, err := svc.RunTask(ctx, "nitrates", false); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("concurrent run err = %v, want ErrTaskRunning", err)
	}

	status, err := svc.Status(ctx, "nitrates")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("status should report the task as running")
	}

	close(f.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

// WHAT: force re-runs the whole window even though every chunk is done.
func TestRunTaskForce(t *testing.T) {
	f := &fakeFetcher{records: sampleRecords()}
	svc := newTestService(t, f)
	ctx := context.Background()

	if _, err := svc.RunTask(ctx, "nitrates", false); err != nil {
		t.Fatalf("first RunTask: %v", err)
	}
	before := f.fetchCount()

	// plain re-run: nothing to do
	if _, err := svc.RunTask(ctx, "nitrates", false); err != nil {
		t.Fatalf("second RunTask: %v", err)
	}
	if f.fetchCount() != before {
		t.Fatal("plain re-run fetched pages")
	}

	report, err := svc.RunTask(ctx, "nitrates", true)
	if err != nil {
		t.Fatalf("forced RunTask: %v", err)
	}
	if f.fetchCount() == before {
		t.Fatal("forced re-run fetched nothing")
	}
	if report.Merged != 0 {
		t.Fatalf("forced re-run merged %d new records, want 0 (all duplicates)", report.Merged)
	}
}

// WHAT: Chunks exposes the registry rows for the API.
func TestChunksListing(t *testing.T) {
	f := &fakeFetcher{records: sampleRecords()}
	svc := newTestService(t, f)
	ctx := context.Background()

	if _, err := svc.RunTask(ctx, "nitrates", false); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	chunks, err := svc.Chunks(ctx, "nitrates")
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 monthly chunks", len(chunks))
	}
	for _, c := range chunks {
		if c.Status != "done" || c.Granularity != "month" {
			t.Fatalf("chunk = %+v, want done month chunk", c)
		}
	}

	events, err := svc.Events(ctx, "nitrates", 50)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected chunk events after a run")
	}
}
