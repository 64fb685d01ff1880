// Package runner drives the harvest of one task: it seeds the chunk
// registry from the task's time window, then works runnable chunks with a
// bounded worker pool until none remain. Each chunk is fetched page by page
// under the domain's rate limit, classified, and merged; windows the source
// truncates are bisected into finer chunks and requeued.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydrolab/hydroharvest/harvest/internal/classify"
	"github.com/hydrolab/hydroharvest/harvest/internal/fetch"
	"github.com/hydrolab/hydroharvest/harvest/internal/mergestore"
	"github.com/hydrolab/hydroharvest/harvest/internal/record"
	"github.com/hydrolab/hydroharvest/harvest/internal/state"
	"github.com/hydrolab/hydroharvest/harvest/internal/timechunk"
	"github.com/hydrolab/hydroharvest/observability"
	"github.com/hydrolab/hydroharvest/ratelimit"
	"github.com/hydrolab/hydroharvest/retry"
)

// Task is one harvest job: a source endpoint and the time window to cover.
type Task struct {
	ID          string
	Domain      string
	Endpoint    string
	Params      map[string]string
	Period      timechunk.Period
	Granularity timechunk.Granularity
}

// Report summarizes one run of a task.
type Report struct {
	TaskID    string        `json:"task_id"`
	Done      int           `json:"done"`
	Failed    int           `json:"failed"`
	Bisected  int           `json:"bisected"`
	Released  int64         `json:"released"`
	Fetches   int64         `json:"fetches"`
	Records   int64         `json:"records"`
	Merged    int64         `json:"merged"`
	Duplicate int64         `json:"duplicates"`
	Discarded int64         `json:"discarded"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Runner executes harvest tasks.
type Runner struct {
	store    *state.Store
	fetcher  fetch.Fetcher
	limits   *ratelimit.Registry
	router   *classify.Router
	merger   *mergestore.Engine
	recorder *observability.Recorder
	exec     *retry.Executor
	workers  int
	logger   *slog.Logger
}

// Config wires a Runner.
type Config struct {
	Store    *state.Store
	Fetcher  fetch.Fetcher
	Limits   *ratelimit.Registry
	Router   *classify.Router
	Merger   *mergestore.Engine
	Recorder *observability.Recorder // optional
	Retry    retry.Policy
	Workers  int
	Logger   *slog.Logger
	// RetryOptions pass through to the retry executor; tests inject a fake
	// clock here.
	RetryOptions []retry.Option
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates a Runner. Store, Fetcher, Limits, Router and Merger are
// required.
func New(cfg Config) (*Runner, error) {
	cfg.defaults()
	if cfg.Store == nil || cfg.Fetcher == nil || cfg.Limits == nil || cfg.Router == nil || cfg.Merger == nil {
		return nil, errors.New("runner: store, fetcher, limits, router and merger are required")
	}
	opts := append([]retry.Option{retry.WithLogger(cfg.Logger)}, cfg.RetryOptions...)
	return &Runner{
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		limits:   cfg.Limits,
		router:   cfg.Router,
		merger:   cfg.Merger,
		recorder: cfg.Recorder,
		exec:     retry.New(cfg.Retry, ClassifyFetchError, opts...),
		workers:  cfg.Workers,
		logger:   cfg.Logger,
	}, nil
}

// ClassifyFetchError maps the fetch error taxonomy onto retry verdicts.
// Throttling gets the extended backoff; client errors are not retried.
func ClassifyFetchError(err error) retry.Verdict {
	switch {
	case errors.Is(err, fetch.ErrRateLimited):
		return retry.RetryExtended
	case errors.Is(err, fetch.ErrNetwork):
		return retry.Retry
	case errors.Is(err, fetch.ErrClient):
		return retry.Fatal
	default:
		return retry.Retry
	}
}

// counters aggregate per-chunk outcomes across the worker pool.
type counters struct {
	done      atomic.Int64
	failed    atomic.Int64
	bisected  atomic.Int64
	fetches   atomic.Int64
	records   atomic.Int64
	merged    atomic.Int64
	duplicate atomic.Int64
	discarded atomic.Int64
}

// Run harvests the task to completion. Chunk-level failures are recorded in
// the registry and reported; only state store I/O errors and context
// cancellation abort the run itself.
func (r *Runner) Run(ctx context.Context, task Task) (*Report, error) {
	start := time.Now()
	if task.ID == "" {
		return nil, errors.New("runner: task ID is required")
	}
	if !task.Period.Valid() {
		return nil, fmt.Errorf("runner: task %s: invalid period %s", task.ID, task.Period)
	}

	released, err := r.store.ReleaseStale(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if released > 0 {
		r.logger.Info("released stale chunks", "task", task.ID, "count", released)
	}

	seeds, err := timechunk.Split(task.ID, task.Period, task.Granularity)
	if err != nil {
		return nil, fmt.Errorf("runner: split task %s: %w", task.ID, err)
	}
	for _, c := range seeds {
		if _, err := r.store.GetOrCreate(ctx, c); err != nil {
			return nil, err
		}
	}

	var cnt counters
	// Chunks that fail with a retryable cause stay runnable for the next
	// invocation, not this one; attempted tracks what this run already
	// claimed so the wave loop terminates.
	attempted := make(map[string]bool)

	for {
		runnable, err := r.store.ListRunnable(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		var wave []*state.Row
		for _, row := range runnable {
			if !attempted[row.Chunk.ID] {
				attempted[row.Chunk.ID] = true
				wave = append(wave, row)
			}
		}
		if len(wave) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers)
		for _, row := range wave {
			g.Go(func() error {
				return r.processChunk(gctx, task, row, &cnt)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	report := &Report{
		TaskID:    task.ID,
		Done:      int(cnt.done.Load()),
		Failed:    int(cnt.failed.Load()),
		Bisected:  int(cnt.bisected.Load()),
		Released:  released,
		Fetches:   cnt.fetches.Load(),
		Records:   cnt.records.Load(),
		Merged:    cnt.merged.Load(),
		Duplicate: cnt.duplicate.Load(),
		Discarded: cnt.discarded.Load(),
		Elapsed:   time.Since(start),
	}
	r.logger.Info("task run finished",
		"task", task.ID,
		"done", report.Done,
		"failed", report.Failed,
		"bisected", report.Bisected,
		"records", report.Records,
		"merged", report.Merged,
		"discarded", report.Discarded,
		"elapsed", report.Elapsed)
	return report, nil
}

// processChunk works one chunk end to end. Returns an error only for
// run-fatal conditions (state store I/O, cancellation); source-side failures
// are absorbed into the chunk's status.
func (r *Runner) processChunk(ctx context.Context, task Task, row *state.Row, cnt *counters) error {
	chunk := row.Chunk
	if err := r.store.MarkInProgress(ctx, chunk.ID); err != nil {
		return err
	}
	r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventStarted, chunk.Period.String(), 0)

	records, truncated, err := r.fetchChunk(ctx, task, chunk, cnt)
	if err != nil {
		if ctx.Err() != nil {
			// Leave the chunk in_progress; the next run's stale sweep
			// requeues it.
			return ctx.Err()
		}
		retryable := ClassifyFetchError(err) != retry.Fatal
		if serr := r.store.MarkFailed(ctx, chunk.ID, err.Error(), retryable); serr != nil {
			return serr
		}
		cnt.failed.Add(1)
		r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventFailed, err.Error(), 0)
		r.logger.Warn("chunk failed", "task", task.ID, "chunk", chunk.ID,
			"period", chunk.Period.String(), "retryable", retryable, "error", err)
		return nil
	}

	if truncated {
		return r.bisect(ctx, task, chunk, cnt)
	}

	cnt.records.Add(int64(len(records)))
	batches, discarded := r.router.Partition(records)
	cnt.discarded.Add(int64(discarded))
	if discarded > 0 {
		r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventDiscarded, "", discarded)
	}

	categories := make([]string, 0, len(batches))
	for cat := range batches {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var mergeErrs []error
	for _, cat := range categories {
		res, err := r.merger.Merge(ctx, cat, batches[cat])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mergeErrs = append(mergeErrs, fmt.Errorf("category %s: %w", cat, err))
			continue
		}
		cnt.merged.Add(int64(res.Added))
		cnt.duplicate.Add(int64(res.Duplicates))
		r.recorder.MergeEvent(ctx, task.ID, chunk.ID, cat, res.Added, res.Duplicates, res.Total)
	}
	if len(mergeErrs) > 0 {
		err := errors.Join(mergeErrs...)
		if serr := r.store.MarkFailed(ctx, chunk.ID, err.Error(), false); serr != nil {
			return serr
		}
		cnt.failed.Add(1)
		r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventFailed, err.Error(), 0)
		r.logger.Error("chunk merge failed", "task", task.ID, "chunk", chunk.ID, "error", err)
		return nil
	}

	if err := r.store.MarkDone(ctx, chunk.ID); err != nil {
		return err
	}
	cnt.done.Add(1)
	r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventDone, "", len(records))
	return nil
}

// bisect splits a truncated chunk into two finer children, or fails it
// terminally when a single day still overflows the source's window.
func (r *Runner) bisect(ctx context.Context, task Task, chunk timechunk.Chunk, cnt *counters) error {
	left, right, err := timechunk.Bisect(chunk)
	if errors.Is(err, timechunk.ErrIrreducible) {
		cause := fmt.Sprintf("irreducible volume overflow: %s", chunk.Period)
		if serr := r.store.MarkFailed(ctx, chunk.ID, cause, false); serr != nil {
			return serr
		}
		cnt.failed.Add(1)
		r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventFailed, cause, 0)
		r.logger.Error("irreducible chunk overflows source window",
			"task", task.ID, "chunk", chunk.ID, "period", chunk.Period.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("runner: bisect %s: %w", chunk.ID, err)
	}
	if err := r.store.RecordBisection(ctx, chunk.ID, left, right); err != nil {
		return err
	}
	cnt.bisected.Add(1)
	r.recorder.ChunkEvent(ctx, task.ID, chunk.ID, observability.EventBisected,
		fmt.Sprintf("%s + %s", left.Period, right.Period), 0)
	r.logger.Info("bisected truncated chunk", "task", task.ID, "chunk", chunk.ID,
		"left", left.Period.String(), "right", right.Period.String())
	return nil
}

// fetchChunk paginates the chunk's window under the domain rate limit,
// retrying each page on transient failures. truncated reports that the
// source holds more records for the window than pagination could deliver.
func (r *Runner) fetchChunk(ctx context.Context, task Task, chunk timechunk.Chunk, cnt *counters) (records []record.Record, truncated bool, err error) {
	delivered := 0
	total := 0
	for page := 1; ; page++ {
		req := fetch.Request{
			Domain:   task.Domain,
			Endpoint: task.Endpoint,
			Params:   task.Params,
			Start:    chunk.Period.Start,
			End:      chunk.Period.End,
			Page:     page,
		}
		var res *fetch.Result
		err := r.exec.Do(ctx, func(ctx context.Context) error {
			if err := r.limits.Acquire(ctx, task.Domain); err != nil {
				return err
			}
			var ferr error
			res, ferr = r.fetcher.FetchPage(ctx, req)
			return ferr
		})
		if err != nil {
			return nil, false, err
		}
		cnt.fetches.Add(1)

		records = append(records, res.Records...)
		delivered += res.Delivered
		if res.Total > total {
			total = res.Total
		}
		if !res.HasNext {
			break
		}
	}
	return records, total > delivered, nil
}
