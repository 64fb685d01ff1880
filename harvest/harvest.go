// Package harvest assembles the chunked time-series harvester: a playbook of
// tasks, the durable chunk registry, per-domain rate limits and the
// per-category output stores, exposed over HTTP and MCP.
package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hydrolab/hydroharvest/dbopen"
	"github.com/hydrolab/hydroharvest/harvest/internal/classify"
	"github.com/hydrolab/hydroharvest/harvest/internal/fetch"
	"github.com/hydrolab/hydroharvest/harvest/internal/mergestore"
	"github.com/hydrolab/hydroharvest/harvest/internal/runner"
	"github.com/hydrolab/hydroharvest/harvest/internal/state"
	"github.com/hydrolab/hydroharvest/harvest/internal/timechunk"
	"github.com/hydrolab/hydroharvest/observability"
	"github.com/hydrolab/hydroharvest/ratelimit"
	"github.com/hydrolab/hydroharvest/retry"
)

// FetcherFactory builds the page fetcher for one task. The default factory
// builds an HTTP client from the task's mapping; tests substitute fakes.
type FetcherFactory func(spec TaskSpec) fetch.Fetcher

// Service is the harvest orchestrator.
type Service struct {
	config   *Config
	stateDB  *sql.DB
	eventsDB *sql.DB
	store    *state.Store
	merger   *mergestore.Engine
	limits   *ratelimit.Registry
	recorder *observability.Recorder
	logger   *slog.Logger

	newFetcher   FetcherFactory
	retryOptions []retry.Option

	mu      sync.Mutex
	running map[string]bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFetcherFactory overrides how page fetchers are built.
func WithFetcherFactory(f FetcherFactory) ServiceOption {
	return func(s *Service) { s.newFetcher = f }
}

// WithRetryOptions passes options through to the per-run retry executor.
func WithRetryOptions(opts ...retry.Option) ServiceOption {
	return func(s *Service) { s.retryOptions = opts }
}

// New creates a Service: it opens the state and event databases, the output
// store directory and the rate limit registry.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	stateDB, err := dbopen.Open(cfg.StateDB, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("harvest: open state db: %w", err)
	}
	store, err := state.New(stateDB)
	if err != nil {
		stateDB.Close()
		return nil, err
	}

	eventsDB, err := dbopen.Open(cfg.EventsDB, dbopen.WithMkdirAll())
	if err != nil {
		stateDB.Close()
		return nil, fmt.Errorf("harvest: open events db: %w", err)
	}
	if err := observability.Init(eventsDB); err != nil {
		stateDB.Close()
		eventsDB.Close()
		return nil, err
	}

	merger, err := mergestore.New(cfg.StoreDir)
	if err != nil {
		stateDB.Close()
		eventsDB.Close()
		return nil, err
	}

	svc := &Service{
		config:   cfg,
		stateDB:  stateDB,
		eventsDB: eventsDB,
		store:    store,
		merger:   merger,
		limits:   ratelimit.New(cfg.RateLimits),
		recorder: observability.NewRecorder(eventsDB),
		logger:   logger,
		running:  make(map[string]bool),
	}
	svc.newFetcher = svc.defaultFetcher
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) defaultFetcher(spec TaskSpec) fetch.Fetcher {
	opts := []fetch.ClientOption{
		fetch.WithHTTPClient(&http.Client{
			Timeout: time.Duration(s.config.FetchTimeoutSeconds) * time.Second,
		}),
		fetch.WithClientLogger(s.logger),
	}
	if s.config.PageSize > 0 {
		opts = append(opts, fetch.WithPageSize(s.config.PageSize))
	}
	if s.config.MaxDepth > 0 {
		opts = append(opts, fetch.WithMaxDepth(s.config.MaxDepth))
	}
	return fetch.NewClient(spec.Mapping, opts...)
}

// Close releases the service's databases.
func (s *Service) Close() error {
	return errors.Join(s.stateDB.Close(), s.eventsDB.Close())
}

// Tasks returns the playbook tasks.
func (s *Service) Tasks() []TaskSpec {
	return s.config.Tasks
}

// Task returns the playbook entry for id.
func (s *Service) Task(id string) (TaskSpec, error) {
	for _, t := range s.config.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return TaskSpec{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

func (s *Service) claim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	s.running[id] = true
	return nil
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// RunTask harvests one playbook task to completion. With force, every live
// chunk is reset to pending first, so the whole window is re-fetched.
// Concurrent runs of the same task are rejected with ErrTaskRunning.
func (s *Service) RunTask(ctx context.Context, id string, force bool) (*runner.Report, error) {
	spec, err := s.Task(id)
	if err != nil {
		return nil, err
	}
	if err := s.claim(id); err != nil {
		return nil, err
	}
	defer s.release(id)

	if force {
		n, err := s.store.ResetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		s.logger.Info("forced task reset", "task", id, "chunks", n)
	}

	period, err := timechunk.ParsePeriod(spec.Period)
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: %v", ErrInvalidConfig, id, err)
	}

	r, err := runner.New(runner.Config{
		Store:        s.store,
		Fetcher:      s.newFetcher(spec),
		Limits:       s.limits,
		Router:       classify.NewRouter(spec.Categories),
		Merger:       s.merger,
		Recorder:     s.recorder,
		Retry:        s.config.Retry.Policy(),
		Workers:      s.config.Workers,
		Logger:       s.logger.With("task", id),
		RetryOptions: s.retryOptions,
	})
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, runner.Task{
		ID:          spec.ID,
		Domain:      spec.Domain,
		Endpoint:    spec.Endpoint,
		Params:      spec.Params,
		Period:      period,
		Granularity: timechunk.Granularity(spec.Granularity),
	})
}

// TaskStatus summarizes where a task stands.
type TaskStatus struct {
	ID      string               `json:"id"`
	Running bool                 `json:"running"`
	Period  string               `json:"period"`
	Counts  map[state.Status]int `json:"counts"`
}

// Status reports chunk counts and whether the task is currently running.
func (s *Service) Status(ctx context.Context, id string) (*TaskStatus, error) {
	spec, err := s.Task(id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	running := s.running[id]
	s.mu.Unlock()
	return &TaskStatus{ID: id, Running: running, Period: spec.Period, Counts: counts}, nil
}

// ChunkInfo is the API shape of one registry row.
type ChunkInfo struct {
	ID          string `json:"id"`
	Period      string `json:"period"`
	Granularity string `json:"granularity"`
	ParentID    string `json:"parent_id,omitempty"`
	Status      string `json:"status"`
	Superseded  bool   `json:"superseded,omitempty"`
	Retryable   bool   `json:"retryable"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Chunks lists every registry row of a task, oldest period first.
func (s *Service) Chunks(ctx context.Context, id string) ([]ChunkInfo, error) {
	if _, err := s.Task(id); err != nil {
		return nil, err
	}
	rows, err := s.store.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]ChunkInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ChunkInfo{
			ID:          r.Chunk.ID,
			Period:      r.Chunk.Period.String(),
			Granularity: string(r.Chunk.Granularity),
			ParentID:    r.Chunk.ParentID,
			Status:      string(r.Status),
			Superseded:  r.Superseded,
			Retryable:   r.Retryable,
			Attempts:    r.Attempts,
			LastError:   r.LastError,
		})
	}
	return out, nil
}

// StoreStats reports size and freshness of every category store.
func (s *Service) StoreStats() ([]mergestore.Stats, error) {
	return s.merger.StoreStats()
}

// Events returns the most recent chunk events of a task.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]observability.TaskEventRow, error) {
	if _, err := s.Task(id); err != nil {
		return nil, err
	}
	return s.recorder.TaskEvents(ctx, id, limit)
}

// Reset reverts every live chunk of a task to pending without running it.
func (s *Service) Reset(ctx context.Context, id string) (int64, error) {
	if _, err := s.Task(id); err != nil {
		return 0, err
	}
	if err := s.claim(id); err != nil {
		return 0, err
	}
	defer s.release(id)
	return s.store.ResetTask(ctx, id)
}
