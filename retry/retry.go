// Package retry wraps a single fallible operation in bounded exponential
// backoff. Each failure is classified: retryable failures sleep and try
// again, fatal failures propagate immediately, and exhausting the attempt
// budget converts the final retryable failure into a fatal one.
//
// Sleeping goes through an injectable Clock so unit tests run without real
// delays.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Verdict is the classification of one failure.
type Verdict int

const (
	// Retry means the failure is transient; back off and try again.
	Retry Verdict = iota
	// RetryExtended means the remote signalled overload (rate limit); back
	// off longer before trying again.
	RetryExtended
	// Fatal means retrying cannot help; propagate now.
	Fatal
)

// Classifier maps an operation error to a Verdict.
type Classifier func(error) Verdict

// Clock abstracts backoff sleeping.
type Clock interface {
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock returns a Clock backed by real timers.
func SystemClock() Clock { return systemClock{} }

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, first included. Default: 5.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseDelay seeds the exponential schedule. Default: 1s.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// MaxDelay caps any single sleep. Default: 16s.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// ExtendedFactor multiplies the delay when the verdict is RetryExtended.
	// Default: 4.
	ExtendedFactor int `yaml:"extended_factor" json:"extended_factor"`
}

func (p *Policy) defaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 16 * time.Second
	}
	if p.ExtendedFactor <= 0 {
		p.ExtendedFactor = 4
	}
}

// ExhaustedError wraps the final failure after the attempt budget ran out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Executor runs operations under one Policy and Classifier.
type Executor struct {
	policy   Policy
	classify Classifier
	clock    Clock
	jitter   func(max time.Duration) time.Duration
	logger   *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock replaces the system clock (used in tests).
func WithClock(c Clock) Option { return func(e *Executor) { e.clock = c } }

// WithJitter replaces the jitter source. The function receives the maximum
// jitter to add and returns the amount chosen. Tests pass a zero function
// for deterministic schedules.
func WithJitter(j func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = j }
}

// WithLogger sets the logger for per-attempt warnings.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// New creates an Executor. A nil classifier retries everything.
func New(p Policy, classify Classifier, opts ...Option) *Executor {
	p.defaults()
	if classify == nil {
		classify = func(error) Verdict { return Retry }
	}
	e := &Executor{
		policy:   p,
		classify: classify,
		clock:    SystemClock(),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Do runs op until it succeeds, fails fatally, or exhausts the attempt
// budget. Exhaustion returns an *ExhaustedError wrapping the last failure,
// which callers treat as fatal.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		verdict := e.classify(err)
		if verdict == Fatal {
			return err
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		wait := e.delay(attempt, verdict)
		e.logger.WarnContext(ctx, "retrying operation",
			"attempt", attempt+1,
			"max_attempts", e.policy.MaxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	return &ExhaustedError{Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// delay computes min(base * 2^attempt + jitter, maxDelay), with the extended
// factor applied before capping when the remote signalled overload.
func (e *Executor) delay(attempt int, verdict Verdict) time.Duration {
	d := e.policy.BaseDelay
	for range attempt {
		d *= 2
		if d >= e.policy.MaxDelay {
			d = e.policy.MaxDelay
			break
		}
	}
	if verdict == RetryExtended {
		d *= time.Duration(e.policy.ExtendedFactor)
	}
	d += e.jitter(e.policy.BaseDelay)
	if d > e.policy.MaxDelay {
		d = e.policy.MaxDelay
	}
	return d
}
