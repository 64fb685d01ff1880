// Package ratelimit provides a per-domain token-bucket registry.
//
// Every worker that talks to an external API acquires a token for the API's
// domain before each request. Workers sharing a domain share one bucket, so
// aggregate throughput never exceeds the configured rate regardless of how
// many workers run in parallel. The registry is an explicit dependency passed
// into constructors — never a package-level singleton — so tests can supply
// their own limits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limit configures one domain's bucket: Capacity tokens of burst, refilled at
// PerSecond tokens per second.
type Limit struct {
	Capacity  int     `yaml:"capacity" json:"capacity"`
	PerSecond float64 `yaml:"per_second" json:"per_second"`
}

// DefaultLimit applies to domains with no explicit configuration:
// one request per second, no burst.
var DefaultLimit = Limit{Capacity: 1, PerSecond: 1}

// Registry holds one token bucket per domain. Buckets are created lazily on
// first acquire and live for the registry's lifetime.
type Registry struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*rate.Limiter
	fall    Limit
}

// New creates a Registry with the given per-domain limits. Domains absent
// from the map fall back to DefaultLimit.
func New(limits map[string]Limit) *Registry {
	r := &Registry{
		limits:  make(map[string]Limit, len(limits)),
		buckets: make(map[string]*rate.Limiter),
		fall:    DefaultLimit,
	}
	for d, l := range limits {
		r.limits[d] = l
	}
	return r
}

// Acquire blocks until one token is available for domain, then consumes it.
// It returns an error only when ctx is cancelled; throttling itself never
// fails, it only delays.
func (r *Registry) Acquire(ctx context.Context, domain string) error {
	if err := r.bucket(domain).Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: %s: %w", domain, err)
	}
	return nil
}

// LimitFor returns the configured limit for domain (or the fallback).
func (r *Registry) LimitFor(domain string) Limit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limits[domain]; ok {
		return l
	}
	return r.fall
}

func (r *Registry) bucket(domain string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[domain]; ok {
		return b
	}
	l, ok := r.limits[domain]
	if !ok {
		l = r.fall
	}
	if l.Capacity < 1 {
		l.Capacity = 1
	}
	if l.PerSecond <= 0 {
		l.PerSecond = DefaultLimit.PerSecond
	}
	b := rate.NewLimiter(rate.Limit(l.PerSecond), l.Capacity)
	r.buckets[domain] = b
	return b
}
