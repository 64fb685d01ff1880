// Package fetch retrieves raw records from the upstream API, one page at a
// time. It owns the error taxonomy the retry layer classifies on: network
// and throttling failures are transient, client errors are final for the
// requesting chunk.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/hydrolab/hydroharvest/harvest/internal/record"
)

var (
	// ErrNetwork marks connection failures, timeouts and server-side errors.
	ErrNetwork = errors.New("fetch: network error")
	// ErrRateLimited marks an explicit throttle response from the source.
	ErrRateLimited = errors.New("fetch: rate limited")
	// ErrClient marks a request the source rejected as malformed or
	// unauthorized. Retrying it cannot help.
	ErrClient = errors.New("fetch: client error")
)

// Request asks for one page of records for a task's time window.
type Request struct {
	Domain   string            // rate limit domain, usually the API host
	Endpoint string            // absolute URL of the collection
	Params   map[string]string // extra query parameters from the task
	Start    time.Time
	End      time.Time
	Page     int // 1-based
}

// Result is one fetched page.
type Result struct {
	Records []record.Record
	// Total is the source's count of records matching the query, across all
	// pages. The harvester compares it against what pagination actually
	// delivered to detect truncation.
	Total int
	// Delivered is the raw number of payload objects in this page, counting
	// ones that failed to parse into Records. Truncation checks use it so a
	// malformed record is not mistaken for a cut-off window.
	Delivered int
	// HasNext reports whether the source advertises a further page.
	HasNext bool
}

// Fetcher retrieves pages. Implementations must be safe for concurrent use:
// the harvester calls FetchPage from its worker pool.
type Fetcher interface {
	FetchPage(ctx context.Context, req Request) (*Result, error)
}
