// Package classify routes harvested records to output categories by their
// parameter code. Codes with no mapping are counted and dropped, never
// merged.
package classify

import (
	"sort"

	"github.com/hydrolab/hydroharvest/harvest/internal/record"
)

// Router maps parameter codes to category names. The mapping is fixed at
// construction: classification must be deterministic across resumed runs.
type Router struct {
	categories map[string]string
}

// NewRouter builds a Router from a code to category mapping.
func NewRouter(codes map[string]string) *Router {
	m := make(map[string]string, len(codes))
	for code, cat := range codes {
		m[code] = cat
	}
	return &Router{categories: m}
}

// Category returns the category for a code, with ok=false for unmapped
// codes.
func (r *Router) Category(code string) (string, bool) {
	cat, ok := r.categories[code]
	return cat, ok
}

// Categories returns the distinct category names, sorted.
func (r *Router) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, cat := range r.categories {
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out
}

// Partition splits records into per-category batches. Records whose code has
// no mapping are discarded; the count of discards is returned so the run
// report can surface them.
func (r *Router) Partition(records []record.Record) (map[string][]record.Record, int) {
	batches := make(map[string][]record.Record)
	discarded := 0
	for _, rec := range records {
		cat, ok := r.categories[rec.Code]
		if !ok {
			discarded++
			continue
		}
		batches[cat] = append(batches[cat], rec)
	}
	return batches, discarded
}
