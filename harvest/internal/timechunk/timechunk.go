// Package timechunk partitions a harvest period into calendar-aligned
// chunks and bisects chunks whose record volume exceeds what the source API
// can page through.
//
// Periods are half-open UTC intervals [Start, End). Chunk identifiers are
// deterministic hashes of (task, period, granularity), so re-running a task
// recreates exactly the same chunk set and resume state lines up across
// process restarts.
package timechunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Granularity is the calendar unit a chunk's period is aligned to.
type Granularity string

const (
	Day   Granularity = "day"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == Day || g == Month || g == Year
}

// NextFiner returns the granularity one step below g. ok is false at Day,
// the minimum.
func NextFiner(g Granularity) (next Granularity, ok bool) {
	switch g {
	case Year:
		return Month, true
	case Month:
		return Day, true
	default:
		return g, false
	}
}

// Period is a half-open UTC interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the period is non-empty.
func (p Period) Valid() bool { return p.End.After(p.Start) }

// Contains reports whether t falls inside [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days returns the period's span in whole days, rounded up.
func (p Period) Days() int {
	d := p.End.Sub(p.Start)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

const dateLayout = "2006-01-02"

// String renders the period as "2024-01-01/2024-03-01" (end exclusive).
func (p Period) String() string {
	return p.Start.UTC().Format(dateLayout) + "/" + p.End.UTC().Format(dateLayout)
}

// ParsePeriod parses "YYYY-MM-DD/YYYY-MM-DD" into a half-open period.
func ParsePeriod(s string) (Period, error) {
	lo, hi, ok := strings.Cut(s, "/")
	if !ok {
		return Period{}, fmt.Errorf("timechunk: period %q: want start/end", s)
	}
	start, err := time.ParseInLocation(dateLayout, lo, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("timechunk: period start %q: %w", lo, err)
	}
	end, err := time.ParseInLocation(dateLayout, hi, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("timechunk: period end %q: %w", hi, err)
	}
	p := Period{Start: start, End: end}
	if !p.Valid() {
		return Period{}, fmt.Errorf("timechunk: period %q: end not after start", s)
	}
	return p, nil
}

// Chunk is one bounded sub-period of a task, the unit of fetch, retry and
// resume.
type Chunk struct {
	ID          string
	TaskID      string
	Period      Period
	Granularity Granularity
	ParentID    string
}

// ChunkID derives the deterministic chunk identifier.
func ChunkID(taskID string, p Period, g Granularity) string {
	h, _ := blake2b.New(16, nil)
	fmt.Fprintf(h, "%s|%d|%d|%s", taskID, p.Start.UTC().Unix(), p.End.UTC().Unix(), g)
	return hex.EncodeToString(h.Sum(nil))
}

// ErrIrreducible is returned by Bisect when a chunk's period spans a single
// day: the minimum unit of work, which cannot be split further.
var ErrIrreducible = errors.New("timechunk: chunk cannot be bisected further")

// Split partitions p into granularity-aligned chunks, clipped at p's edges.
// The returned chunks cover p exactly: no gaps, no overlaps.
func Split(taskID string, p Period, g Granularity) ([]Chunk, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("timechunk: split: invalid period %v", p)
	}
	if !g.Valid() {
		return nil, fmt.Errorf("timechunk: split: invalid granularity %q", g)
	}

	var chunks []Chunk
	cur := p.Start.UTC()
	for cur.Before(p.End) {
		next := nextBoundary(cur, g)
		if next.After(p.End) {
			next = p.End
		}
		cp := Period{Start: cur, End: next}
		chunks = append(chunks, Chunk{
			ID:          ChunkID(taskID, cp, g),
			TaskID:      taskID,
			Period:      cp,
			Granularity: g,
		})
		cur = next
	}
	return chunks, nil
}

// nextBoundary returns the first granularity boundary strictly after t.
func nextBoundary(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case Day:
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, 1)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default: // Year
		return time.Date(t.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

// Bisect splits c's period at its temporal midpoint (aligned to a day
// boundary) into two children at the next-finer granularity; a chunk already
// at day granularity splits again at day granularity as long as its period
// spans more than one day. The children inherit c.TaskID and reference c as
// parent; together they cover c.Period exactly. The caller records the
// parent as superseded and the children as pending work.
func Bisect(c Chunk) (left, right Chunk, err error) {
	next, _ := NextFiner(c.Granularity)

	start, end := c.Period.Start.UTC(), c.Period.End.UTC()
	mid := start.Add(end.Sub(start) / 2)
	mid = time.Date(mid.Year(), mid.Month(), mid.Day(), 0, 0, 0, 0, time.UTC)
	if !mid.After(start) || !mid.Before(end) {
		// Period spans a single day; no finer split exists.
		return Chunk{}, Chunk{}, ErrIrreducible
	}

	lp := Period{Start: start, End: mid}
	rp := Period{Start: mid, End: end}
	left = Chunk{
		ID:          ChunkID(c.TaskID, lp, next),
		TaskID:      c.TaskID,
		Period:      lp,
		Granularity: next,
		ParentID:    c.ID,
	}
	right = Chunk{
		ID:          ChunkID(c.TaskID, rp, next),
		TaskID:      c.TaskID,
		Period:      rp,
		Granularity: next,
		ParentID:    c.ID,
	}
	return left, right, nil
}
