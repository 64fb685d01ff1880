// Package mergestore maintains the per-category output stores. Each category
// is one JSON document on disk holding every record merged so far, sorted by
// timestamp. Merges deduplicate on the natural key: the first record seen
// for a key wins and later duplicates are dropped, so re-merging the same
// batch is a no-op.
package mergestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hydrolab/hydroharvest/harvest/internal/record"
)

// ErrCorruptStore marks a category document that exists but cannot be
// parsed. The category is unusable until an operator repairs or removes the
// file; other categories are unaffected.
var ErrCorruptStore = errors.New("mergestore: corrupt category store")

// Engine serializes merges per category and keeps each write atomic.
type Engine struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine writing category documents under dir.
func New(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mergestore: create %s: %w", dir, err)
	}
	return &Engine{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// MergeResult reports what one merge changed.
type MergeResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Total      int `json:"total"`
}

// Stats describes one category store on disk.
type Stats struct {
	Category  string    `json:"category"`
	Records   int       `json:"records"`
	Bytes     int64     `json:"bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

type document struct {
	Category  string         `json:"category"`
	UpdatedAt time.Time      `json:"updated_at"`
	Records   []storedRecord `json:"records"`
}

// storedRecord flattens Record.Fields into the JSON object alongside the
// reserved keys, matching the shape the source API serves.
type storedRecord struct {
	rec record.Record
}

const (
	keyField  = "natural_key"
	codeField = "code"
	timeField = "timestamp"
)

func (s storedRecord) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(s.rec.Fields)+3)
	for k, v := range s.rec.Fields {
		obj[k] = v
	}
	obj[keyField] = s.rec.NaturalKey
	obj[codeField] = s.rec.Code
	obj[timeField] = s.rec.Timestamp.UTC().Format(time.RFC3339)
	return json.Marshal(obj)
}

func (s *storedRecord) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	key, _ := obj[keyField].(string)
	code, _ := obj[codeField].(string)
	rawTime, _ := obj[timeField].(string)
	if key == "" || rawTime == "" {
		return fmt.Errorf("record missing %s or %s", keyField, timeField)
	}
	ts, err := time.Parse(time.RFC3339, rawTime)
	if err != nil {
		return fmt.Errorf("parse %s: %w", timeField, err)
	}
	delete(obj, keyField)
	delete(obj, codeField)
	delete(obj, timeField)
	s.rec = record.Record{NaturalKey: key, Code: code, Timestamp: ts.UTC(), Fields: obj}
	return nil
}

func (e *Engine) lock(category string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[category]
	if !ok {
		l = &sync.Mutex{}
		e.locks[category] = l
	}
	return l
}

func (e *Engine) path(category string) string {
	return filepath.Join(e.dir, category+".json")
}

// Merge folds records into the category store. Existing records always win
// over incoming ones with the same natural key; within the incoming batch
// the earliest occurrence wins. The result file is sorted by timestamp and
// replaced atomically, so readers never observe a partial merge.
func (e *Engine) Merge(ctx context.Context, category string, records []record.Record) (MergeResult, error) {
	l := e.lock(category)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return MergeResult{}, err
	}

	doc, err := e.load(category)
	if err != nil {
		return MergeResult{}, err
	}

	seen := make(map[string]bool, len(doc.Records)+len(records))
	for _, s := range doc.Records {
		seen[s.rec.NaturalKey] = true
	}

	var res MergeResult
	for _, rec := range records {
		if seen[rec.NaturalKey] {
			res.Duplicates++
			continue
		}
		seen[rec.NaturalKey] = true
		doc.Records = append(doc.Records, storedRecord{rec: rec})
		res.Added++
	}
	res.Total = len(doc.Records)

	if res.Added == 0 {
		return res, nil
	}

	sort.SliceStable(doc.Records, func(i, j int) bool {
		ti, tj := doc.Records[i].rec.Timestamp, doc.Records[j].rec.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return doc.Records[i].rec.NaturalKey < doc.Records[j].rec.NaturalKey
	})

	doc.Category = category
	doc.UpdatedAt = time.Now().UTC()
	if err := e.write(category, doc); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

func (e *Engine) load(category string) (*document, error) {
	data, err := os.ReadFile(e.path(category))
	if errors.Is(err, os.ErrNotExist) {
		return &document{Category: category}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mergestore: read %s: %w", category, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, category, err)
	}
	return &doc, nil
}

// write replaces the category document via a temp file and rename. The temp
// file lives in the same directory so the rename stays on one filesystem.
func (e *Engine) write(category string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("mergestore: encode %s: %w", category, err)
	}

	tmp, err := os.CreateTemp(e.dir, category+".*.tmp")
	if err != nil {
		return fmt.Errorf("mergestore: temp file for %s: %w", category, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mergestore: write %s: %w", category, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("mergestore: sync %s: %w", category, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mergestore: close %s: %w", category, err)
	}
	if err := os.Rename(tmpName, e.path(category)); err != nil {
		return fmt.Errorf("mergestore: replace %s: %w", category, err)
	}
	return nil
}

// Records returns the merged records of a category in stored order. A
// missing store yields an empty slice, not an error.
func (e *Engine) Records(category string) ([]record.Record, error) {
	l := e.lock(category)
	l.Lock()
	defer l.Unlock()

	doc, err := e.load(category)
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, len(doc.Records))
	for i, s := range doc.Records {
		out[i] = s.rec
	}
	return out, nil
}

// StoreStats reports size and freshness for every category document on
// disk.
func (e *Engine) StoreStats() ([]Stats, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("mergestore: read dir: %w", err)
	}
	var out []Stats
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		category := name[:len(name)-len(".json")]
		doc, err := e.load(category)
		if err != nil {
			return nil, err
		}
		info, err := ent.Info()
		if err != nil {
			return nil, fmt.Errorf("mergestore: stat %s: %w", name, err)
		}
		out = append(out, Stats{
			Category:  category,
			Records:   len(doc.Records),
			Bytes:     info.Size(),
			UpdatedAt: doc.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}
