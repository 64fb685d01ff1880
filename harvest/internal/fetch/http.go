package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hydrolab/hydroharvest/harvest/internal/record"
)

// Mapping tells the HTTP client how to read records out of the source's
// payload objects.
type Mapping struct {
	// StartParam and EndParam are the query parameter names for the time
	// window bounds, formatted with DateLayout.
	StartParam string `yaml:"start_param" json:"start_param"`
	EndParam   string `yaml:"end_param" json:"end_param"`
	DateLayout string `yaml:"date_layout" json:"date_layout"`
	// CodeField names the payload field holding the classification code.
	CodeField string `yaml:"code_field" json:"code_field"`
	// TimeField and TimeLayout locate and parse the record timestamp.
	TimeField  string `yaml:"time_field" json:"time_field"`
	TimeLayout string `yaml:"time_layout" json:"time_layout"`
	// KeyFields name the payload fields whose values identify a record.
	// Their order is part of the key.
	KeyFields []string `yaml:"key_fields" json:"key_fields"`
}

func (m *Mapping) defaults() {
	if m.DateLayout == "" {
		m.DateLayout = "2006-01-02"
	}
	if m.TimeLayout == "" {
		m.TimeLayout = time.RFC3339
	}
}

// Client fetches pages from a JSON collection API. Responses are envelopes
// of the form {"count": N, "data": [...], "next": "..."} with page/size
// pagination.
type Client struct {
	http     *http.Client
	mapping  Mapping
	pageSize int
	maxDepth int
	logger   *slog.Logger
}

const (
	defaultPageSize = 1000
	// defaultMaxDepth is the deepest record offset the source will serve;
	// pagination past it returns errors instead of data.
	defaultMaxDepth = 20000
)

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithPageSize(n int) ClientOption {
	return func(c *Client) { c.pageSize = n }
}

func WithMaxDepth(n int) ClientOption {
	return func(c *Client) { c.maxDepth = n }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient builds an HTTP Fetcher using mapping to interpret payloads.
func NewClient(mapping Mapping, opts ...ClientOption) *Client {
	mapping.defaults()
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		mapping:  mapping,
		pageSize: defaultPageSize,
		maxDepth: defaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageSize returns the number of records requested per page.
func (c *Client) PageSize() int { return c.pageSize }

type envelope struct {
	Count int              `json:"count"`
	Data  []map[string]any `json:"data"`
	Next  string           `json:"next"`
}

// FetchPage retrieves one page of the window. Past the source's pagination
// depth, or when a deep page is rejected with a 400, the result reports no
// further pages; the truncation check upstream decides whether the window
// must be bisected.
func (c *Client) FetchPage(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %q: %v", ErrClient, req.Endpoint, err)
	}
	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	q.Set(c.mapping.StartParam, req.Start.UTC().Format(c.mapping.DateLayout))
	// End bound is exclusive; the source treats its date params as
	// inclusive, so back off one day.
	q.Set(c.mapping.EndParam, req.End.UTC().AddDate(0, 0, -1).Format(c.mapping.DateLayout))
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("size", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrClient, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s page %d", ErrRateLimited, req.Domain, req.Page)
	case resp.StatusCode == http.StatusBadRequest && req.Page > 1:
		// Deep pages past the source's window are rejected with a 400 even
		// when earlier pages succeeded. Treat it as the end of pagination.
		c.logger.Debug("pagination cut off by source",
			"domain", req.Domain, "page", req.Page)
		return &Result{HasNext: false}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrClient, req.Domain, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: %s returned %d", ErrNetwork, req.Domain, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrNetwork, err)
	}

	res := &Result{Total: env.Count, Delivered: len(env.Data)}
	skipped := 0
	for _, obj := range env.Data {
		rec, ok := c.toRecord(obj)
		if !ok {
			skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if skipped > 0 {
		c.logger.Warn("dropped unparseable records",
			"domain", req.Domain, "page", req.Page, "skipped", skipped)
	}

	res.HasNext = env.Next != "" && len(env.Data) > 0
	if (req.Page+1)*c.pageSize > c.maxDepth {
		res.HasNext = false
	}
	return res, nil
}

func (c *Client) toRecord(obj map[string]any) (record.Record, bool) {
	rawTime, _ := obj[c.mapping.TimeField].(string)
	if rawTime == "" {
		return record.Record{}, false
	}
	ts, err := time.Parse(c.mapping.TimeLayout, rawTime)
	if err != nil {
		return record.Record{}, false
	}
	code := stringify(obj[c.mapping.CodeField])

	keyParts := make([]string, 0, len(c.mapping.KeyFields))
	for _, f := range c.mapping.KeyFields {
		keyParts = append(keyParts, stringify(obj[f]))
	}
	return record.Record{
		NaturalKey: record.Key(keyParts...),
		Code:       code,
		Timestamp:  ts.UTC(),
		Fields:     obj,
	}, true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JSON numbers decode as float64; codes are integers in practice.
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
