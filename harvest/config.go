package harvest

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hydrolab/hydroharvest/harvest/internal/fetch"
	"github.com/hydrolab/hydroharvest/harvest/internal/timechunk"
	"github.com/hydrolab/hydroharvest/ratelimit"
	"github.com/hydrolab/hydroharvest/retry"
)

// Config configures the harvest service. It is usually loaded from a YAML
// playbook via LoadConfig.
type Config struct {
	// StateDB is the path of the chunk registry database.
	StateDB string `yaml:"state_db"`
	// EventsDB is the path of the observability event store.
	EventsDB string `yaml:"events_db"`
	// StoreDir holds the per-category output documents.
	StoreDir string `yaml:"store_dir"`

	Workers  int `yaml:"workers"`
	PageSize int `yaml:"page_size"`
	MaxDepth int `yaml:"max_depth"`
	// FetchTimeoutSeconds bounds a single page request.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`

	RateLimits map[string]ratelimit.Limit `yaml:"rate_limits"`
	Retry      RetryConfig                `yaml:"retry"`

	Tasks []TaskSpec `yaml:"tasks"`
}

// RetryConfig is the playbook shape of the retry policy.
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BaseDelaySecs  int `yaml:"base_delay_seconds"`
	MaxDelaySecs   int `yaml:"max_delay_seconds"`
	ExtendedFactor int `yaml:"extended_factor"`
}

// Policy converts the playbook retry section into a retry.Policy, leaving
// zero fields to the policy's own defaults.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      time.Duration(r.BaseDelaySecs) * time.Second,
		MaxDelay:       time.Duration(r.MaxDelaySecs) * time.Second,
		ExtendedFactor: r.ExtendedFactor,
	}
}

// TaskSpec is one playbook task: a source endpoint, the time window to
// harvest and how to classify what comes back.
type TaskSpec struct {
	ID       string            `yaml:"id"`
	Domain   string            `yaml:"domain"`
	Endpoint string            `yaml:"endpoint"`
	Params   map[string]string `yaml:"params"`
	// Period is the full window, "YYYY-MM-DD/YYYY-MM-DD" with an exclusive
	// end.
	Period string `yaml:"period"`
	// Granularity is the initial split: day, month or year.
	Granularity string        `yaml:"granularity"`
	Mapping     fetch.Mapping `yaml:"mapping"`
	// Categories maps source classification codes to output categories.
	Categories map[string]string `yaml:"categories"`
}

func (t *TaskSpec) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task without id", ErrInvalidConfig)
	}
	if t.Endpoint == "" {
		return fmt.Errorf("%w: task %s: endpoint is required", ErrInvalidConfig, t.ID)
	}
	if t.Domain == "" {
		u, err := url.Parse(t.Endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: task %s: cannot derive domain from endpoint", ErrInvalidConfig, t.ID)
		}
		t.Domain = u.Host
	}
	if _, err := timechunk.ParsePeriod(t.Period); err != nil {
		return fmt.Errorf("%w: task %s: %v", ErrInvalidConfig, t.ID, err)
	}
	if !timechunk.Granularity(t.Granularity).Valid() {
		return fmt.Errorf("%w: task %s: granularity %q", ErrInvalidConfig, t.ID, t.Granularity)
	}
	if len(t.Categories) == 0 {
		return fmt.Errorf("%w: task %s: categories are required", ErrInvalidConfig, t.ID)
	}
	if t.Mapping.StartParam == "" || t.Mapping.EndParam == "" {
		return fmt.Errorf("%w: task %s: mapping start_param and end_param are required", ErrInvalidConfig, t.ID)
	}
	if t.Mapping.TimeField == "" || t.Mapping.CodeField == "" {
		return fmt.Errorf("%w: task %s: mapping time_field and code_field are required", ErrInvalidConfig, t.ID)
	}
	if len(t.Mapping.KeyFields) == 0 {
		return fmt.Errorf("%w: task %s: mapping key_fields are required", ErrInvalidConfig, t.ID)
	}
	return nil
}

func (c *Config) defaults() {
	if c.StateDB == "" {
		c.StateDB = "db/state.db"
	}
	if c.EventsDB == "" {
		c.EventsDB = "db/events.db"
	}
	if c.StoreDir == "" {
		c.StoreDir = "data/stores"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 30
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidConfig, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// LoadConfig reads a YAML playbook, applies defaults and validates the
// tasks.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harvest: read playbook: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse playbook: %v", ErrInvalidConfig, err)
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
