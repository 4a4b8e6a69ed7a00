package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the crawl engine.
type Config struct {
	Crawl      CrawlConfig      `yaml:"crawl"`
	Politeness PolitenessConfig `yaml:"politeness"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Filter     FilterConfig     `yaml:"filter"`
	Rendering  RenderingConfig  `yaml:"rendering"`
	Worker     WorkerConfig     `yaml:"worker"`
	Queue      QueueConfig      `yaml:"queue"`
	Change     ChangeConfig     `yaml:"change_detection"`
	Output     OutputConfig     `yaml:"output"`
	DB         SQLConfig        `yaml:"db"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CrawlConfig controls frontier limits and per-request budgets.
type CrawlConfig struct {
	MaxDepth          int               `yaml:"max_depth"`
	MaxPages          int               `yaml:"max_pages"`
	UserAgent         string            `yaml:"user_agent"`
	Headers           map[string]string `yaml:"headers"`
	RequestTimeout    Duration          `yaml:"request_timeout"`
	NavigationTimeout Duration          `yaml:"navigation_timeout"`
	HandlerTimeout    Duration          `yaml:"handler_timeout"`
	IncludeSubdomains bool              `yaml:"include_subdomains"`
	MaxBodyBytes      int64             `yaml:"max_body_bytes"`
	StorageDir        string            `yaml:"storage_dir"`
}

// PolitenessConfig governs per-host pacing, robots.txt handling, and
// the per-host concurrency cap.
type PolitenessConfig struct {
	Delay                  Duration        `yaml:"delay"`
	MinDelay               Duration        `yaml:"min_delay"`
	MaxDelay               Duration        `yaml:"max_delay"`
	MaxConcurrentPerDomain int             `yaml:"max_concurrent_per_domain"`
	RespectRobots          bool            `yaml:"respect_robots"`
	RobotsCacheTTL         Duration        `yaml:"robots_cache_ttl"`
	RobotsTimeout          Duration        `yaml:"robots_timeout"`
	RobotsOverrides        []string        `yaml:"robots_overrides"`
	RateLimitPerDomain     RateLimitConfig `yaml:"rate_limit_per_domain"`
}

// RateLimitConfig applies a token bucket per domain on top of the fixed delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-domain token-bucket limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// ResilienceConfig tunes retry backoff and the per-host circuit breaker.
type ResilienceConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	InitialDelay       Duration      `yaml:"initial_delay"`
	MaxRetryDelay      Duration      `yaml:"max_retry_delay"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
	Jitter             float64       `yaml:"jitter"`
	RetryUnknownErrors bool          `yaml:"retry_unknown_errors"`
	Circuit            CircuitConfig `yaml:"circuit_breaker"`
}

// CircuitConfig controls the per-host failure tracker.
type CircuitConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// FilterConfig drives URL admission decisions.
type FilterConfig struct {
	MaxURLLength       int      `yaml:"max_url_length"`
	Blacklist          []string `yaml:"blacklist"`
	Whitelist          []string `yaml:"whitelist"`
	BlockedPaths       []string `yaml:"blocked_paths"`
	SkipExtensions     []string `yaml:"skip_extensions"`
	StrictUniversity   bool     `yaml:"strict_university"`
	UniversitySuffixes []string `yaml:"university_suffixes"`
	IncludePatterns    []string `yaml:"include_patterns"`
	ExcludePatterns    []string `yaml:"exclude_patterns"`
}

// RenderingConfig controls the headless browser capture policy.
type RenderingConfig struct {
	Mode               string `yaml:"mode"`
	Headless           bool   `yaml:"headless"`
	MinContentLength   int    `yaml:"min_content_length"`
	ConcurrentSessions int    `yaml:"concurrent_sessions"`
}

// WorkerConfig sizes the page-processing pool.
type WorkerConfig struct {
	Workers        int `yaml:"workers"`
	PerWorkerSlots int `yaml:"per_worker_slots"`
	BatchSize      int `yaml:"batch_size"`
}

// QueueConfig bounds the URL frontier.
type QueueConfig struct {
	MaxSize         int `yaml:"max_size"`
	BatchSize       int `yaml:"batch_size"`
	DomainBatchSize int `yaml:"domain_batch_size"`
}

// ChangeConfig controls the persistent fingerprint cache.
type ChangeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Dir     string   `yaml:"dir"`
	MaxAge  Duration `yaml:"max_age"`
}

// OutputConfig controls the streaming result writer. FlushInterval and
// MaxBuffer are counted in records, not bytes.
type OutputConfig struct {
	Dir           string `yaml:"dir"`
	Format        string `yaml:"format"`
	FlushInterval int    `yaml:"flush_interval"`
	MaxBuffer     int    `yaml:"max_buffer"`
}

// SQLConfig describes an optional relational sink for scraped pages.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			MaxDepth:          3,
			MaxPages:          100000,
			UserAgent:         "crawlscrap-bot/1.0",
			Headers:           map[string]string{},
			RequestTimeout:    DurationFrom(30 * time.Second),
			NavigationTimeout: DurationFrom(30 * time.Second),
			HandlerTimeout:    DurationFrom(60 * time.Second),
			MaxBodyBytes:      6 * 1024 * 1024,
			StorageDir:        "./storage",
		},
		Politeness: PolitenessConfig{
			Delay:                  DurationFrom(1 * time.Second),
			MinDelay:               DurationFrom(500 * time.Millisecond),
			MaxDelay:               DurationFrom(30 * time.Second),
			MaxConcurrentPerDomain: 2,
			RespectRobots:          true,
			RobotsCacheTTL:         DurationFrom(1 * time.Hour),
			RobotsTimeout:          DurationFrom(10 * time.Second),
		},
		Resilience: ResilienceConfig{
			MaxRetries:         3,
			InitialDelay:       DurationFrom(1 * time.Second),
			MaxRetryDelay:      DurationFrom(30 * time.Second),
			BackoffMultiplier:  2.0,
			Jitter:             0.1,
			RetryUnknownErrors: true,
			Circuit: CircuitConfig{
				Enabled:          true,
				FailureThreshold: 10,
				FailureWindow:    DurationFrom(60 * time.Second),
				ResetTimeout:     DurationFrom(60 * time.Second),
				SuccessThreshold: 3,
			},
		},
		Filter: FilterConfig{
			MaxURLLength: 2000,
			SkipExtensions: []string{
				".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
				".zip", ".tar", ".gz", ".rar",
				".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico",
				".mp3", ".mp4", ".avi", ".mov", ".wmv",
				".css", ".js", ".rss",
			},
			UniversitySuffixes: []string{".edu", ".ac.uk", ".edu.au", ".ac.jp", ".ac.in", ".edu.cn"},
		},
		Rendering: RenderingConfig{
			Mode:               "adaptive",
			Headless:           true,
			MinContentLength:   200,
			ConcurrentSessions: 2,
		},
		Worker: WorkerConfig{
			Workers:        4,
			PerWorkerSlots: 2,
			BatchSize:      10,
		},
		Queue: QueueConfig{
			MaxSize:         100000,
			BatchSize:       20,
			DomainBatchSize: 5,
		},
		Change: ChangeConfig{
			Enabled: true,
			Dir:     "./data/fingerprints",
			MaxAge:  DurationFrom(7 * 24 * time.Hour),
		},
		Output: OutputConfig{
			Dir:           "./data/results",
			Format:        "jsonl",
			FlushInterval: 10,
			MaxBuffer:     100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
// Environment variables are applied on top of the file values.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Politeness.MaxConcurrentPerDomain <= 0 {
		return fmt.Errorf("politeness.max_concurrent_per_domain must be > 0 (got %d)", c.Politeness.MaxConcurrentPerDomain)
	}
	if c.Politeness.MinDelay.Duration > c.Politeness.MaxDelay.Duration {
		return fmt.Errorf("politeness.min_delay %s exceeds max_delay %s", c.Politeness.MinDelay, c.Politeness.MaxDelay)
	}
	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries must be >= 0 (got %d)", c.Resilience.MaxRetries)
	}
	if c.Resilience.BackoffMultiplier < 1 {
		return fmt.Errorf("resilience.backoff_multiplier must be >= 1 (got %g)", c.Resilience.BackoffMultiplier)
	}
	if c.Resilience.Jitter < 0 || c.Resilience.Jitter > 1 {
		return fmt.Errorf("resilience.jitter must be within [0,1] (got %g)", c.Resilience.Jitter)
	}
	if cb := c.Resilience.Circuit; cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("circuit_breaker.failure_threshold must be > 0 (got %d)", cb.FailureThreshold)
		}
		if cb.SuccessThreshold <= 0 {
			return fmt.Errorf("circuit_breaker.success_threshold must be > 0 (got %d)", cb.SuccessThreshold)
		}
	}
	if c.Worker.Workers <= 0 {
		return fmt.Errorf("worker.workers must be > 0 (got %d)", c.Worker.Workers)
	}
	if c.Worker.PerWorkerSlots <= 0 {
		return fmt.Errorf("worker.per_worker_slots must be > 0 (got %d)", c.Worker.PerWorkerSlots)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be > 0 (got %d)", c.Queue.MaxSize)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0 (got %d)", c.Queue.BatchSize)
	}
	if c.Queue.DomainBatchSize <= 0 {
		return fmt.Errorf("queue.domain_batch_size must be > 0 (got %d)", c.Queue.DomainBatchSize)
	}
	switch strings.ToLower(c.Output.Format) {
	case "jsonl", "json", "csv":
	default:
		return fmt.Errorf("output.format must be one of jsonl, json, csv (got %q)", c.Output.Format)
	}
	switch strings.ToLower(c.Rendering.Mode) {
	case "fast", "complete", "adaptive":
	default:
		return fmt.Errorf("rendering.mode must be one of fast, complete, adaptive (got %q)", c.Rendering.Mode)
	}
	if c.Filter.MaxURLLength <= 0 {
		return fmt.Errorf("filter.max_url_length must be > 0 (got %d)", c.Filter.MaxURLLength)
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Rendering.Mode = strings.ToLower(strings.TrimSpace(c.Rendering.Mode))

	if len(c.Politeness.RobotsOverrides) > 0 {
		c.Politeness.RobotsOverrides = dedupeLower(c.Politeness.RobotsOverrides)
	}
	if len(c.Filter.Blacklist) > 0 {
		c.Filter.Blacklist = dedupeLower(c.Filter.Blacklist)
	}
	if len(c.Filter.Whitelist) > 0 {
		c.Filter.Whitelist = dedupeLower(c.Filter.Whitelist)
	}
	if len(c.Filter.SkipExtensions) > 0 {
		c.Filter.SkipExtensions = dedupeLower(c.Filter.SkipExtensions)
	}
	if len(c.Filter.UniversitySuffixes) > 0 {
		c.Filter.UniversitySuffixes = dedupeLower(c.Filter.UniversitySuffixes)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
