// Package crawler orchestrates discovery and extraction in a single pass.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/changedetect"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/fetcher"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/filter"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/politeness"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/queue"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/retry"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/robots"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/scraper"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/storage"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/writer"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// engineMaxDepth caps the operator-supplied depth regardless of request.
const engineMaxDepth = 5

// Request is the operator surface for starting a crawl.
type Request struct {
	SeedURL         string
	IncludeSubpages bool
	Depth           int
	Mode            types.OperationMode
	OutputFormat    string
	UniversityName  string
	ProcessID       string
}

// Validate checks the request and applies engine policy (depth clamp,
// default mode). Validation failures fail the whole run.
func (r *Request) Validate() error {
	if err := fetcher.ValidateURL(r.SeedURL); err != nil {
		return err
	}
	if r.Depth < 0 || r.Depth > 10 {
		return fmt.Errorf("depth %d outside [0,10]", r.Depth)
	}
	if r.Depth > engineMaxDepth {
		r.Depth = engineMaxDepth
	}
	switch r.Mode {
	case "":
		r.Mode = types.ModeCrawlAndScrape
	case types.ModeCrawlOnly, types.ModeScrapeOnly, types.ModeCrawlAndScrape:
	default:
		return fmt.Errorf("unsupported operation mode %q", r.Mode)
	}
	return nil
}

// Stats is the run report handed back to the operator.
type Stats struct {
	JobID          string        `json:"jobId"`
	Discovered     int64         `json:"discovered"`
	Processed      int64         `json:"processed"`
	Skipped        int64         `json:"skipped"`
	Unchanged      int64         `json:"unchanged"`
	Failed         int64         `json:"failed"`
	Duration       time.Duration `json:"durationMs"`
	AvgPageTime    time.Duration `json:"avgPageTimeMs"`
	PagesPerSecond float64       `json:"pagesPerSecond"`
	OutputPath     string        `json:"outputPath,omitempty"`
}

// MarshalJSON writes Duration and AvgPageTime as whole milliseconds.
func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		Duration    int64 `json:"durationMs"`
		AvgPageTime int64 `json:"avgPageTimeMs"`
	}{plain(s), s.Duration.Milliseconds(), s.AvgPageTime.Milliseconds()})
}

// Health aggregates the live counters of every subsystem.
type Health struct {
	Circuits  politeness.BreakerStats
	RateLimit politeness.LimiterStats
	Retries   retry.Stats
	Filter    filter.Stats
	Robots    robots.Stats
	Queue     queue.Stats
	Change    changedetect.Stats
}

// Engine wires the pipeline together and drives a breadth-ordered crawl.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	filter  *filter.Filter
	robots  *robots.Cache
	limiter *politeness.Limiter
	breaker *politeness.Breaker
	retrier *retry.Controller
	scraper *scraper.Scraper
	tracker *changedetect.Tracker
	queue   *queue.Queue
	pool    *WorkerPool
	sink    *storage.PageSink

	newFetcher FetcherFactory

	// OnProgress, when set, receives worker progress callbacks.
	OnProgress ProgressFunc

	mu         sync.Mutex
	discovered []types.DiscoveredURL
}

// NewEngine builds an engine from configuration. The default fetcher
// factory launches headless Chrome contexts; tests inject their own.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	urlFilter, err := filter.New(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("domain filter: %w", err)
	}

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Politeness.RobotsTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
	})

	robotsCache := robots.NewCache(cfg.Politeness, cfg.Crawl.UserAgent, httpFetcher.Client())
	limiter := politeness.NewLimiter(cfg.Politeness, robotsCache)
	breaker := politeness.NewBreaker(cfg.Resilience.Circuit)
	retrier := retry.NewController(cfg.Resilience)
	tracker := changedetect.NewTracker(cfg.Change)

	var sink *storage.PageSink
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sink, err = storage.NewPageSink(cfg.DB)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		filter:  urlFilter,
		robots:  robotsCache,
		limiter: limiter,
		breaker: breaker,
		retrier: retrier,
		scraper: scraper.New(),
		tracker: tracker,
		queue:   queue.New(cfg.Queue),
		sink:    sink,
	}
	e.newFetcher = func(ctx context.Context) (fetcher.Fetcher, error) {
		chrome, err := fetcher.NewChromeFetcher(fetcher.RenderOptions{
			Mode:               types.RenderingMode(cfg.Rendering.Mode),
			Timeout:            cfg.Crawl.NavigationTimeout.Duration,
			UserAgent:          cfg.Crawl.UserAgent,
			MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
			Headless:           cfg.Rendering.Headless,
			MinContentLength:   cfg.Rendering.MinContentLength,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		}, logger)
		if err != nil {
			return nil, err
		}
		return fetcher.NewComposite(chrome, httpFetcher), nil
	}
	return e, nil
}

// SetFetcherFactory overrides how worker fetcher contexts are created.
func (e *Engine) SetFetcherFactory(factory FetcherFactory) {
	e.newFetcher = factory
}

// Queue exposes the frontier, mainly for event subscription.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Run executes a single crawl pass and reports its statistics. Per-URL
// failures are absorbed into the stats; only structural failures (bad
// seed, writer I/O, fingerprint persistence) abort the run.
func (e *Engine) Run(ctx context.Context, req Request) (*Stats, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	seed, err := url.Parse(req.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	seedHost := strings.ToLower(seed.Hostname())

	if d := e.filter.Allow(req.SeedURL, "", false); !d.Allowed {
		return nil, fmt.Errorf("seed %s rejected by domain filter: %s", req.SeedURL, d.Reason)
	}

	jobID := strings.TrimSpace(req.ProcessID)
	if jobID == "" {
		jobID = fmt.Sprintf("crawl-%d", time.Now().UnixNano())
	}

	maxDepth := req.Depth
	if !req.IncludeSubpages || req.Mode == types.ModeScrapeOnly {
		maxDepth = 0
	}
	if maxDepth > e.cfg.Crawl.MaxDepth {
		maxDepth = e.cfg.Crawl.MaxDepth
	}

	e.robots.Prefetch(ctx, req.SeedURL)
	e.tracker.LoadHost(seedHost)

	var out *writer.Writer
	if req.Mode != types.ModeCrawlOnly {
		outputCfg := e.cfg.Output
		if req.OutputFormat != "" {
			outputCfg.Format = strings.ToLower(req.OutputFormat)
		}
		out, err = writer.New(outputCfg, jobID)
		if err != nil {
			return nil, err
		}
	}

	pool, err := NewWorkerPool(e.cfg.Worker.Workers, e.cfg.Worker.PerWorkerSlots, PoolDeps{
		NewFetcher:        e.newFetcher,
		Breaker:           e.breaker,
		Limiter:           e.limiter,
		Retrier:           e.retrier,
		Scraper:           e.scraper,
		Logger:            e.logger,
		NavigationTimeout: e.cfg.Crawl.NavigationTimeout.Duration,
		HandlerTimeout:    e.cfg.Crawl.HandlerTimeout.Duration,
	})
	if err != nil {
		return nil, err
	}
	if err := pool.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialise worker pool: %w", err)
	}
	e.pool = pool
	defer func() {
		if err := pool.Shutdown(); err != nil {
			e.logger.Warn("worker pool shutdown", "error", err)
		}
	}()

	start := time.Now()
	stats := &Stats{JobID: jobID}
	var pageTime time.Duration

	e.queue.Add(req.SeedURL, 0, "", -1)

	pagesBudget := int64(e.cfg.Crawl.MaxPages)

	for ctx.Err() == nil {
		batch := e.queue.GetBatch()
		if len(batch) == 0 {
			break
		}

		results := e.pool.Process(ctx, batch, e.OnProgress)
		for i := range results {
			e.handleResult(ctx, &results[i], seedHost, maxDepth, out, stats, &pageTime)
		}

		if pagesBudget > 0 && stats.Processed+stats.Skipped+stats.Failed >= pagesBudget {
			e.logger.Info("page budget reached", "budget", pagesBudget)
			break
		}
	}
	e.queue.MarkDiscoveryComplete()

	stats.Discovered = e.queue.Stats().Added
	stats.Duration = time.Since(start)
	if pages := stats.Processed + stats.Unchanged; pages > 0 {
		stats.AvgPageTime = pageTime / time.Duration(pages)
	}
	if secs := stats.Duration.Seconds(); secs > 0 {
		stats.PagesPerSecond = float64(stats.Processed+stats.Unchanged) / secs
	}

	// Best-effort teardown still surfaces its failures to the caller.
	var closeErrs error
	if err := e.tracker.Save(); err != nil {
		closeErrs = errors.Join(closeErrs, fmt.Errorf("save fingerprints: %w", err))
	}
	if out != nil {
		if err := out.Close(); err != nil {
			closeErrs = errors.Join(closeErrs, fmt.Errorf("close writer: %w", err))
		}
		stats.OutputPath = out.Path()
	}
	if ctx.Err() != nil {
		e.logger.Warn("crawl cancelled", "job", jobID)
	}

	e.logger.Info("crawl finished",
		"job", jobID,
		"discovered", stats.Discovered,
		"processed", stats.Processed,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"duration", stats.Duration.String(),
	)
	return stats, closeErrs
}

func (e *Engine) handleResult(ctx context.Context, res *TaskResult, seedHost string, maxDepth int, out *writer.Writer, stats *Stats, pageTime *time.Duration) {
	task := res.Task

	switch {
	case res.SkipReason != "":
		// Policy-denied URLs are processed with a skip reason, never retried.
		stats.Skipped++
		e.recordOutcome(res, seedHost)
		e.queue.Complete(task.URL)

	case res.Err != nil:
		// Failure records carry no scraped content and are not emitted.
		stats.Failed++
		e.recordOutcome(res, seedHost)
		e.queue.Fail(task.URL, false)

	default:
		snap := res.Snapshot
		*pageTime += snap.FetchDuration
		e.recordOutcome(res, seedHost)

		decision := e.tracker.Check(task.URL, snap.ETag, snap.LastModified)
		emit := false
		if decision.Recrawl {
			changed := e.tracker.Update(task.URL, res.Content.Text, res.Content.Links, res.Content.Headings, snap.ETag, snap.LastModified)
			emit = changed
		}

		if emit {
			stats.Processed++
			if out != nil {
				if err := out.Write(res.Content); err != nil {
					e.logger.Error("write result", "url", task.URL, "error", err)
				}
			}
			if e.sink != nil {
				if err := e.sink.SavePage(ctx, res.Content); err != nil {
					e.logger.Error("persist result", "url", task.URL, "error", err)
				}
			}
		} else {
			stats.Unchanged++
		}
		e.queue.Complete(task.URL)

		// Unchanged pages still feed discovery so the link graph stays
		// complete; their stored hashes are refreshed only when a recrawl
		// finds the content or the structure changed.
		if task.Depth < maxDepth {
			e.enqueueLinks(res.Content.Links, task, seedHost)
		}
	}
}

func (e *Engine) enqueueLinks(links []string, parent types.URLTask, seedHost string) {
	for _, link := range links {
		d := e.filter.Allow(link, seedHost, e.cfg.Crawl.IncludeSubdomains)
		if !d.Allowed {
			continue
		}
		e.queue.Add(link, parent.Depth+1, parent.URL, -1)
	}
}

func (e *Engine) recordOutcome(res *TaskResult, seedHost string) {
	linkType := types.LinkExternal
	if host := res.Task.Host; host == seedHost || strings.HasSuffix(host, "."+seedHost) {
		linkType = types.LinkInternal
	}
	record := types.DiscoveredURL{
		URLTask:      res.Task,
		DiscoveredAt: time.Now(),
		LinkType:     linkType,
		SkipReason:   res.SkipReason,
	}
	if res.Snapshot != nil {
		record.StatusCode = res.Snapshot.StatusCode
		record.ContentType = res.Snapshot.ContentType
		record.FetchDuration = res.Snapshot.FetchDuration
	}
	e.mu.Lock()
	e.discovered = append(e.discovered, record)
	e.mu.Unlock()
}

// Discovered returns the per-URL outcome records collected during the run.
func (e *Engine) Discovered() []types.DiscoveredURL {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.DiscoveredURL, len(e.discovered))
	copy(out, e.discovered)
	return out
}

// Health snapshots every subsystem's counters.
func (e *Engine) Health() Health {
	return Health{
		Circuits:  e.breaker.Stats(),
		RateLimit: e.limiter.Stats(),
		Retries:   e.retrier.Stats(),
		Filter:    e.filter.Stats(),
		Robots:    e.robots.Stats(),
		Queue:     e.queue.Stats(),
		Change:    e.tracker.Stats(),
	}
}

// Close releases resources held across runs.
func (e *Engine) Close() error {
	if e.sink != nil {
		return e.sink.Close()
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
