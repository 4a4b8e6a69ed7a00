package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/fetcher"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/politeness"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/retry"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/scraper"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// FetcherFactory creates one fetcher context per worker.
type FetcherFactory func(ctx context.Context) (fetcher.Fetcher, error)

// TaskResult is the outcome of processing one URL task.
type TaskResult struct {
	Task       types.URLTask
	Snapshot   *types.PageSnapshot
	Content    *types.ScrapedContent
	Err        error
	SkipReason string
}

// PoolDeps wires the politeness and extraction machinery into the pool.
type PoolDeps struct {
	NewFetcher        FetcherFactory
	Breaker           *politeness.Breaker
	Limiter           *politeness.Limiter
	Retrier           *retry.Controller
	Scraper           *scraper.Scraper
	Logger            *slog.Logger
	NavigationTimeout time.Duration
	HandlerTimeout    time.Duration
}

// ProgressFunc fires after each worker slice with that worker's progress.
type ProgressFunc func(completed, total, workerID int)

// WorkerPool fans page processing across W workers, each driving its own
// fetcher context with bounded in-slice parallelism.
type WorkerPool struct {
	workers int
	slots   int

	deps     PoolDeps
	fetchers []fetcher.Fetcher

	mu          sync.Mutex
	initialized bool
}

// NewWorkerPool sizes a pool; Initialize must run before Process.
func NewWorkerPool(workers, perWorkerSlots int, deps PoolDeps) (*WorkerPool, error) {
	if workers <= 0 || perWorkerSlots <= 0 {
		return nil, errors.New("worker pool requires positive worker count and slot count")
	}
	if deps.NewFetcher == nil {
		return nil, errors.New("worker pool requires a fetcher factory")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &WorkerPool{workers: workers, slots: perWorkerSlots, deps: deps}, nil
}

// Initialize spins up one fetcher context per worker, in parallel.
func (p *WorkerPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	p.fetchers = make([]fetcher.Fetcher, p.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			f, err := p.deps.NewFetcher(gctx)
			if err != nil {
				return fmt.Errorf("worker %d fetcher: %w", i, err)
			}
			p.fetchers[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range p.fetchers {
			if f != nil {
				_ = f.Close()
			}
		}
		p.fetchers = nil
		return err
	}
	p.initialized = true
	return nil
}

// Process distributes tasks round-robin across the workers and runs each
// worker's share in fully parallel slices. Results keep the input order.
func (p *WorkerPool) Process(ctx context.Context, tasks []types.URLTask, onProgress ProgressFunc) []TaskResult {
	results := make([]TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	type indexed struct {
		task  types.URLTask
		index int
	}
	shares := make([][]indexed, p.workers)
	for i, task := range tasks {
		w := i % p.workers
		shares[w] = append(shares[w], indexed{task: task, index: i})
	}

	var wg sync.WaitGroup
	for workerID, share := range shares {
		if len(share) == 0 {
			continue
		}
		wg.Add(1)
		go func(workerID int, share []indexed) {
			defer wg.Done()
			worker := p.fetchers[workerID]
			completed := 0
			for start := 0; start < len(share); start += p.slots {
				if ctx.Err() != nil {
					return
				}
				end := start + p.slots
				if end > len(share) {
					end = len(share)
				}
				slice := share[start:end]

				var sliceWg sync.WaitGroup
				for _, item := range slice {
					sliceWg.Add(1)
					go func(item indexed) {
						defer sliceWg.Done()
						results[item.index] = p.processTask(ctx, worker, item.task)
					}(item)
				}
				sliceWg.Wait()

				completed += len(slice)
				if onProgress != nil {
					onProgress(completed, len(share), workerID)
				}
			}
		}(workerID, share)
	}
	wg.Wait()
	return results
}

// Shutdown releases every fetcher context.
func (p *WorkerPool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for _, f := range p.fetchers {
		if f != nil {
			errs = errors.Join(errs, f.Close())
		}
	}
	p.fetchers = nil
	p.initialized = false
	return errs
}

// processTask runs the admission chain, fetch with retry, then the scrape.
func (p *WorkerPool) processTask(ctx context.Context, worker fetcher.Fetcher, task types.URLTask) TaskResult {
	res := TaskResult{Task: task}

	if check := p.deps.Breaker.Check(task.URL); !check.Allowed {
		res.SkipReason = check.Reason
		if res.SkipReason == "" {
			res.SkipReason = "circuit open"
		}
		return res
	}

	release, err := p.deps.Limiter.Acquire(ctx, task.URL)
	if err != nil {
		if errors.Is(err, politeness.ErrRobotsDisallowed) {
			res.SkipReason = "blocked by robots.txt"
			return res
		}
		res.Err = err
		return res
	}
	defer release()

	handlerCtx := ctx
	if p.deps.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, p.deps.HandlerTimeout)
		defer cancel()
	}

	result := p.deps.Retrier.Do(handlerCtx, func(ctx context.Context) (any, error) {
		navCtx := ctx
		if p.deps.NavigationTimeout > 0 {
			var cancel context.CancelFunc
			navCtx, cancel = context.WithTimeout(ctx, p.deps.NavigationTimeout)
			defer cancel()
		}
		snap, err := worker.Navigate(navCtx, task.URL)
		if err != nil {
			return nil, err
		}
		if snap.StatusCode >= 400 {
			return nil, &retry.HTTPStatusError{StatusCode: snap.StatusCode, URL: task.URL}
		}
		return snap, nil
	})

	if !result.Success {
		p.deps.Breaker.RecordFailure(task.URL)
		res.Err = result.Err
		if res.Err == nil {
			res.Err = result.LastErr
		}
		res.Content = p.deps.Scraper.Failed(task.URL, task, res.Err)
		p.deps.Logger.Warn("fetch failed",
			"url", task.URL,
			"attempts", result.Attempts,
			"error", res.Err,
		)
		return res
	}

	p.deps.Breaker.RecordSuccess(task.URL)
	snap := result.Value.(*types.PageSnapshot)
	res.Snapshot = snap
	res.Content = p.deps.Scraper.Scrape(snap, task)
	return res
}
