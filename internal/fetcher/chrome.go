package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

const (
	completeWaitCap = 15 * time.Second
	adaptiveWaitCap = 10 * time.Second
)

// RenderOptions configures the headless rendering pipeline.
type RenderOptions struct {
	Mode               types.RenderingMode
	Timeout            time.Duration
	UserAgent          string
	MaxBodyBytes       int64
	Headless           bool
	MinContentLength   int
	ConcurrentSessions int
}

// ChromeFetcher drives a shared headless Chrome instance via chromedp.
// Each Navigate opens a fresh tab in the long-lived browser context.
type ChromeFetcher struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

// NewChromeFetcher launches a browser context with bounded tab concurrency.
func NewChromeFetcher(opts RenderOptions, logger *slog.Logger) (*ChromeFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if opts.Mode == "" {
		opts.Mode = types.RenderAdaptive
	}
	if opts.MinContentLength <= 0 {
		opts.MinContentLength = 200
	}
	if logger == nil {
		logger = slog.Default()
	}

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so a broken Chrome install fails here
	// instead of on the first page.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &ChromeFetcher{
		opts:        opts,
		semaphore:   make(chan struct{}, opts.ConcurrentSessions),
		logger:      logger,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
	}, nil
}

// Navigate loads the URL in a new tab, waits according to the rendering
// mode, and captures the final DOM plus the main document's response
// headers.
func (f *ChromeFetcher) Navigate(parentCtx context.Context, rawURL string) (*types.PageSnapshot, error) {
	select {
	case f.semaphore <- struct{}{}:
		defer func() { <-f.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()

	ctx, cancel := context.WithTimeout(tabCtx, f.opts.Timeout)
	defer cancel()

	// Mirror cancellation of the caller's context into the tab.
	stop := context.AfterFunc(parentCtx, cancel)
	defer stop()

	snap := &types.PageSnapshot{URL: rawURL, StatusCode: 200}
	captureDocumentResponse(ctx, snap)

	start := time.Now()
	var html, finalURL string

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(rawURL),
		f.waitAction(),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	if int64(len(html)) > f.opts.MaxBodyBytes {
		html = html[:f.opts.MaxBodyBytes]
	}

	snap.HTML = html
	snap.FinalURL = rawURL
	if finalURL != "" {
		if u, err := url.Parse(finalURL); err == nil {
			snap.FinalURL = u.String()
		}
	}
	snap.FetchedAt = time.Now()
	snap.FetchDuration = time.Since(start)
	return snap, nil
}

// Close shuts the browser down.
func (f *ChromeFetcher) Close() error {
	f.cancel()
	f.allocCancel()
	return nil
}

// captureDocumentResponse records status and caching headers from the main
// document response as CDP network events arrive.
func captureDocumentResponse(ctx context.Context, snap *types.PageSnapshot) {
	chromedp.ListenTarget(ctx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		snap.StatusCode = int(resp.Response.Status)
		snap.ContentType = contentTypeToken(resp.Response.MimeType)
		for key, value := range resp.Response.Headers {
			text, ok := value.(string)
			if !ok {
				continue
			}
			switch strings.ToLower(key) {
			case "etag":
				snap.ETag = text
			case "last-modified":
				snap.LastModified = text
			case "content-type":
				snap.ContentType = contentTypeToken(text)
			}
		}
	})
}

func (f *ChromeFetcher) waitAction() chromedp.Action {
	switch f.opts.Mode {
	case types.RenderFast:
		return waitForReadyState(readyInteractive, 0)
	case types.RenderComplete:
		// Full load, capped; fall back to whatever the DOM reached.
		return waitForReadyState(readyComplete, completeWaitCap)
	default:
		return f.adaptiveWait()
	}
}

// adaptiveWait waits for the parsed DOM, then upgrades to a full load when
// the body text looks too short to be the real content.
func (f *ChromeFetcher) adaptiveWait() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := waitForReadyState(readyInteractive, 0).Do(ctx); err != nil {
			return err
		}
		var length int
		expr := `document.body ? document.body.innerText.length : 0`
		if err := chromedp.Evaluate(expr, &length).Do(ctx); err != nil {
			return err
		}
		if length >= f.opts.MinContentLength {
			return nil
		}
		return waitForReadyState(readyComplete, adaptiveWaitCap).Do(ctx)
	})
}

type readyLevel int

const (
	readyInteractive readyLevel = iota
	readyComplete
)

// waitForReadyState polls document.readyState until it reaches the wanted
// level. A positive limit bounds the wait; hitting the limit is not an
// error, the caller proceeds with the DOM as-is.
func waitForReadyState(level readyLevel, limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx := ctx
		if limit > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var state string
			if err := chromedp.Evaluate(`document.readyState`, &state).Do(ctx); err != nil {
				return err
			}
			switch level {
			case readyInteractive:
				if state == "interactive" || state == "complete" {
					return nil
				}
			case readyComplete:
				if state == "complete" {
					return nil
				}
			}
			select {
			case <-ticker.C:
			case <-waitCtx.Done():
				if limit > 0 && ctx.Err() == nil {
					return nil
				}
				return ctx.Err()
			}
		}
	})
}
