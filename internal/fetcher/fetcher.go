// Package fetcher retrieves pages for the crawler, either over plain HTTP
// or through a headless browser.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// Fetcher navigates to a URL and returns the rendered page snapshot.
type Fetcher interface {
	Navigate(ctx context.Context, rawURL string) (*types.PageSnapshot, error)
	Close() error
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTPFetcher implements Fetcher via the Go http.Client. The crawler uses
// it for robots.txt and as the fallback when the browser fails.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Navigate downloads a single URL over HTTP.
func (f *HTTPFetcher) Navigate(ctx context.Context, rawURL string) (*types.PageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &types.PageSnapshot{
		URL:           rawURL,
		FinalURL:      finalURL,
		HTML:          string(body),
		StatusCode:    resp.StatusCode,
		ContentType:   contentTypeToken(resp.Header.Get("Content-Type")),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		FetchedAt:     time.Now(),
		FetchDuration: time.Since(start),
	}, nil
}

// Close satisfies Fetcher; the HTTP client has no resources to release.
func (f *HTTPFetcher) Close() error {
	return nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

// Composite prefers the browser fetcher and falls back to plain HTTP when
// the renderer fails.
type Composite struct {
	primary  Fetcher
	fallback Fetcher
}

// NewComposite builds a composite from a browser fetcher and an HTTP fallback.
func NewComposite(primary, fallback Fetcher) *Composite {
	return &Composite{primary: primary, fallback: fallback}
}

// Navigate delegates to the primary fetcher, then to the fallback.
func (c *Composite) Navigate(ctx context.Context, rawURL string) (*types.PageSnapshot, error) {
	if c.primary != nil {
		snap, err := c.primary.Navigate(ctx, rawURL)
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	if c.fallback == nil {
		return nil, errors.New("no fetcher available")
	}
	return c.fallback.Navigate(ctx, rawURL)
}

// Close releases both fetchers.
func (c *Composite) Close() error {
	var errs error
	if c.primary != nil {
		errs = errors.Join(errs, c.primary.Close())
	}
	if c.fallback != nil {
		errs = errors.Join(errs, c.fallback.Close())
	}
	return errs
}

// contentTypeToken trims parameters off a Content-Type header value.
func contentTypeToken(value string) string {
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// ValidateURL checks that a raw URL is absolute http(s).
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}
