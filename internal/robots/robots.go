// Package robots fetches, parses, and caches robots.txt policies per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
)

// Stats is a snapshot of cache activity.
type Stats struct {
	Fetches   int64
	CacheHits int64
	Failures  int64
	Denials   int64
}

// Cache evaluates robots.txt rules with per-host caching and TTL expiry.
// Fetch or parse failures fail open: the host is treated as allow-all.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	defaultDelay time.Duration
	minDelay     time.Duration
	maxDelay     time.Duration

	mu        sync.RWMutex
	entries   map[string]*entry
	overrides map[string]struct{}

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time
}

type entry struct {
	data       *robotstxt.RobotsData
	crawlDelay time.Duration
	sitemaps   []string
	fetchedAt  time.Time
	expiresAt  time.Time
}

// NewCache constructs a robots cache from politeness configuration.
func NewCache(cfg config.PolitenessConfig, userAgent string, client *http.Client) *Cache {
	timeout := cfg.RobotsTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ttl := cfg.RobotsCacheTTL.Duration
	if ttl <= 0 {
		ttl = time.Hour
	}

	overrides := make(map[string]struct{}, len(cfg.RobotsOverrides))
	for _, host := range cfg.RobotsOverrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Cache{
		client:       client,
		userAgent:    userAgent,
		ttl:          ttl,
		respect:      cfg.RespectRobots,
		defaultDelay: cfg.Delay.Duration,
		minDelay:     cfg.MinDelay.Duration,
		maxDelay:     cfg.MaxDelay.Duration,
		entries:      make(map[string]*entry),
		overrides:    overrides,
		now:          time.Now,
	}
}

// IsAllowed reports whether the target URL may be fetched. Path and query
// are evaluated together, so "Disallow: /search?" style rules apply.
func (c *Cache) IsAllowed(ctx context.Context, raw string) bool {
	if !c.respect {
		return true
	}
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() {
		return false
	}

	host := strings.ToLower(target.Hostname())
	if _, ok := c.overrides[host]; ok {
		return true
	}

	ent := c.lookup(ctx, target)
	if ent == nil || ent.data == nil {
		// Fail open: a host without readable rules allows everything.
		return true
	}

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}

	allowed := ent.data.FindGroup(c.userAgent).Test(path)
	if !allowed {
		c.statsMu.Lock()
		c.stats.Denials++
		c.statsMu.Unlock()
	}
	return allowed
}

// CrawlDelay returns the effective inter-request delay for the URL's host:
// the robots-declared crawl-delay when present, otherwise the configured
// default, clamped to the [min, max] bounds either way.
func (c *Cache) CrawlDelay(ctx context.Context, raw string) time.Duration {
	delay := c.defaultDelay
	if c.respect {
		if target, err := url.Parse(raw); err == nil && target.IsAbs() {
			if ent := c.lookup(ctx, target); ent != nil && ent.crawlDelay > 0 {
				delay = ent.crawlDelay
			}
		}
	}
	if c.minDelay > 0 && delay < c.minDelay {
		delay = c.minDelay
	}
	if c.maxDelay > 0 && delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

// Sitemaps returns the sitemap URLs declared for the host, if any.
func (c *Cache) Sitemaps(ctx context.Context, raw string) []string {
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() {
		return nil
	}
	ent := c.lookup(ctx, target)
	if ent == nil {
		return nil
	}
	out := make([]string, len(ent.sitemaps))
	copy(out, ent.sitemaps)
	return out
}

// Prefetch warms the cache for a host ahead of the crawl.
func (c *Cache) Prefetch(ctx context.Context, raw string) {
	if !c.respect {
		return
	}
	if target, err := url.Parse(raw); err == nil && target.IsAbs() {
		c.lookup(ctx, target)
	}
}

// Purge evicts cached rules for a host.
func (c *Cache) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Stats returns a copy of the cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) lookup(ctx context.Context, target *url.URL) *entry {
	host := strings.ToLower(target.Host)

	c.mu.RLock()
	ent, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(ent.expiresAt) {
		c.statsMu.Lock()
		c.stats.CacheHits++
		c.statsMu.Unlock()
		return ent
	}

	ent = c.fetch(ctx, target)

	c.mu.Lock()
	c.entries[host] = ent
	c.mu.Unlock()
	return ent
}

// fetch retrieves and parses robots.txt for the target's host. Any failure
// yields an allow-all entry cached for the normal TTL.
func (c *Cache) fetch(ctx context.Context, target *url.URL) *entry {
	now := c.now()
	ent := &entry{fetchedAt: now, expiresAt: now.Add(c.ttl)}

	c.statsMu.Lock()
	c.stats.Fetches++
	c.statsMu.Unlock()

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return c.failed(ent)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.failed(ent)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.failed(ent)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.failed(ent)
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return c.failed(ent)
	}

	ent.data = data
	ent.sitemaps = data.Sitemaps
	if group := data.FindGroup(c.userAgent); group != nil && group.CrawlDelay > 0 {
		ent.crawlDelay = group.CrawlDelay
	}
	return ent
}

func (c *Cache) failed(ent *entry) *entry {
	c.statsMu.Lock()
	c.stats.Failures++
	c.statsMu.Unlock()
	return ent
}

// Host extracts the lower-cased hostname of an absolute URL.
func Host(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return host, nil
}
