package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
)

func newTestCache(t *testing.T, robotsBody string, status int) (*Cache, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(robotsBody))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().Politeness
	cache := NewCache(cfg, "crawlscrap-bot/1.0", srv.Client())
	return cache, srv
}

func TestIsAllowedDisallowRules(t *testing.T) {
	body := "User-agent: *\nDisallow: /private\nAllow: /private/open\nSitemap: https://example.com/sitemap.xml\n"
	cache, srv := newTestCache(t, body, http.StatusOK)
	ctx := context.Background()

	if !cache.IsAllowed(ctx, srv.URL+"/") {
		t.Fatal("root should be allowed")
	}
	if cache.IsAllowed(ctx, srv.URL+"/private/x") {
		t.Fatal("/private/x should be disallowed")
	}
	if !cache.IsAllowed(ctx, srv.URL+"/private/open/page") {
		t.Fatal("allow rule should take precedence for /private/open")
	}

	sitemaps := cache.Sitemaps(ctx, srv.URL+"/")
	if len(sitemaps) != 1 || sitemaps[0] != "https://example.com/sitemap.xml" {
		t.Fatalf("sitemaps = %v", sitemaps)
	}

	if stats := cache.Stats(); stats.Denials == 0 {
		t.Fatalf("expected denial counter to advance, got %+v", stats)
	}
}

func TestFailOpenOnErrorStatus(t *testing.T) {
	cache, srv := newTestCache(t, "ignored", http.StatusInternalServerError)
	if !cache.IsAllowed(context.Background(), srv.URL+"/anything") {
		t.Fatal("unreadable robots.txt must fail open")
	}
	if stats := cache.Stats(); stats.Failures == 0 {
		t.Fatalf("expected failure counter to advance, got %+v", stats)
	}
}

func TestCrawlDelayClamped(t *testing.T) {
	body := "User-agent: *\nCrawl-delay: 120\n"
	cache, srv := newTestCache(t, body, http.StatusOK)
	ctx := context.Background()

	// 120s declared, max 30s configured.
	if got := cache.CrawlDelay(ctx, srv.URL+"/"); got != 30*time.Second {
		t.Fatalf("CrawlDelay = %s, want 30s", got)
	}
}

func TestCrawlDelayDefaultAndMin(t *testing.T) {
	cache, srv := newTestCache(t, "User-agent: *\nDisallow:\n", http.StatusOK)
	ctx := context.Background()

	// No crawl-delay declared: fall back to default (1s in Default()).
	if got := cache.CrawlDelay(ctx, srv.URL+"/"); got != time.Second {
		t.Fatalf("CrawlDelay = %s, want 1s default", got)
	}

	// A default below the configured minimum (500ms) is raised to it.
	cfg := config.Default().Politeness
	cfg.Delay = config.DurationFrom(100 * time.Millisecond)
	low := NewCache(cfg, "crawlscrap-bot/1.0", srv.Client())
	if got := low.CrawlDelay(ctx, srv.URL+"/"); got != 500*time.Millisecond {
		t.Fatalf("CrawlDelay = %s, want 500ms minimum", got)
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().Politeness
	cache := NewCache(cfg, "crawlscrap-bot/1.0", srv.Client())
	ctx := context.Background()

	cache.IsAllowed(ctx, srv.URL+"/a")
	cache.IsAllowed(ctx, srv.URL+"/b")
	cache.IsAllowed(ctx, srv.URL+"/c")
	if hits != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", hits)
	}

	if got := cache.Stats().CacheHits; got < 2 {
		t.Fatalf("cache hits = %d, want >= 2", got)
	}

	// Purging the host forces a refetch on the next check.
	cache.Purge(srv.Listener.Addr().String())
	cache.IsAllowed(ctx, srv.URL+"/d")
	if hits != 2 {
		t.Fatalf("robots.txt fetched %d times after purge, want 2", hits)
	}
}

func TestDisabledRespectAllowsEverything(t *testing.T) {
	cfg := config.Default().Politeness
	cfg.RespectRobots = false
	cache := NewCache(cfg, "bot", nil)
	if !cache.IsAllowed(context.Background(), "https://example.com/private") {
		t.Fatal("respect=false must allow all")
	}
}
