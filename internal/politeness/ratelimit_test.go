package politeness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/robots"
)

func newTestLimiter(t *testing.T, robotsBody string, mutate func(*config.PolitenessConfig)) (*Limiter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte(robotsBody))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().Politeness
	cfg.Delay = config.DurationFrom(100 * time.Millisecond)
	cfg.MinDelay = config.DurationFrom(50 * time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}
	cache := robots.NewCache(cfg, "crawlscrap-bot/1.0", srv.Client())
	return NewLimiter(cfg, cache), srv
}

func TestAcquireEnforcesDelay(t *testing.T) {
	l, srv := newTestLimiter(t, "User-agent: *\nDisallow:\n", nil)
	ctx := context.Background()
	url := srv.URL + "/page"

	release, err := l.Acquire(ctx, url)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	first := time.Now()
	release()

	release2, err := l.Acquire(ctx, url)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	elapsed := time.Since(first)
	release2()

	if elapsed < 90*time.Millisecond {
		t.Fatalf("second acquire returned after %s, want >= ~100ms", elapsed)
	}
}

func TestAcquireBlocksRobotsDenied(t *testing.T) {
	l, srv := newTestLimiter(t, "User-agent: *\nDisallow: /private\n", nil)

	_, err := l.Acquire(context.Background(), srv.URL+"/private/x")
	if !errors.Is(err, ErrRobotsDisallowed) {
		t.Fatalf("err = %v, want ErrRobotsDisallowed", err)
	}
	if got := l.Stats().BlockedRequests; got != 1 {
		t.Fatalf("BlockedRequests = %d, want 1", got)
	}
}

func TestConcurrencyCapPerHost(t *testing.T) {
	l, srv := newTestLimiter(t, "User-agent: *\nDisallow:\n", func(c *config.PolitenessConfig) {
		c.MaxConcurrentPerDomain = 2
		c.Delay = config.DurationFrom(10 * time.Millisecond)
		c.MinDelay = config.DurationFrom(0)
	})
	ctx := context.Background()
	url := srv.URL + "/page"

	var inflight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, url)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			cur := atomic.AddInt64(&inflight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inflight, -1)
			release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("peak in-flight = %d, want <= 2", got)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l, srv := newTestLimiter(t, "User-agent: *\nDisallow:\n", func(c *config.PolitenessConfig) {
		c.Delay = config.DurationFrom(5 * time.Second)
		c.MaxDelay = config.DurationFrom(10 * time.Second)
	})
	url := srv.URL + "/page"

	release, err := l.Acquire(context.Background(), url)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, url); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	l, srv := newTestLimiter(t, "User-agent: *\nDisallow:\n", nil)
	url := srv.URL + "/page"

	l.Release(url)
	l.Release(url)

	release, err := l.Acquire(context.Background(), url)
	if err != nil {
		t.Fatalf("acquire after spurious releases: %v", err)
	}
	release()
}
