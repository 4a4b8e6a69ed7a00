// Package politeness enforces per-host pacing and failure isolation.
package politeness

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/robots"
)

// ErrRobotsDisallowed marks a URL denied by robots.txt. Not retryable.
var ErrRobotsDisallowed = errors.New("blocked by robots.txt")

// LimiterStats is a snapshot of rate limiter counters.
type LimiterStats struct {
	TotalRequests   int64
	BlockedRequests int64
	TrackedHosts    int
}

// HostState describes one host's pacing state.
type HostState struct {
	Host          string
	LastRequest   time.Time
	Delay         time.Duration
	InFlight      int
	TotalRequests int64
}

// Limiter spaces requests per host: a robots-aware minimum inter-request
// delay, a hard in-flight cap, and an optional token bucket on top.
type Limiter struct {
	robots     *robots.Cache
	maxPerHost int

	rateCfg config.RateLimitConfig

	mu       sync.Mutex
	hosts    map[string]*hostState
	limiters map[string]*rate.Limiter

	totalRequests   int64
	blockedRequests int64
}

type hostState struct {
	last     time.Time
	delay    time.Duration
	inflight int
	total    int64
}

// NewLimiter builds a limiter bound to a robots cache.
func NewLimiter(cfg config.PolitenessConfig, robotsCache *robots.Cache) *Limiter {
	maxPerHost := cfg.MaxConcurrentPerDomain
	if maxPerHost <= 0 {
		maxPerHost = 1
	}
	l := &Limiter{
		robots:     robotsCache,
		maxPerHost: maxPerHost,
		rateCfg:    cfg.RateLimitPerDomain,
		hosts:      make(map[string]*hostState),
	}
	if cfg.RateLimitPerDomain.Enabled() {
		l.limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// Acquire blocks until the host admits another request, then reserves an
// in-flight slot. The returned release function must be called when the
// request finishes. Robots denial returns ErrRobotsDisallowed immediately.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	host, err := robots.Host(rawURL)
	if err != nil {
		return nil, err
	}
	host = strings.ToLower(host)

	if l.robots != nil && !l.robots.IsAllowed(ctx, rawURL) {
		l.mu.Lock()
		l.blockedRequests++
		l.mu.Unlock()
		return nil, ErrRobotsDisallowed
	}

	delay := time.Duration(0)
	if l.robots != nil {
		delay = l.robots.CrawlDelay(ctx, rawURL)
	}

	for {
		now := time.Now()
		l.mu.Lock()
		state, ok := l.hosts[host]
		if !ok {
			state = &hostState{}
			l.hosts[host] = state
		}
		state.delay = delay

		var sleep time.Duration
		switch {
		case state.inflight >= l.maxPerHost:
			// Slot contention: back off a full delay before re-checking.
			sleep = delay
			if sleep <= 0 {
				sleep = 50 * time.Millisecond
			}
		case !state.last.IsZero() && now.Sub(state.last) < delay:
			sleep = delay - now.Sub(state.last)
		default:
			state.inflight++
			state.last = now
			state.total++
			l.totalRequests++
			l.mu.Unlock()

			if bucket := l.bucket(host); bucket != nil {
				if err := bucket.Wait(ctx); err != nil {
					l.Release(rawURL)
					return nil, err
				}
			}

			var once sync.Once
			return func() { once.Do(func() { l.Release(rawURL) }) }, nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release frees an in-flight slot for the URL's host, flooring at zero.
func (l *Limiter) Release(rawURL string) {
	host, err := robots.Host(rawURL)
	if err != nil {
		return
	}
	l.mu.Lock()
	if state, ok := l.hosts[host]; ok && state.inflight > 0 {
		state.inflight--
	}
	l.mu.Unlock()
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	if l.limiters == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if ok {
		return limiter
	}
	interval := l.rateCfg.Window.Duration / time.Duration(l.rateCfg.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	burst := l.rateCfg.Requests
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Every(interval), burst)
	l.limiters[host] = limiter
	return limiter
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		TotalRequests:   l.totalRequests,
		BlockedRequests: l.blockedRequests,
		TrackedHosts:    len(l.hosts),
	}
}

// HostStates returns the pacing state of every tracked host.
func (l *Limiter) HostStates() []HostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HostState, 0, len(l.hosts))
	for host, state := range l.hosts {
		out = append(out, HostState{
			Host:          host,
			LastRequest:   state.last,
			Delay:         state.delay,
			InFlight:      state.inflight,
			TotalRequests: state.total,
		})
	}
	return out
}
