// Package retry wraps fallible operations with classified exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
)

// Class buckets an error for retry purposes.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
	ClassUnknown   Class = "unknown"
)

// HTTPStatusError carries an HTTP status through the retry classifier.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// retryableStatuses includes 408, 429, the 5xx family, and the Cloudflare
// 520-524 variants.
var retryableStatuses = map[int]struct{}{
	408: {}, 429: {},
	500: {}, 502: {}, 503: {}, 504: {},
	520: {}, 521: {}, 522: {}, 523: {}, 524: {},
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"etimedout",
	"eai_again",
	"socket hang up",
	"temporary failure",
	"no such host",
	"unexpected eof",
	"broken pipe",
}

var permanentPatterns = []string{
	"not found",
	"forbidden",
	"unauthorized",
	"invalid url",
	"malformed",
	"unsupported protocol",
	"blocked by robots",
}

// Result reports the outcome of a retried operation.
type Result struct {
	Success       bool
	Value         any
	Err           error
	Attempts      int
	TotalDuration time.Duration
	LastErr       error
}

// Stats aggregates controller activity process-wide.
type Stats struct {
	TotalAttempts     int64
	SuccessfulRetries int64
	FailedRetries     int64
	PermanentFailures int64
	ErrorsByName      map[string]int64
}

// Controller retries transient failures with exponential backoff and jitter.
type Controller struct {
	cfg   config.ResilienceConfig
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand

	mu    sync.Mutex
	stats Stats
}

// NewController builds a controller from resilience configuration.
func NewController(cfg config.ResilienceConfig) *Controller {
	return &Controller{
		cfg:   cfg,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		stats: Stats{ErrorsByName: make(map[string]int64)},
	}
}

// Classify buckets an error as transient, permanent, or unknown.
// HTTP status takes precedence over message matching.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if _, ok := retryableStatuses[statusErr.StatusCode]; ok {
			return ClassTransient
		}
		if statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return ClassPermanent
		}
		if statusErr.StatusCode >= 500 {
			return ClassTransient
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pat := range transientPatterns {
		if strings.Contains(msg, pat) {
			return ClassTransient
		}
	}
	for _, pat := range permanentPatterns {
		if strings.Contains(msg, pat) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}

// Do runs op, retrying transient (and, when configured, unknown) failures
// up to MaxRetries additional attempts.
func (c *Controller) Do(ctx context.Context, op func(context.Context) (any, error)) Result {
	start := time.Now()
	var result Result

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1
		c.count(func(s *Stats) { s.TotalAttempts++ })

		value, err := op(ctx)
		if err == nil {
			result.Success = true
			result.Value = value
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				c.count(func(s *Stats) { s.SuccessfulRetries++ })
			}
			return result
		}

		result.LastErr = err
		c.count(func(s *Stats) { s.ErrorsByName[errorName(err)]++ })

		class := Classify(err)
		if class == ClassPermanent || (class == ClassUnknown && !c.cfg.RetryUnknownErrors) {
			result.Err = err
			result.TotalDuration = time.Since(start)
			c.count(func(s *Stats) { s.PermanentFailures++ })
			return result
		}

		if attempt >= c.cfg.MaxRetries {
			result.Err = err
			result.TotalDuration = time.Since(start)
			c.count(func(s *Stats) { s.FailedRetries++ })
			return result
		}

		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			result.Err = err
			result.TotalDuration = time.Since(start)
			return result
		}
	}
}

// backoff computes initial * multiplier^attempt, capped, with symmetric
// jitter of ±delay*jitter, clamped at zero.
func (c *Controller) backoff(attempt int) time.Duration {
	initial := float64(c.cfg.InitialDelay.Duration)
	delay := initial * math.Pow(c.cfg.BackoffMultiplier, float64(attempt))
	if max := float64(c.cfg.MaxRetryDelay.Duration); max > 0 && delay > max {
		delay = max
	}
	if c.cfg.Jitter > 0 {
		c.mu.Lock()
		spread := (c.rng.Float64()*2 - 1) * delay * c.cfg.Jitter
		c.mu.Unlock()
		delay += spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Stats returns a copy of the aggregate counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byName := make(map[string]int64, len(c.stats.ErrorsByName))
	for k, v := range c.stats.ErrorsByName {
		byName[k] = v
	}
	out := c.stats
	out.ErrorsByName = byName
	return out
}

func (c *Controller) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func errorName(err error) string {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("http_%d", statusErr.StatusCode)
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, ':'); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		msg = msg[:60]
	}
	return msg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
