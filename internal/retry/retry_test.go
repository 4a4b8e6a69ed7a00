package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
)

func newTestController(t *testing.T, mutate func(*config.ResilienceConfig)) (*Controller, *[]time.Duration) {
	t.Helper()
	cfg := config.ResilienceConfig{
		MaxRetries:         2,
		InitialDelay:       config.DurationFrom(100 * time.Millisecond),
		MaxRetryDelay:      config.DurationFrom(30 * time.Second),
		BackoffMultiplier:  2.0,
		Jitter:             0,
		RetryUnknownErrors: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewController(cfg)
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"408", &HTTPStatusError{StatusCode: 408}, ClassTransient},
		{"429", &HTTPStatusError{StatusCode: 429}, ClassTransient},
		{"503", &HTTPStatusError{StatusCode: 503}, ClassTransient},
		{"522 cloudflare", &HTTPStatusError{StatusCode: 522}, ClassTransient},
		{"404", &HTTPStatusError{StatusCode: 404}, ClassPermanent},
		{"403", &HTTPStatusError{StatusCode: 403}, ClassPermanent},
		{"timeout message", errors.New("context deadline exceeded: timeout"), ClassTransient},
		{"conn reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"dns", errors.New("lookup example.com: no such host"), ClassTransient},
		{"robots", errors.New("blocked by robots.txt"), ClassPermanent},
		{"not found text", errors.New("page not found"), ClassPermanent},
		{"mystery", errors.New("weird internal condition"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	c, sleeps := newTestController(t, nil)

	calls := 0
	res := c.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls <= 2 {
			return nil, &HTTPStatusError{StatusCode: 503, URL: "https://x/"}
		}
		return "ok", nil
	})

	if !res.Success || res.Value != "ok" {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	// 100ms then 200ms with multiplier 2 and no jitter.
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}

	stats := c.Stats()
	if stats.TotalAttempts != 3 || stats.SuccessfulRetries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPermanentNotRetried(t *testing.T) {
	c, sleeps := newTestController(t, nil)

	calls := 0
	res := c.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, &HTTPStatusError{StatusCode: 404, URL: "https://x/"}
	})

	if res.Success || calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("permanent error retried: calls=%d sleeps=%v res=%+v", calls, *sleeps, res)
	}
	if c.Stats().PermanentFailures != 1 {
		t.Fatalf("stats = %+v", c.Stats())
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	c, _ := newTestController(t, nil)

	calls := 0
	res := c.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("i/o timeout")
	})

	if res.Success || calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
	if res.LastErr == nil || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
	if c.Stats().FailedRetries != 1 {
		t.Fatalf("stats = %+v", c.Stats())
	}
}

func TestUnknownErrorsConfigurable(t *testing.T) {
	c, sleeps := newTestController(t, func(cfg *config.ResilienceConfig) {
		cfg.RetryUnknownErrors = false
	})

	calls := 0
	res := c.Do(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("weird internal condition")
	})

	if res.Success || calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("unknown error retried with flag off: calls=%d", calls)
	}
}

func TestBackoffCap(t *testing.T) {
	c, sleeps := newTestController(t, func(cfg *config.ResilienceConfig) {
		cfg.MaxRetries = 4
		cfg.MaxRetryDelay = config.DurationFrom(250 * time.Millisecond)
	})

	c.Do(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("i/o timeout")
	})

	for i, d := range *sleeps {
		if d > 250*time.Millisecond {
			t.Fatalf("sleep %d = %s exceeds cap", i, d)
		}
	}
}

func TestCancelledDuringBackoff(t *testing.T) {
	cfg := config.ResilienceConfig{
		MaxRetries:         3,
		InitialDelay:       config.DurationFrom(10 * time.Second),
		MaxRetryDelay:      config.DurationFrom(30 * time.Second),
		BackoffMultiplier:  2.0,
		RetryUnknownErrors: true,
	}
	c := NewController(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := c.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, errors.New("i/o timeout")
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", res.Err)
	}
}
