package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays environment variables onto the configuration. Every
// tunable exposed here can be set without touching the YAML file; invalid
// values are ignored in favour of the existing setting.
func (c *Config) ApplyEnv() {
	// crawler scale
	envInt("CRAWLER_MAX_REQUESTS", &c.Crawl.MaxPages)
	envInt("CRAWLER_DISCOVERY_CONCURRENCY", &c.Worker.Workers)
	envSeconds("CRAWLER_NAV_TIMEOUT_SECS", &c.Crawl.NavigationTimeout)
	envSeconds("CRAWLER_HANDLER_TIMEOUT_SECS", &c.Crawl.HandlerTimeout)
	envInt("CRAWLER_MAX_DEPTH", &c.Crawl.MaxDepth)
	envBool("CRAWLER_HEADLESS", &c.Rendering.Headless)
	envString("CRAWLER_RENDERING_MODE", &c.Rendering.Mode)
	envInt("CRAWLER_MIN_CONTENT_LENGTH", &c.Rendering.MinContentLength)

	// politeness
	envMillis("CRAWL_DELAY_MS", &c.Politeness.Delay)
	envMillis("CRAWL_MIN_DELAY_MS", &c.Politeness.MinDelay)
	envMillis("CRAWL_MAX_DELAY_MS", &c.Politeness.MaxDelay)
	envBool("RESPECT_ROBOTS_TXT", &c.Politeness.RespectRobots)
	envString("CRAWL_USER_AGENT", &c.Crawl.UserAgent)
	envSeconds("ROBOTS_TXT_CACHE_TTL", &c.Politeness.RobotsCacheTTL)
	envInt("MAX_CONCURRENT_PER_DOMAIN", &c.Politeness.MaxConcurrentPerDomain)
	envSeconds("ROBOTS_TXT_TIMEOUT", &c.Politeness.RobotsTimeout)

	// resilience
	envInt("MAX_RETRIES", &c.Resilience.MaxRetries)
	envMillis("RETRY_INITIAL_DELAY_MS", &c.Resilience.InitialDelay)
	envMillis("RETRY_MAX_DELAY_MS", &c.Resilience.MaxRetryDelay)
	envFloat("RETRY_BACKOFF_MULTIPLIER", &c.Resilience.BackoffMultiplier)
	envFloat("RETRY_JITTER", &c.Resilience.Jitter)
	envSeconds("REQUEST_TIMEOUT", &c.Crawl.RequestTimeout)
	envBool("CIRCUIT_BREAKER_ENABLED", &c.Resilience.Circuit.Enabled)
	envInt("CIRCUIT_BREAKER_THRESHOLD", &c.Resilience.Circuit.FailureThreshold)
	envMillis("CIRCUIT_BREAKER_WINDOW_MS", &c.Resilience.Circuit.FailureWindow)
	envMillis("CIRCUIT_BREAKER_RESET_MS", &c.Resilience.Circuit.ResetTimeout)
	envInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", &c.Resilience.Circuit.SuccessThreshold)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		v = strings.TrimSpace(v)
		if v != "" {
			*dst = v
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func envMillis(key string, dst *Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			*dst = DurationFrom(time.Duration(n) * time.Millisecond)
		}
	}
}

func envSeconds(key string, dst *Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			*dst = DurationFrom(time.Duration(n) * time.Second)
		}
	}
}
