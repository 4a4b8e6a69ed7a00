package politeness

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/robots"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CheckResult is the outcome of consulting the breaker before a fetch.
type CheckResult struct {
	Allowed bool
	State   State
	Reason  string
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	TotalBlocked int64
	OpenCircuits int
	States       map[string]State
}

// Breaker tracks failures per host over a sliding window and gates fetches
// once a host misbehaves. Circuits are created lazily and live for the
// process lifetime.
type Breaker struct {
	cfg config.CircuitConfig
	now func() time.Time

	mu           sync.Mutex
	circuits     map[string]*circuit
	totalBlocked int64
}

type circuit struct {
	state             State
	failures          []time.Time
	halfOpenSuccesses int
	openedAt          time.Time
	lastChange        time.Time
}

// NewBreaker constructs a breaker; a disabled config behaves as always-closed.
func NewBreaker(cfg config.CircuitConfig) *Breaker {
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// Check reports whether the URL's host currently admits a fetch. An OPEN
// host transitions to HALF_OPEN once the reset timeout elapses; until then
// callers are refused with a remaining-seconds reason.
func (b *Breaker) Check(rawURL string) CheckResult {
	if !b.cfg.Enabled {
		return CheckResult{Allowed: true, State: StateClosed}
	}
	host, err := robots.Host(rawURL)
	if err != nil {
		return CheckResult{Allowed: true, State: StateClosed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	now := b.now()

	switch c.state {
	case StateOpen:
		elapsed := now.Sub(c.openedAt)
		if elapsed >= b.cfg.ResetTimeout.Duration {
			c.state = StateHalfOpen
			c.halfOpenSuccesses = 0
			c.lastChange = now
			return CheckResult{Allowed: true, State: StateHalfOpen}
		}
		remaining := b.cfg.ResetTimeout.Duration - elapsed
		b.totalBlocked++
		return CheckResult{
			State:  StateOpen,
			Reason: fmt.Sprintf("circuit open for %s, retry in %.0fs", host, remaining.Seconds()),
		}
	case StateHalfOpen:
		return CheckResult{Allowed: true, State: StateHalfOpen}
	default:
		return CheckResult{Allowed: true, State: StateClosed}
	}
}

// RecordSuccess notes a successful fetch for the URL's host. In HALF_OPEN,
// enough consecutive successes close the circuit.
func (b *Breaker) RecordSuccess(rawURL string) {
	if !b.cfg.Enabled {
		return
	}
	host, err := robots.Host(rawURL)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	if c.state == StateHalfOpen {
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failures = c.failures[:0]
			c.halfOpenSuccesses = 0
			c.lastChange = b.now()
		}
	}
}

// RecordFailure notes a failed fetch for the URL's host and may trip the
// circuit: CLOSED opens at the windowed failure threshold, HALF_OPEN
// re-opens on any failure.
func (b *Breaker) RecordFailure(rawURL string) {
	if !b.cfg.Enabled {
		return
	}
	host, err := robots.Host(rawURL)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	now := b.now()

	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = now
		c.lastChange = now
		c.halfOpenSuccesses = 0
		return
	}

	c.failures = append(c.failures, now)
	c.pruneWindow(now, b.cfg.FailureWindow.Duration)

	if c.state == StateClosed && len(c.failures) >= b.cfg.FailureThreshold {
		c.state = StateOpen
		c.openedAt = now
		c.lastChange = now
	}
}

// HostState returns the current state for a host, defaulting to CLOSED.
func (b *Breaker) HostState(host string) State {
	host = strings.ToLower(strings.TrimSpace(host))
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[host]; ok {
		return c.state
	}
	return StateClosed
}

// Stats returns a snapshot of all circuit states.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make(map[string]State, len(b.circuits))
	open := 0
	for host, c := range b.circuits {
		states[host] = c.state
		if c.state == StateOpen {
			open++
		}
	}
	return BreakerStats{
		TotalBlocked: b.totalBlocked,
		OpenCircuits: open,
		States:       states,
	}
}

func (b *Breaker) circuit(host string) *circuit {
	c, ok := b.circuits[host]
	if !ok {
		c = &circuit{state: StateClosed, lastChange: b.now()}
		b.circuits[host] = c
	}
	return c
}

func (c *circuit) pruneWindow(now time.Time, window time.Duration) {
	if window <= 0 {
		return
	}
	cutoff := now.Add(-window)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = kept
}
