// Package breaker implements a per-(tool, action) circuit breaker: a
// rolling failure-count window trips the route from closed to open,
// fast-failing admissions until an open-duration cooldown elapses, then
// allows a single half-open probe to decide whether to close or reopen.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures trip and recovery behavior for one route.
type Config struct {
	FailureThreshold int
	WindowSize       int
	OpenDuration     time.Duration
}

// DefaultConfig is a reasonable default for routes that don't specify
// their own.
var DefaultConfig = Config{FailureThreshold: 5, WindowSize: 10, OpenDuration: 10 * time.Second}

// Breaker is a single (tool, action) route's state machine. Outcomes
// other than upstream 5xx/timeout (4xx, policy denials) must not be
// reported to RecordFailure — the pipeline only records adapter-call
// outcomes that are actually breaker-relevant.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state            State
	outcomes         []bool // true = success, ring buffer of the last WindowSize outcomes
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight bool

	clock func() time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed, clock: time.Now}
}

// WithClock overrides the clock, for deterministic tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Admit reports whether a request may proceed to the adapter. A false
// return is a fast-fail: the caller must not invoke the adapter.
func (b *Breaker) Admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess reports a completed admitted call succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.outcomes = nil
		b.consecutiveFails = 0
		b.halfOpenInFlight = false
	case StateClosed:
		b.pushOutcome(true)
	}
}

// RecordFailure reports a completed admitted call failed with a
// breaker-relevant error (upstream 5xx or timeout).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.pushOutcome(false)
		if b.failuresInWindow() >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.halfOpenInFlight = false
	b.outcomes = nil
}

func (b *Breaker) pushOutcome(success bool) {
	b.outcomes = append(b.outcomes, success)
	if len(b.outcomes) > b.cfg.WindowSize {
		b.outcomes = b.outcomes[len(b.outcomes)-b.cfg.WindowSize:]
	}
}

func (b *Breaker) failuresInWindow() int {
	n := 0
	for _, ok := range b.outcomes {
		if !ok {
			n++
		}
	}
	return n
}

// State reports the breaker's current state, for the metrics gauge.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry owns one Breaker per (tool, action) key, created lazily on
// first use with a shared Config.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for (tool, action), creating it on first use.
func (r *Registry) Get(tool, action string) *Breaker {
	key := tool + ":" + action
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}
