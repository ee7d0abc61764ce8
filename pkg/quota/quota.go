// Package quota implements the policy engine's quota stage: a sliding
// window counter per (agent, tool, action), cheaper than an exact
// token bucket for this workload. The window is approximated from two
// adjacent fixed windows with linear interpolation rather than tracked
// per-request, so the whole counter is a single integer pair per key.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limit configures the quota ceiling for one (agent, tool, action) key.
type Limit struct {
	Max        int64
	WindowSize time.Duration
}

// Counter persists the fixed-window pair backing the sliding window
// estimate. Implementations must make Increment atomic with respect to
// concurrent callers for the same key.
type Counter interface {
	// Increment advances the counter for key at time now and returns the
	// interpolated estimate of requests within the trailing window,
	// INCLUDING the request being counted.
	Increment(ctx context.Context, key string, now time.Time, windowSize time.Duration) (estimate float64, err error)
}

// Limiter evaluates quota admission: deny once the interpolated
// estimate would exceed the configured limit.
type Limiter struct {
	counter Counter
	clock   func() time.Time
}

func NewLimiter(counter Counter) *Limiter {
	return &Limiter{counter: counter, clock: time.Now}
}

// WithClock overrides the clock, for deterministic tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Key builds the quota counter key for an (agent, tool, action) triple.
func Key(agentID, tool, action string) string {
	return agentID + ":" + tool + ":" + action
}

// Allow increments the counter for key and reports whether the request
// is within limit.Max over the trailing limit.WindowSize.
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	estimate, err := l.counter.Increment(ctx, key, l.clock(), limit.WindowSize)
	if err != nil {
		return false, fmt.Errorf("quota: increment %s: %w", key, err)
	}
	return estimate <= float64(limit.Max), nil
}

// MemoryCounter is a per-process Counter backed by a fixed-window pair
// per key, guarded by a single mutex (cheap: increments are O(1)).
type MemoryCounter struct {
	mu    sync.Mutex
	state map[string]*windowPair
}

type windowPair struct {
	windowStart time.Time
	current     int64
	previous    int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{state: make(map[string]*windowPair)}
}

func (c *MemoryCounter) Increment(ctx context.Context, key string, now time.Time, windowSize time.Duration) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.state[key]
	if !ok {
		w = &windowPair{windowStart: now}
		c.state[key] = w
	}

	elapsed := now.Sub(w.windowStart)
	if elapsed >= 2*windowSize {
		w.previous = 0
		w.current = 0
		w.windowStart = now
		elapsed = 0
	} else if elapsed >= windowSize {
		w.previous = w.current
		w.current = 0
		w.windowStart = w.windowStart.Add(windowSize)
		elapsed = now.Sub(w.windowStart)
	}

	w.current++

	frac := 1.0
	if windowSize > 0 {
		frac = 1.0 - float64(elapsed)/float64(windowSize)
	}
	if frac < 0 {
		frac = 0
	}

	return float64(w.previous)*frac + float64(w.current), nil
}
