// Package retry implements the proxy pipeline's retry schedule:
// exponential backoff with full jitter for live traffic, and a
// deterministic PRF-seeded jitter variant for tests and replay.
package retry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

// Policy configures the backoff schedule for one (tool, action) route.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy is the schedule named in the gateway's retry contract:
// base 100ms, factor 2, full jitter, cap 2s, max 3 attempts.
var DefaultPolicy = Policy{
	Base:        100 * time.Millisecond,
	Factor:      2,
	Cap:         2 * time.Second,
	MaxAttempts: 3,
}

// Reason classifies why an attempt is or isn't retryable.
type Reason string

const (
	ReasonUpstreamTimeout Reason = "upstream_timeout"
	ReasonUpstream5xx     Reason = "upstream_5xx"
	ReasonNetworkError    Reason = "network_error"
	ReasonNonRetryable    Reason = "non_retryable"
)

// Retryable reports whether a classified outcome should be retried.
func Retryable(reason Reason) bool {
	switch reason {
	case ReasonUpstreamTimeout, ReasonUpstream5xx, ReasonNetworkError:
		return true
	default:
		return false
	}
}

// ceiling returns the exponential ceiling for attempt (0-indexed),
// capped at policy.Cap before jitter is applied.
func ceiling(attempt int, policy Policy) time.Duration {
	exp := policy.Factor
	pow := 1.0
	for i := 0; i < attempt; i++ {
		pow *= exp
	}
	d := time.Duration(float64(policy.Base) * pow)
	if d > policy.Cap || d < 0 {
		d = policy.Cap
	}
	return d
}

// Delay returns the full-jitter backoff for attempt (0-indexed): a
// value drawn uniformly from [0, ceiling). Attempt 0 has no delay.
func Delay(attempt int, policy Policy) (time.Duration, error) {
	if attempt <= 0 {
		return 0, nil
	}
	ceil := ceiling(attempt, policy)
	if ceil <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(ceil)))
	if err != nil {
		return 0, fmt.Errorf("retry: draw jitter: %w", err)
	}
	return time.Duration(n.Int64()), nil
}

// DeterministicDelay is the test/replay counterpart to Delay: jitter is
// derived from a SHA-256 PRF seeded by (tool, action, attempt, seed)
// rather than crypto/rand, so a recorded run reproduces exactly.
func DeterministicDelay(tool, action string, attempt int, seed string, policy Policy) time.Duration {
	if attempt <= 0 {
		return 0
	}
	ceil := ceiling(attempt, policy)
	if ceil <= 0 {
		return 0
	}

	input := fmt.Sprintf("%s:%s:%d:%s", tool, action, attempt, seed)
	hash := sha256.Sum256([]byte(input))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(basis % uint64(ceil))
}
