package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// MockAdapter synthesizes a deterministic response for (tool, action,
// params) instead of calling a real upstream, for exercising the
// pipeline, cache, breaker, and retry logic in tests and demos without
// network access. A configurable fraction of invocations are forced to
// retryable-failure, chosen deterministically from a hash of the inputs
// so a fixed seed reproduces the same sequence of forced failures.
type MockAdapter struct {
	Tool           string
	FailureFraction float64 // in [0, 1]; 0 disables forced failures
	Seed           string
	clock          func() time.Time
}

func NewMockAdapter(tool string, failureFraction float64, seed string) *MockAdapter {
	return &MockAdapter{Tool: tool, FailureFraction: failureFraction, Seed: seed, clock: time.Now}
}

func (a *MockAdapter) Invoke(ctx context.Context, action string, params map[string]any, credential []byte, deadline time.Time) (Result, error) {
	now := a.clock()
	if now.After(deadline) {
		return Result{Classification: ClassificationRetryableFailure}, fmt.Errorf("adapters: mock deadline exceeded")
	}

	if a.FailureFraction > 0 && a.forcedFailure(action, params) {
		return Result{Classification: ClassificationRetryableFailure}, fmt.Errorf("adapters: mock forced retryable failure")
	}

	body, err := json.Marshal(map[string]any{
		"tool":      a.Tool,
		"action":    action,
		"params":    params,
		"synthetic": true,
	})
	if err != nil {
		return Result{Classification: ClassificationTerminalFailure}, err
	}
	return Result{Bytes: body, Classification: ClassificationOK}, nil
}

// forcedFailure deterministically derives a fraction in [0, 1) from a
// hash of the seed, tool, action, and params, so the same inputs always
// produce the same forced-failure decision within one seed.
func (a *MockAdapter) forcedFailure(action string, params map[string]any) bool {
	paramsJSON, _ := json.Marshal(params)
	h := sha256.Sum256([]byte(a.Seed + "|" + a.Tool + "|" + action + "|" + string(paramsJSON)))
	frac := float64(binary.BigEndian.Uint32(h[:4])) / float64(1<<32)
	return frac < a.FailureFraction
}
