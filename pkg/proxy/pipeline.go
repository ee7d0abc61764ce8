// Package proxy implements the proxy request pipeline: the orchestrator
// that authenticates a token, authorizes the request against policy,
// fingerprints it for cache/coalescing, admits it through the circuit
// breaker, retries the adapter call with backoff, and records every
// outcome in metrics and telemetry.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agent-gateway/pkg/adapters"
	"github.com/mindburn-labs/agent-gateway/pkg/audit"
	"github.com/mindburn-labs/agent-gateway/pkg/breaker"
	"github.com/mindburn-labs/agent-gateway/pkg/cache"
	"github.com/mindburn-labs/agent-gateway/pkg/metrics"
	"github.com/mindburn-labs/agent-gateway/pkg/policy"
	"github.com/mindburn-labs/agent-gateway/pkg/retry"
	"github.com/mindburn-labs/agent-gateway/pkg/secrets"
	"github.com/mindburn-labs/agent-gateway/pkg/tokens"
	"github.com/mindburn-labs/agent-gateway/pkg/tooling"
)

// Code is the terminal HTTP-shaped outcome of a request, per §4.8's
// state machine: 200, 401, 403, 429, 502, 503, 504.
type Code int

const (
	CodeOK              Code = 200
	CodeUnauthorized    Code = 401
	CodeForbidden       Code = 403
	CodeQuotaExceeded   Code = 429
	CodeBadGateway      Code = 502
	CodeServiceUnavailable Code = 503
	CodeGatewayTimeout  Code = 504
)

// Response is the pipeline's outcome for one request.
type Response struct {
	Code          Code
	Body          []byte
	CorrelationID string
	Reason        string // non-leaking reason code for non-2xx outcomes
}

// Request is the incoming proxy call, already parsed from the
// transport-layer JSON body (the HTTP layer itself is out of scope).
type Request struct {
	AgentToken string
	Tool       string
	Action     string
	Params     map[string]any
	Deadline   time.Time
}

// AgentRoleLookup resolves an agent id to its policy role. Kept narrow so
// the pipeline doesn't depend on the full agents.Service.
type AgentRoleLookup interface {
	Role(ctx context.Context, agentID string) (string, error)
}

// Pipeline wires together every subsystem the proxy request path
// touches. Construct one Pipeline per process; it is safe for
// concurrent use by many goroutines.
type Pipeline struct {
	Tokens     *tokens.Service
	Policy     *policy.Engine
	Roles      AgentRoleLookup
	Descriptors *tooling.Registry
	Cache      *cache.Cache
	Breakers   *breaker.Registry
	Secrets    *secrets.Store
	Adapters   *adapters.Registry
	RetryPolicy retry.Policy
	Metrics    *metrics.Registry
	Audit      audit.Logger
	Filter     ResponseFilter

	clock func() time.Time

	semMu sync.Mutex
	sems  map[string]chan struct{} // key: tool+":"+action
}

func New(
	tokenSvc *tokens.Service,
	policyEngine *policy.Engine,
	roles AgentRoleLookup,
	descriptors *tooling.Registry,
	respCache *cache.Cache,
	breakers *breaker.Registry,
	secretsStore *secrets.Store,
	adapterRegistry *adapters.Registry,
	retryPolicy retry.Policy,
	metricsRegistry *metrics.Registry,
	auditLogger audit.Logger,
) *Pipeline {
	return &Pipeline{
		Tokens: tokenSvc, Policy: policyEngine, Roles: roles, Descriptors: descriptors,
		Cache: respCache, Breakers: breakers, Secrets: secretsStore, Adapters: adapterRegistry,
		RetryPolicy: retryPolicy, Metrics: metricsRegistry, Audit: auditLogger,
		Filter: FieldRedactor{},
		clock:  time.Now,
		sems:   make(map[string]chan struct{}),
	}
}

func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithFilter overrides the response-shaping filter applied before a 200
// response is returned. Defaults to FieldRedactor.
func (p *Pipeline) WithFilter(f ResponseFilter) *Pipeline {
	p.Filter = f
	return p
}

// Handle executes the full pipeline for one request.
func (p *Pipeline) Handle(ctx context.Context, req Request) Response {
	correlationID := uuid.NewString()
	start := p.clock()

	emit := func(resp Response) Response {
		resp.CorrelationID = correlationID
		p.Metrics.RequestCompleted(req.Tool, req.Action, fmt.Sprintf("%d", resp.Code), p.clock().Sub(start))
		return resp
	}

	validated, verr := p.Tokens.Validate(ctx, req.AgentToken)
	if verr != nil {
		p.recordAudit(ctx, correlationID, "", audit.EventTokenValidated, req.Action, map[string]any{"outcome": "rejected"})
		return emit(Response{Code: CodeUnauthorized, Reason: "unauthorized"})
	}
	p.recordAudit(ctx, correlationID, validated.AgentID, audit.EventTokenValidated, req.Action, map[string]any{"outcome": "accepted"})

	role, err := p.Roles.Role(ctx, validated.AgentID)
	if err != nil {
		return emit(Response{Code: CodeUnauthorized, Reason: "unauthorized"})
	}

	decision, err := p.Policy.Evaluate(ctx, policy.Request{
		AgentID: validated.AgentID,
		Role:    role,
		Scope:   validated.Scope,
		Tool:    req.Tool,
		Action:  req.Action,
		Params:  req.Params,
		Now:     p.clock(),
	})
	if err != nil {
		return emit(Response{Code: CodeBadGateway, Reason: "internal-error"})
	}
	if decision.Decision != policy.DecisionAllow {
		p.recordAudit(ctx, correlationID, validated.AgentID, audit.EventPolicyDenial, req.Action, map[string]any{"reason": decision.Reason})
		code := CodeForbidden
		if decision.Reason == policy.ReasonQuota {
			code = CodeQuotaExceeded
		}
		return emit(Response{Code: code, Reason: decision.Reason})
	}

	scopeHash, err := tooling.ScopeHash(validated.Scope.Tools, validated.Scope.Actions)
	if err != nil {
		return emit(Response{Code: CodeBadGateway, Reason: "internal-error"})
	}
	fingerprint, err := tooling.Fingerprint(tooling.Request{Tool: req.Tool, Action: req.Action, Params: req.Params, ScopeHash: scopeHash})
	if err != nil {
		return emit(Response{Code: CodeBadGateway, Reason: "internal-error"})
	}

	ttl := p.cacheTTL(req.Tool, req.Action)

	body, hit, err := p.Cache.GetOrCompute(ctx, fingerprint, ttl, func(ctx context.Context) ([]byte, error) {
		return p.invokeWithResilience(ctx, req)
	})
	if hit {
		p.Metrics.CacheHit(req.Tool, req.Action)
	}
	if err != nil {
		return emit(p.classifyPipelineError(err))
	}

	if p.Filter != nil {
		filtered, ferr := p.Filter.Filter(body, decision.Redact)
		if ferr == nil {
			body = filtered
		}
	}

	return emit(Response{Code: CodeOK, Body: body})
}

// cacheTTL looks up the per-tool TTL from the descriptor registry,
// falling back to no caching when undescribed.
func (p *Pipeline) cacheTTL(tool, action string) time.Duration {
	if p.Descriptors == nil {
		return 0
	}
	d, ok := p.Descriptors.Get(tool, action)
	if !ok {
		return 0
	}
	return time.Duration(d.CostEnvelope.CacheTTLSeconds) * time.Second
}

// errBreakerOpen signals a fast-fail; it never reaches the retry loop's
// classification because Admit is checked first.
var errBreakerOpen = errors.New("proxy: breaker open")

// errOverloaded signals a per-tool concurrency cap was exceeded; it's a
// 429 distinct from quota exhaustion and never touches the breaker.
var errOverloaded = errors.New("proxy: adapter concurrency limit exceeded")

// semaphoreFor returns the buffered channel gating concurrent invocations
// of (tool, action), sized from the descriptor's CostEnvelope.MaxConcurrency.
// A tool with no configured limit (or no descriptor) returns nil, imposing
// no cap.
func (p *Pipeline) semaphoreFor(tool, action string) chan struct{} {
	if p.Descriptors == nil {
		return nil
	}
	d, ok := p.Descriptors.Get(tool, action)
	if !ok || d.CostEnvelope.MaxConcurrency <= 0 {
		return nil
	}

	key := tool + ":" + action
	p.semMu.Lock()
	defer p.semMu.Unlock()
	sem, ok := p.sems[key]
	if !ok {
		sem = make(chan struct{}, d.CostEnvelope.MaxConcurrency)
		p.sems[key] = sem
	}
	return sem
}

// invokeWithResilience runs the per-tool concurrency cap + breaker-admit +
// retry-loop + secrets + adapter chain inside the cache's compute function,
// per §4.8 step 5. The breaker records exactly one outcome per completed
// request, after retries are exhausted or the call succeeds, never once
// per retry attempt.
func (p *Pipeline) invokeWithResilience(ctx context.Context, req Request) ([]byte, error) {
	if sem := p.semaphoreFor(req.Tool, req.Action); sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		default:
			return nil, errOverloaded
		}
	}

	b := p.Breakers.Get(req.Tool, req.Action)
	if !b.Admit() {
		p.Metrics.BreakerFastfail(req.Tool, req.Action)
		p.Metrics.SetBreakerState(req.Tool, req.Action, string(b.State()))
		return nil, errBreakerOpen
	}

	var lastErr error
	for attempt := 0; attempt < p.RetryPolicy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay, err := retry.Delay(attempt, p.RetryPolicy)
			if err != nil {
				return nil, err
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			p.Metrics.Retry(req.Tool, req.Action, string(classifyReason(lastErr)))
		}

		plaintext, err := p.Secrets.GetActive(ctx, req.Tool)
		if err != nil {
			return nil, fmt.Errorf("proxy: acquire credential: %w", err)
		}
		adapter, err := p.Adapters.Get(req.Tool, req.Action)
		if err != nil {
			plaintext.Release()
			return nil, err
		}

		deadline := req.Deadline
		if deadline.IsZero() {
			deadline = p.clock().Add(30 * time.Second)
		}
		result, invokeErr := adapter.Invoke(ctx, req.Action, req.Params, plaintext.Bytes(), deadline)
		plaintext.Release()

		switch result.Classification {
		case adapters.ClassificationOK:
			b.RecordSuccess()
			p.Metrics.SetBreakerState(req.Tool, req.Action, string(b.State()))
			return result.Bytes, nil
		case adapters.ClassificationRetryableFailure:
			lastErr = invokeErr
			continue
		default: // terminal failure (e.g. 4xx): not breaker-relevant
			return nil, fmt.Errorf("proxy: terminal adapter failure: %w", invokeErr)
		}
	}
	b.RecordFailure()
	p.Metrics.SetBreakerState(req.Tool, req.Action, string(b.State()))
	return nil, fmt.Errorf("proxy: retries exhausted: %w", lastErr)
}

func classifyReason(err error) retry.Reason {
	if err == nil {
		return retry.ReasonUpstream5xx
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.ReasonUpstreamTimeout
	}
	return retry.ReasonUpstream5xx
}

// classifyPipelineError maps an invokeWithResilience error to its
// terminal wire code.
func (p *Pipeline) classifyPipelineError(err error) Response {
	switch {
	case errors.Is(err, errBreakerOpen):
		return Response{Code: CodeServiceUnavailable, Reason: "breaker-open"}
	case errors.Is(err, errOverloaded), errors.Is(err, cache.ErrOverloaded):
		return Response{Code: CodeQuotaExceeded, Reason: "overloaded"}
	case errors.Is(err, context.DeadlineExceeded):
		return Response{Code: CodeGatewayTimeout, Reason: "upstream-timeout"}
	default:
		return Response{Code: CodeBadGateway, Reason: "upstream-failure"}
	}
}

func (p *Pipeline) recordAudit(ctx context.Context, correlationID, agentID string, eventType audit.EventType, action string, metadata map[string]any) {
	if p.Audit == nil {
		return
	}
	p.Audit.Record(ctx, audit.Event{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		AgentID:       agentID,
		Type:          eventType,
		Action:        action,
		Metadata:      metadata,
		Timestamp:     p.clock(),
	})
}
