// Package policy implements the gateway's policy engine: deterministic,
// side-effect-free (beyond counter increments) evaluation of an
// (agent, token-scope, tool, action, params) request against five
// stages — scope, role policy, parameter constraints, quotas, and
// schedule — in order, first non-allow wins.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/mindburn-labs/agent-gateway/pkg/quota"
	"github.com/mindburn-labs/agent-gateway/pkg/tokens"
)

// Decision is the engine's verdict.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionDeny             Decision = "deny"
	DecisionRequireApproval  Decision = "require-approval"
)

// Reason codes, used both in telemetry labels and (for deny) in the 403
// response's non-leaking reason field.
const (
	ReasonScope     = "scope"
	ReasonRole      = "role"
	ReasonParams    = "params"
	ReasonQuota     = "quota"
	ReasonSchedule  = "schedule"
)

// Result is the engine's output for one request.
type Result struct {
	Decision Decision
	Reason   string
	// Redact lists response field paths the proxy pipeline's response
	// filter should strip before returning the body, set on an allow
	// when WithShaping configured redact paths for the (tool, action).
	Redact []string
}

func allow() Result { return Result{Decision: DecisionAllow} }
func deny(reason string) Result { return Result{Decision: DecisionDeny, Reason: reason} }

// Request is the input to Evaluate.
type Request struct {
	AgentID string
	Role    string
	Scope   tokens.Scope
	Tool    string
	Action  string
	Params  map[string]any
	Now     time.Time
}

// RolePolicy is a declarative allow/deny list keyed by role for a given
// (tool, action). Unmatched falls through to the engine's sensitivity
// default (deny for sensitive tools, allow for read-only tools the
// token already grants).
type RolePolicy struct {
	Allow map[string][]string // role -> tools allowed regardless of sensitivity
	Deny  map[string][]string // role -> tools denied outright
}

// SensitiveTools are tools that default-deny when no role rule matches.
var SensitiveTools = map[string]bool{
	"gmail": true,
	"mail":  true,
}

func (p RolePolicy) evaluate(role, tool string) (Decision, bool) {
	for _, t := range p.Deny[role] {
		if t == tool {
			return DecisionDeny, true
		}
	}
	for _, t := range p.Allow[role] {
		if t == tool {
			return DecisionAllow, true
		}
	}
	return "", false
}

// ParamConstraint validates tool-specific parameters (e.g. an
// allowlisted URL domain for http_fetch, a domain list for mail "to").
// A constraint that doesn't apply to this (tool, action) must return
// true.
type ParamConstraint interface {
	Check(tool, action string, params map[string]any) (ok bool, reason string)
}

// Schedule restricts a (tool, action) to time-of-day windows. A nil
// Schedule imposes no restriction.
type Schedule struct {
	// Windows are half-open [StartHour, EndHour) in 24h UTC wall-clock
	// hours. A tool/action with no configured window is unrestricted.
	Windows map[string][]HourWindow // key: tool+":"+action
}

type HourWindow struct {
	StartHour int
	EndHour   int
}

func (s Schedule) allowed(tool, action string, now time.Time) bool {
	windows, ok := s.Windows[tool+":"+action]
	if !ok {
		return true
	}
	hour := now.UTC().Hour()
	for _, w := range windows {
		if hour >= w.StartHour && hour < w.EndHour {
			return true
		}
	}
	return false
}

// Metrics receives a counter increment for every non-allow decision.
type Metrics interface {
	PolicyDenial(agentID, tool, action, reason string)
}

type noopMetrics struct{}

func (noopMetrics) PolicyDenial(string, string, string, string) {}

// Engine evaluates requests through the five stages in order.
type Engine struct {
	roles       RolePolicy
	constraints []ParamConstraint
	quotas      *quota.Limiter
	quotaLimits map[string]quota.Limit // key: tool+":"+action
	schedule    Schedule
	metrics     Metrics
	shaping     map[string][]string // key: tool+":"+action -> redact paths
}

// New constructs an Engine. quotaLimiter and schedule may be zero values
// when the corresponding stage should impose no restriction beyond
// defaults.
func New(roles RolePolicy, constraints []ParamConstraint, quotaLimiter *quota.Limiter, quotaLimits map[string]quota.Limit, schedule Schedule) *Engine {
	return &Engine{
		roles:       roles,
		constraints: constraints,
		quotas:      quotaLimiter,
		quotaLimits: quotaLimits,
		schedule:    schedule,
		metrics:     noopMetrics{},
	}
}

func (e *Engine) WithMetrics(m Metrics) *Engine {
	e.metrics = m
	return e
}

// WithShaping configures per-(tool,action) response field redaction. When a
// request for a configured tool/action is ultimately allowed, Evaluate
// annotates the Result with the matching redact paths so the proxy
// pipeline's response filter can strip them before the body is returned.
func (e *Engine) WithShaping(shaping map[string][]string) *Engine {
	e.shaping = shaping
	return e
}

// Evaluate runs all five stages, first non-allow wins.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if r := e.evaluateScope(req); r.Decision != DecisionAllow {
		e.metrics.PolicyDenial(req.AgentID, req.Tool, req.Action, r.Reason)
		return r, nil
	}

	if r := e.evaluateRole(req); r.Decision != DecisionAllow {
		e.metrics.PolicyDenial(req.AgentID, req.Tool, req.Action, r.Reason)
		return r, nil
	}

	if r := e.evaluateParams(req); r.Decision != DecisionAllow {
		e.metrics.PolicyDenial(req.AgentID, req.Tool, req.Action, r.Reason)
		return r, nil
	}

	r, err := e.evaluateQuota(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("policy: quota stage: %w", err)
	}
	if r.Decision != DecisionAllow {
		e.metrics.PolicyDenial(req.AgentID, req.Tool, req.Action, r.Reason)
		return r, nil
	}

	if r := e.evaluateSchedule(req); r.Decision != DecisionAllow {
		e.metrics.PolicyDenial(req.AgentID, req.Tool, req.Action, r.Reason)
		return r, nil
	}

	result := allow()
	if redact, ok := e.shaping[req.Tool+":"+req.Action]; ok {
		result.Redact = redact
	}
	return result, nil
}

func (e *Engine) evaluateScope(req Request) Result {
	if !req.Scope.Contains(req.Tool, req.Action) {
		return deny(ReasonScope)
	}
	return allow()
}

func (e *Engine) evaluateRole(req Request) Result {
	if decision, matched := e.roles.evaluate(req.Role, req.Tool); matched {
		if decision == DecisionDeny {
			return deny(ReasonRole)
		}
		return allow()
	}

	if SensitiveTools[req.Tool] {
		return deny(ReasonRole)
	}
	return allow()
}

func (e *Engine) evaluateParams(req Request) Result {
	for _, c := range e.constraints {
		if ok, reason := c.Check(req.Tool, req.Action, req.Params); !ok {
			if reason == "" {
				reason = ReasonParams
			}
			return deny(reason)
		}
	}
	return allow()
}

func (e *Engine) evaluateQuota(ctx context.Context, req Request) (Result, error) {
	if e.quotas == nil {
		return allow(), nil
	}
	limit, ok := e.quotaLimits[req.Tool+":"+req.Action]
	if !ok {
		return allow(), nil
	}

	key := quota.Key(req.AgentID, req.Tool, req.Action)
	within, err := e.quotas.Allow(ctx, key, limit)
	if err != nil {
		return Result{}, err
	}
	if !within {
		return deny(ReasonQuota), nil
	}
	return allow(), nil
}

func (e *Engine) evaluateSchedule(req Request) Result {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !e.schedule.allowed(req.Tool, req.Action, now) {
		return deny(ReasonSchedule)
	}
	return allow()
}
