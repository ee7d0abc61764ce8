// Package tokens implements the agent token service: mint, validate,
// revoke, and list short-lived scope-bound tokens that agents present to
// the proxy pipeline. A token's wire form is an opaque encoding of a
// canonical payload plus an HMAC-SHA-256 signature; the registry tracks
// issuance and revocation so validation can be rejected without trusting
// the bearer alone.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agent-gateway/pkg/canonicalize"
	"github.com/mindburn-labs/agent-gateway/pkg/crypto"
)

// Scope is the set of (tool, action) pairs and free-form permissions a
// token grants. Both sets are evaluated as simple membership checks by
// the policy engine's scope stage.
type Scope struct {
	Tools       []string `json:"tools"`
	Actions     []string `json:"actions"`
	Permissions []string `json:"permissions,omitempty"`
}

// Contains reports whether tool and action are both present in the scope.
func (s Scope) Contains(tool, action string) bool {
	return containsString(s.Tools, tool) && containsString(s.Actions, action)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Subset reports whether every tool in s is present in allowed. Used at
// mint time to enforce that a requested scope never exceeds the agent's
// allowed surface.
func (s Scope) Subset(allowed []string) bool {
	for _, tool := range s.Tools {
		if !containsString(allowed, tool) {
			return false
		}
	}
	return true
}

// Payload is the signed content of a token, encoded canonically before
// signing so verification never depends on field ordering.
type Payload struct {
	TokenID   string    `json:"token_id"`
	AgentID   string    `json:"agent_id"`
	Scope     Scope     `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
	KEKVer    int       `json:"kek_version"`
}

// Record is the token-registry row backing a minted token.
type Record struct {
	ID        string
	AgentID   string
	Scope     Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Repository persists token-registry rows.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, tokenID string) (Record, error)
	Revoke(ctx context.Context, tokenID string) error
	ListByAgent(ctx context.Context, agentID string) ([]Record, error)
}

var (
	// ErrUnknownToken is returned by Get/Revoke for a token id the
	// registry has never seen.
	ErrUnknownToken = errors.New("tokens: unknown token")
	// ErrScopeOutOfBounds is returned by Mint when the requested scope
	// exceeds the agent's allowed tools.
	ErrScopeOutOfBounds = errors.New("tokens: scope out of bounds")
)

// FailureKind classifies why Validate rejected a token. The wire response
// always collapses to a single opaque 401; the kind exists only for
// telemetry so an attacker can't use response differences as an oracle.
type FailureKind string

const (
	FailureExpired        FailureKind = "expired"
	FailureRevoked        FailureKind = "revoked"
	FailureBadSignature   FailureKind = "bad-signature"
	FailureUnknownAgent   FailureKind = "unknown-agent"
	FailureScopeOutOfBounds FailureKind = "scope-out-of-bounds"
)

// ValidationError carries the classified failure kind alongside a opaque
// error for callers that need telemetry detail without leaking it to
// the wire.
type ValidationError struct {
	Kind FailureKind
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tokens: validation failed: %s", e.Kind)
}

// AgentLookup resolves an agent id to its allowed tool surface and
// disabled status, without the token package depending on the agents
// package's full repository interface.
type AgentLookup interface {
	AllowedTools(ctx context.Context, agentID string) ([]string, error)
	IsDisabled(ctx context.Context, agentID string) (bool, error)
}

// Metrics receives counter increments emitted by mint/validate. Kept as
// a narrow interface so the service has no hard dependency on the
// concrete metrics registry.
type Metrics interface {
	TokenGenerated(agentID string)
	TokenValidated(agentID string, success bool)
	TokenExpired(agentID string)
}

// noopMetrics discards every increment; used when the caller does not
// wire a registry (e.g. in unit tests of the service itself).
type noopMetrics struct{}

func (noopMetrics) TokenGenerated(string)            {}
func (noopMetrics) TokenValidated(string, bool)      {}
func (noopMetrics) TokenExpired(string)              {}

// Service mints, validates, revokes, and lists agent tokens.
type Service struct {
	repo    Repository
	agents  AgentLookup
	secret  []byte
	metrics Metrics
	clock   func() time.Time
}

// NewService constructs a token service. secret is the process HMAC
// signing key (§4.1); it must be at least 32 bytes.
func NewService(repo Repository, agents AgentLookup, secret []byte) *Service {
	return &Service{repo: repo, agents: agents, secret: secret, metrics: noopMetrics{}, clock: time.Now}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// WithClock overrides the clock, for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Minted is the result of a successful Mint call.
type Minted struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// Mint issues a fresh token for agentID scoped to scope, valid for ttl.
// The requested scope must be a subset of the agent's allowed tools.
func (s *Service) Mint(ctx context.Context, agentID string, scope Scope, ttl time.Duration, kekVersion int) (Minted, error) {
	allowed, err := s.agents.AllowedTools(ctx, agentID)
	if err != nil {
		return Minted{}, fmt.Errorf("tokens: lookup agent: %w", err)
	}
	if !scope.Subset(allowed) {
		return Minted{}, ErrScopeOutOfBounds
	}

	now := s.clock()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Minted{}, fmt.Errorf("tokens: generate nonce: %w", err)
	}

	payload := Payload{
		TokenID:   uuid.NewString(),
		AgentID:   agentID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
		KEKVer:    kekVersion,
	}

	wire, err := encode(payload, s.secret)
	if err != nil {
		return Minted{}, err
	}

	if err := s.repo.Insert(ctx, Record{
		ID:        payload.TokenID,
		AgentID:   agentID,
		Scope:     scope,
		IssuedAt:  payload.IssuedAt,
		ExpiresAt: payload.ExpiresAt,
	}); err != nil {
		return Minted{}, fmt.Errorf("tokens: insert registry row: %w", err)
	}

	s.metrics.TokenGenerated(agentID)

	return Minted{Token: wire, TokenID: payload.TokenID, ExpiresAt: payload.ExpiresAt}, nil
}

// Validated is the result of a successful Validate call.
type Validated struct {
	AgentID string
	TokenID string
	Scope   Scope
}

// Validate verifies the signature, expiry, revocation, and agent status
// of a wire-form token. All failure kinds collapse to ValidationError on
// the return path; callers must render a single opaque 401 regardless of
// Kind.
func (s *Service) Validate(ctx context.Context, wire string) (Validated, error) {
	payload, err := decode(wire, s.secret)
	if err != nil {
		return Validated{}, &ValidationError{Kind: FailureBadSignature}
	}

	rec, err := s.repo.Get(ctx, payload.TokenID)
	if err != nil {
		return Validated{}, &ValidationError{Kind: FailureUnknownAgent}
	}

	if rec.Revoked {
		s.metrics.TokenValidated(payload.AgentID, false)
		return Validated{}, &ValidationError{Kind: FailureRevoked}
	}

	now := s.clock()
	if now.After(payload.ExpiresAt) {
		s.metrics.TokenExpired(payload.AgentID)
		s.metrics.TokenValidated(payload.AgentID, false)
		return Validated{}, &ValidationError{Kind: FailureExpired}
	}

	disabled, err := s.agents.IsDisabled(ctx, payload.AgentID)
	if err != nil || disabled {
		s.metrics.TokenValidated(payload.AgentID, false)
		return Validated{}, &ValidationError{Kind: FailureUnknownAgent}
	}

	s.metrics.TokenValidated(payload.AgentID, true)
	return Validated{AgentID: payload.AgentID, TokenID: payload.TokenID, Scope: rec.Scope}, nil
}

// Revoke marks tokenID revoked. Idempotent: revoking an already-revoked
// token succeeds silently.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	if err := s.repo.Revoke(ctx, tokenID); err != nil {
		return fmt.Errorf("tokens: revoke %s: %w", tokenID, err)
	}
	return nil
}

// List returns the administrative view of every token issued to agentID.
func (s *Service) List(ctx context.Context, agentID string) ([]Record, error) {
	recs, err := s.repo.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("tokens: list agent %s: %w", agentID, err)
	}
	return recs, nil
}

// encode canonicalizes payload and appends an HMAC tag, base64-encoding
// the whole thing as "<payload>.<tag>" wire form.
func encode(payload Payload, secret []byte) (string, error) {
	canon, err := canonicalize.JSON(payload)
	if err != nil {
		return "", fmt.Errorf("tokens: canonicalize payload: %w", err)
	}
	tag := crypto.Sign(secret, canon)
	return base64.RawURLEncoding.EncodeToString(canon) + "." + base64.RawURLEncoding.EncodeToString(tag), nil
}

// decode splits wire form, verifies the signature in constant time, and
// unmarshals the payload. Any malformed input is reported as a bad
// signature so there is no distinguishable parse-error oracle.
func decode(wire string, secret []byte) (Payload, error) {
	dot := -1
	for i := len(wire) - 1; i >= 0; i-- {
		if wire[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return Payload{}, errors.New("tokens: malformed wire form")
	}

	canon, err := base64.RawURLEncoding.DecodeString(wire[:dot])
	if err != nil {
		return Payload{}, errors.New("tokens: malformed payload encoding")
	}
	tag, err := base64.RawURLEncoding.DecodeString(wire[dot+1:])
	if err != nil {
		return Payload{}, errors.New("tokens: malformed tag encoding")
	}

	if !crypto.Verify(secret, canon, tag) {
		return Payload{}, errors.New("tokens: signature mismatch")
	}

	var payload Payload
	if err := json.Unmarshal(canon, &payload); err != nil {
		return Payload{}, fmt.Errorf("tokens: unmarshal payload: %w", err)
	}
	return payload, nil
}
