// Package agents manages agent identities: creation with a generated
// RSA-2048 keypair, the allowed tool surface a token may be minted
// against, and enable/disable status. The private key is handed back to
// the caller exactly once at creation and is never stored.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agent-gateway/pkg/crypto"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Agent is the persisted identity record. PublicKeyPEM is retained;
// the private key is never persisted in decryptable form.
type Agent struct {
	ID           string
	Name         string
	Role         string
	AllowedTools []string
	PublicKeyPEM []byte
	Status       Status
	CreatedAt    time.Time
}

// Repository persists agent identities.
type Repository interface {
	Insert(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (Agent, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

var ErrNotFound = errors.New("agents: not found")

// Created is returned from Create and carries the private key exactly
// once; the caller must surface it to the operator and discard it.
type Created struct {
	Agent         Agent
	PrivateKeyPEM []byte
}

// Service creates and queries agent identities.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create generates a fresh RSA-2048 keypair and persists the agent
// record with its public key. The private key is returned only here.
func (s *Service) Create(ctx context.Context, name, role string, allowedTools []string) (Created, error) {
	pub, priv, err := crypto.GenerateAgentKeypair()
	if err != nil {
		return Created{}, fmt.Errorf("agents: generate keypair: %w", err)
	}

	a := Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Role:         role,
		AllowedTools: allowedTools,
		PublicKeyPEM: pub,
		Status:       StatusActive,
		CreatedAt:    s.clock(),
	}

	if err := s.repo.Insert(ctx, a); err != nil {
		return Created{}, fmt.Errorf("agents: insert: %w", err)
	}

	return Created{Agent: a, PrivateKeyPEM: priv}, nil
}

// Disable marks an agent disabled. Per §3, disabling cascades to
// rejecting validation of every token the agent holds; the token
// service enforces that by consulting IsDisabled on every Validate call.
func (s *Service) Disable(ctx context.Context, id string) error {
	return s.repo.SetStatus(ctx, id, StatusDisabled)
}

func (s *Service) Get(ctx context.Context, id string) (Agent, error) {
	return s.repo.Get(ctx, id)
}

// AllowedTools implements tokens.AgentLookup.
func (s *Service) AllowedTools(ctx context.Context, agentID string) ([]string, error) {
	a, err := s.repo.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return a.AllowedTools, nil
}

// IsDisabled implements tokens.AgentLookup.
func (s *Service) IsDisabled(ctx context.Context, agentID string) (bool, error) {
	a, err := s.repo.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	return a.Status == StatusDisabled, nil
}

// Role implements proxy.AgentRoleLookup.
func (s *Service) Role(ctx context.Context, agentID string) (string, error) {
	a, err := s.repo.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.Role, nil
}
