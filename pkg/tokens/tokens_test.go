package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedAgents struct {
	allowed  []string
	disabled bool
}

func (f fixedAgents) AllowedTools(ctx context.Context, agentID string) ([]string, error) {
	return f.allowed, nil
}

func (f fixedAgents) IsDisabled(ctx context.Context, agentID string) (bool, error) {
	return f.disabled, nil
}

func testService(t *testing.T, allowed []string, disabled bool) *Service {
	t.Helper()
	secret := []byte("0123456789abcdef0123456789abcdef")
	return NewService(NewMemoryRepository(), fixedAgents{allowed: allowed, disabled: disabled}, secret)
}

func TestMintRejectsScopeOutsideAllowedTools(t *testing.T) {
	svc := testService(t, []string{"serpapi"}, false)
	ctx := context.Background()

	_, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"gmail"}, Actions: []string{"send"}}, time.Minute, 1)
	require.ErrorIs(t, err, ErrScopeOutOfBounds)
}

func TestMintThenValidateRoundTrips(t *testing.T) {
	svc := testService(t, []string{"serpapi"}, false)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)
	require.NotEmpty(t, minted.Token)

	validated, err := svc.Validate(ctx, minted.Token)
	require.NoError(t, err)
	require.Equal(t, "agent-1", validated.AgentID)
	require.True(t, validated.Scope.Contains("serpapi", "search"))
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	svc := testService(t, []string{"serpapi"}, false)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)

	// Flip the first character of the tag: all six of its bits land in the
	// decoded tag, unlike the final character's padding bits.
	dot := strings.LastIndex(minted.Token, ".")
	flipped := "A"
	if minted.Token[dot+1] == 'A' {
		flipped = "B"
	}
	tampered := minted.Token[:dot+1] + flipped + minted.Token[dot+2:]
	_, err = svc.Validate(ctx, tampered)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureBadSignature, verr.Kind)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := testService(t, []string{"serpapi"}, false)
	svc.WithClock(func() time.Time { return base })
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err = svc.Validate(ctx, minted.Token)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureExpired, verr.Kind)
}

func TestRevokeIsIdempotentAndFailsValidation(t *testing.T) {
	svc := testService(t, []string{"serpapi"}, false)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, minted.TokenID))
	require.NoError(t, svc.Revoke(ctx, minted.TokenID))

	_, err = svc.Validate(ctx, minted.Token)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FailureRevoked, verr.Kind)
}

func TestValidateRejectsDisabledAgent(t *testing.T) {
	svc := testService(t, []string{"serpapi"}, false)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)

	svc.agents = fixedAgents{allowed: []string{"serpapi"}, disabled: true}
	_, err = svc.Validate(ctx, minted.Token)
	require.Error(t, err)
}

func TestListReturnsAgentTokens(t *testing.T) {
	svc := testService(t, []string{"serpapi"}, false)
	ctx := context.Background()

	_, err := svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)
	_, err = svc.Mint(ctx, "agent-1", Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Minute, 1)
	require.NoError(t, err)

	recs, err := svc.List(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
}
