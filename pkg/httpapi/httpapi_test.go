package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agent-gateway/pkg/adapters"
	"github.com/mindburn-labs/agent-gateway/pkg/agents"
	"github.com/mindburn-labs/agent-gateway/pkg/audit"
	"github.com/mindburn-labs/agent-gateway/pkg/breaker"
	"github.com/mindburn-labs/agent-gateway/pkg/cache"
	"github.com/mindburn-labs/agent-gateway/pkg/kms"
	"github.com/mindburn-labs/agent-gateway/pkg/metrics"
	"github.com/mindburn-labs/agent-gateway/pkg/policy"
	"github.com/mindburn-labs/agent-gateway/pkg/proxy"
	"github.com/mindburn-labs/agent-gateway/pkg/retry"
	"github.com/mindburn-labs/agent-gateway/pkg/secrets"
	"github.com/mindburn-labs/agent-gateway/pkg/tokens"
)

type fixedRoleLookup struct{ role string }

func (f fixedRoleLookup) Role(ctx context.Context, agentID string) (string, error) {
	return f.role, nil
}

func testDeps(t *testing.T) *Deps {
	t.Helper()

	agentSvc := agents.NewService(agents.NewMemoryRepository())
	tokenSvc := tokens.NewService(tokens.NewMemoryRepository(), agentSvc, []byte("0123456789abcdef0123456789abcdef"))

	raw := make([]byte, kms.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	kekMgr, err := kms.LoadFromBase64(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	secretsStore := secrets.NewStore(secrets.NewMemoryRepository(), kekMgr)

	adapterRegistry := adapters.NewRegistry()
	adapterRegistry.Register("serpapi", []string{"search"}, adapters.NewMockAdapter("serpapi", 0, "seed"))

	pipeline := proxy.New(
		tokenSvc,
		policy.New(policy.RolePolicy{}, nil, nil, nil, policy.Schedule{}),
		fixedRoleLookup{role: "operator"},
		nil,
		cache.New(100, 1<<20),
		breaker.NewRegistry(breaker.DefaultConfig),
		secretsStore,
		adapterRegistry,
		retry.Policy{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 3},
		metrics.New(),
		nil,
	)

	auditRepo := audit.NewRingRepository(16)

	return &Deps{Agents: agentSvc, Tokens: tokenSvc, Secrets: secretsStore, Proxy: pipeline, Audit: auditRepo, Ready: func() bool { return true }}
}

func testMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, testDeps(t))
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCreateAgentThenGenerateTokenThenProxy(t *testing.T) {
	mux := testMux(t)

	w := doJSON(t, mux, http.MethodPost, "/api/create-agent", map[string]any{
		"name": "agent-1", "role": "operator", "allowed_tools": []string{"serpapi"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	agentID := created["agent_id"].(string)
	require.NotEmpty(t, created["private_key"])

	w = doJSON(t, mux, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id": agentID, "tools": []string{"serpapi"}, "permissions": []string{"search"},
		"expires_at": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var minted map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &minted))
	token := minted["agent_token"].(string)
	require.NotEmpty(t, token)

	w = doJSON(t, mux, http.MethodPost, "/api/proxy-request", map[string]any{
		"agent_token": token, "tool": "serpapi", "action": "search", "params": map[string]any{"q": "golang"},
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGenerateTokenRejectsOutOfScopeTools(t *testing.T) {
	mux := testMux(t)

	w := doJSON(t, mux, http.MethodPost, "/api/create-agent", map[string]any{
		"name": "agent-1", "role": "operator", "allowed_tools": []string{"serpapi"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	agentID := created["agent_id"].(string)

	w = doJSON(t, mux, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id": agentID, "tools": []string{"gmail"}, "permissions": []string{"send"},
		"expires_at": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCredsSetActivateAndVersions(t *testing.T) {
	mux := testMux(t)

	w := doJSON(t, mux, http.MethodPost, "/api/admin/creds/set", map[string]any{
		"tool": "serpapi", "version": 1, "credential": "api-key-material",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	w = doJSON(t, mux, http.MethodPost, "/api/admin/creds/activate", map[string]any{"id": id})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, mux, http.MethodGet, "/api/admin/creds/serpapi/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTokenRevokeIsIdempotent(t *testing.T) {
	mux := testMux(t)

	w := doJSON(t, mux, http.MethodPost, "/api/create-agent", map[string]any{
		"name": "agent-1", "role": "operator", "allowed_tools": []string{"serpapi"},
	})
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	agentID := created["agent_id"].(string)

	w = doJSON(t, mux, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id": agentID, "tools": []string{"serpapi"}, "permissions": []string{"search"},
		"expires_at": time.Now().Add(time.Hour),
	})
	var minted map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &minted))
	tokenID := minted["token_id"].(string)

	w1 := doJSON(t, mux, http.MethodPost, "/api/admin/tokens/"+tokenID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w1.Code)
	w2 := doJSON(t, mux, http.MethodPost, "/api/admin/tokens/"+tokenID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestAuditQueryByCorrelationAndAgentID(t *testing.T) {
	deps := testDeps(t)
	mux := http.NewServeMux()
	Register(mux, deps)

	ctx := context.Background()
	require.NoError(t, deps.Audit.Append(ctx, audit.Event{ID: "1", CorrelationID: "corr-1", AgentID: "agent-1", Type: audit.EventTokenValidated, Timestamp: time.Now()}))
	require.NoError(t, deps.Audit.Append(ctx, audit.Event{ID: "2", CorrelationID: "corr-2", AgentID: "agent-1", Type: audit.EventPolicyDenial, Timestamp: time.Now()}))
	require.NoError(t, deps.Audit.Append(ctx, audit.Event{ID: "3", CorrelationID: "corr-3", AgentID: "agent-2", Type: audit.EventPolicyDenial, Timestamp: time.Now()}))

	w := doJSON(t, mux, http.MethodGet, "/api/admin/audit?correlation_id=corr-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var byCorr []audit.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &byCorr))
	require.Len(t, byCorr, 1)
	require.Equal(t, "corr-1", byCorr[0].CorrelationID)

	w = doJSON(t, mux, http.MethodGet, "/api/admin/audit?agent_id=agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var byAgent []audit.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &byAgent))
	require.Len(t, byAgent, 2)

	w = doJSON(t, mux, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditQueryDisabledWithoutRepository(t *testing.T) {
	deps := testDeps(t)
	deps.Audit = nil
	mux := http.NewServeMux()
	Register(mux, deps)

	w := doJSON(t, mux, http.MethodGet, "/api/admin/audit?agent_id=agent-1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	mux := testMux(t)

	w := doJSON(t, mux, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, mux, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
