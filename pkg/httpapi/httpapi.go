// Package httpapi implements the gateway's administrative HTTP surface:
// agent creation, token minting, the proxy-request data path, and the
// credential/token admin endpoints, per §6. Handlers follow the
// teacher's convention of RFC 7807 Problem Details for every non-2xx
// response. Bodies written through api.WriteErrorR carry the
// X-Request-ID as trace_id; the 405 and 500 bodies carry no trace_id.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mindburn-labs/agent-gateway/pkg/agents"
	"github.com/mindburn-labs/agent-gateway/pkg/api"
	"github.com/mindburn-labs/agent-gateway/pkg/audit"
	"github.com/mindburn-labs/agent-gateway/pkg/proxy"
	"github.com/mindburn-labs/agent-gateway/pkg/secrets"
	"github.com/mindburn-labs/agent-gateway/pkg/tokens"
)

// Deps bundles the services the admin surface dispatches into.
type Deps struct {
	Agents  *agents.Service
	Tokens  *tokens.Service
	Secrets *secrets.Store
	Proxy   *proxy.Pipeline
	Audit   audit.Repository // nil disables /api/admin/audit
	Ready   func() bool // reports storage + KEK readiness for /ready
}

// Register mounts every §6 route on mux.
func Register(mux *http.ServeMux, d *Deps) {
	mux.HandleFunc("/api/create-agent", d.handleCreateAgent)
	mux.HandleFunc("/api/generate-token", d.handleGenerateToken)
	mux.HandleFunc("/api/proxy-request", d.handleProxyRequest)
	mux.HandleFunc("/api/admin/creds/set", d.handleCredsSet)
	mux.HandleFunc("/api/admin/creds/activate", d.handleCredsActivate)
	mux.HandleFunc("/api/admin/creds/", d.handleCredsVersions)
	mux.HandleFunc("/api/admin/tokens", d.handleTokensList)
	mux.HandleFunc("/api/admin/tokens/", d.handleTokenRevoke)
	mux.HandleFunc("/api/admin/audit", d.handleAuditQuery)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil && !d.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type createAgentRequest struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	AllowedTools []string `json:"allowed_tools"`
}

func (d *Deps) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.Name == "" || req.Role == "" {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "name and role are required")
		return
	}

	created, err := d.Agents.Create(r.Context(), req.Name, req.Role, req.AllowedTools)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":    created.Agent.ID,
		"private_key": string(created.PrivateKeyPEM),
	})
}

type generateTokenRequest struct {
	AgentID     string    `json:"agent_id"`
	Tools       []string  `json:"tools"`
	Actions     []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (d *Deps) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req generateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.ExpiresAt.IsZero() {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "agent_id and expires_at are required")
		return
	}

	ttl := time.Until(req.ExpiresAt)
	if ttl <= 0 {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "expires_at must be in the future")
		return
	}

	minted, err := d.Tokens.Mint(r.Context(), req.AgentID, tokens.Scope{Tools: req.Tools, Actions: req.Actions}, ttl, 0)
	if err != nil {
		if err == tokens.ErrScopeOutOfBounds {
			api.WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "requested scope exceeds the agent's allowed tools")
			return
		}
		api.WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_token": minted.Token,
		"token_id":    minted.TokenID,
		"expires_at":  minted.ExpiresAt,
	})
}

type proxyRequestBody struct {
	AgentToken string         `json:"agent_token"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params"`
}

func (d *Deps) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req proxyRequestBody
	if err := decodeJSON(r, &req); err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := r.Context().Deadline(); ok {
		deadline = d
	}

	resp := d.Proxy.Handle(r.Context(), proxy.Request{
		AgentToken: req.AgentToken,
		Tool:       req.Tool,
		Action:     req.Action,
		Params:     req.Params,
		Deadline:   deadline,
	})

	if resp.Code != proxy.CodeOK {
		api.WriteErrorR(w, r, int(resp.Code), http.StatusText(int(resp.Code)), resp.Reason)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-ID", resp.CorrelationID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

type credsSetRequest struct {
	Tool       string            `json:"tool"`
	Version    int               `json:"version"`
	Credential string            `json:"credential"`
	Metadata   map[string]string `json:"metadata"`
}

func (d *Deps) handleCredsSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req credsSetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.Tool == "" || req.Credential == "" {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "tool and credential are required")
		return
	}

	id, err := d.Secrets.Put(r.Context(), req.Tool, req.Version, []byte(req.Credential), req.Metadata)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type credsActivateRequest struct {
	ID string `json:"id"`
}

func (d *Deps) handleCredsActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	var req credsActivateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := d.Secrets.Activate(r.Context(), req.ID); err != nil {
		switch err {
		case secrets.ErrNotFound:
			api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown credential id")
		case secrets.ErrAlreadyActive:
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		default:
			api.WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCredsVersions serves GET /api/admin/creds/{tool}/versions.
func (d *Deps) handleCredsVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	tool, ok := pathParam(r.URL.Path, "/api/admin/creds/", "/versions")
	if !ok {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "expected /api/admin/creds/{tool}/versions")
		return
	}

	versions, err := d.Secrets.ListVersions(r.Context(), tool)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (d *Deps) handleTokensList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "agent_id query parameter is required")
		return
	}
	records, err := d.Tokens.List(r.Context(), agentID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleTokenRevoke serves POST /api/admin/tokens/{id}/revoke.
func (d *Deps) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	tokenID, ok := pathParam(r.URL.Path, "/api/admin/tokens/", "/revoke")
	if !ok {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "expected /api/admin/tokens/{id}/revoke")
		return
	}

	if err := d.Tokens.Revoke(r.Context(), tokenID); err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAuditQuery serves GET /api/admin/audit?correlation_id=... or
// ?agent_id=...&limit=..., the administrative surface over recorded
// telemetry events.
func (d *Deps) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	if d.Audit == nil {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "audit query surface is not enabled")
		return
	}

	if correlationID := r.URL.Query().Get("correlation_id"); correlationID != "" {
		events, err := d.Audit.ByCorrelationID(r.Context(), correlationID)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "correlation_id or agent_id query parameter is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := d.Audit.ByAgentID(r.Context(), agentID, limit)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// pathParam extracts the segment between prefix and suffix in path, the
// stand-in for a router's path variable given the teacher's bare
// net/http ServeMux (no wildcard routing available pre-1.22 style).
func pathParam(path, prefix, suffix string) (string, bool) {
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	return path[len(prefix) : len(path)-len(suffix)], true
}
