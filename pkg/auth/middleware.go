package auth

import (
	"strings"

	"net/http"

	"github.com/mindburn-labs/agent-gateway/pkg/api"
	"github.com/mindburn-labs/agent-gateway/pkg/identity"
)

// publicPaths are endpoints reachable without an operator token.
var publicPaths = []string{
	"/health",
	"/ready",
	"/metrics",
	"/api/proxy-request", // authenticated by the agent token in pkg/proxy
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware builds the operator-auth middleware guarding the
// administrative HTTP surface (create-agent, generate-token, admin/*).
// It is a second, narrower JWT layer in front of the admin surface and
// never governs /api/proxy-request, which is authenticated by the
// spec's HMAC agent-token format instead (see pkg/tokens). If tm is
// nil, every non-public request is rejected: fail closed.
func NewMiddleware(tm *identity.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "expected 'Bearer <token>'")
				return
			}

			if tm == nil {
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "operator auth not configured")
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "invalid or expired operator token")
				return
			}
			if claims.Subject == "" {
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "token subject is required")
				return
			}

			ctx := WithOperator(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole wraps a handler so it only admits operators holding one of
// the given roles. Mount behind NewMiddleware, which populates the
// operator claims this reads.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	allowed := make(map[identity.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetOperator(r.Context())
			if err != nil {
				api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "missing operator context")
				return
			}
			if !allowed[claims.Role] {
				api.WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "operator role does not permit this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
