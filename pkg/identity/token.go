package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims is the JWT claim set for the administrative auth
// layer: it authenticates the caller of /api/create-agent,
// /api/generate-token, and /api/admin/*, never the agent-token data
// path (that format is canonical JSON + HMAC, see pkg/tokens).
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// TokenManager mints and validates operator JWTs.
type TokenManager struct {
	keySet KeySet
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks}
}

// GenerateToken mints a short-lived operator JWT.
func (tm *TokenManager) GenerateToken(ctx context.Context, op Operator, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        op.OperatorID,
			Subject:   op.OperatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    "agent-gateway/identity",
			Audience:  jwt.ClaimStrings{"agent-gateway/admin"},
		},
		Role: op.Role,
	}
	return tm.keySet.Sign(ctx, claims)
}

// ValidateToken parses and validates an operator JWT.
func (tm *TokenManager) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, tm.keySet.KeyFunc())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}
