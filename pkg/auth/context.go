package auth

import (
	"context"
	"errors"

	"github.com/mindburn-labs/agent-gateway/pkg/identity"
)

type contextKey string

const operatorKey contextKey = "operator"

// WithOperator attaches validated operator claims to the context.
func WithOperator(ctx context.Context, claims *identity.OperatorClaims) context.Context {
	return context.WithValue(ctx, operatorKey, claims)
}

// GetOperator retrieves the operator claims injected by NewMiddleware.
func GetOperator(ctx context.Context) (*identity.OperatorClaims, error) {
	claims, ok := ctx.Value(operatorKey).(*identity.OperatorClaims)
	if !ok || claims == nil {
		return nil, errors.New("auth: no operator in context")
	}
	return claims, nil
}

// MustGetOperator panics if no operator is present. Use only in handlers
// mounted behind NewMiddleware, which guarantees it.
func MustGetOperator(ctx context.Context) *identity.OperatorClaims {
	claims, err := GetOperator(ctx)
	if err != nil {
		panic(err)
	}
	return claims
}
