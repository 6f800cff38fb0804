package router

import (
	"context"

	"github.com/org/raskol/internal/identity"
)

type contextKey string

const (
	claimsContextKey   contextKey = "claims"
	requestIDContextKey contextKey = "request_id"
)

func withClaims(ctx context.Context, claims *identity.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func claimsFromContext(ctx context.Context) (*identity.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*identity.Claims)
	return claims, ok
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
