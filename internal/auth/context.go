package auth

import "context"

type contextKey string

const authContextKey contextKey = "aegis_auth"

// AuthInfo identifies the authenticated admin caller.
type AuthInfo struct {
	KeyID string
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
