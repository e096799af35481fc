package auth

import (
	"context"

	"github.com/MarcoPoloResearchLab/ironbooks/internal/identity"
)

type sessionContextKey struct{}

// WithSession stores validated session claims on the context for downstream consumers.
func WithSession(ctx context.Context, claims SessionClaims) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, claims)
}

// SessionFromContext retrieves the validated session claims from the context.
func SessionFromContext(ctx context.Context) (SessionClaims, bool) {
	claims, ok := ctx.Value(sessionContextKey{}).(SessionClaims)
	return claims, ok
}

// ContextSessionProvider answers the resolver's session queries from the request context.
type ContextSessionProvider struct{}

// CurrentSession returns the session stored by WithSession, nil when the request is anonymous.
func (ContextSessionProvider) CurrentSession(ctx context.Context) (*identity.Session, error) {
	claims, ok := SessionFromContext(ctx)
	if !ok {
		return nil, nil
	}
	session := claims.Session()
	if session.UserID == "" {
		return nil, nil
	}
	return &session, nil
}
