package interceptors

import (
	"context"

	"agent-gateway/backend/internal/pipeline"
)

type contextKey struct{ name string }

var grantKey = contextKey{"grant"}

// WithGrant returns a context carrying the admission grant. Handlers read the
// authenticated subject and session through GetGrant.
func WithGrant(ctx context.Context, g *pipeline.Grant) context.Context {
	return context.WithValue(ctx, grantKey, g)
}

// GetGrant returns the admission grant from context and true if set.
func GetGrant(ctx context.Context) (*pipeline.Grant, bool) {
	g, ok := ctx.Value(grantKey).(*pipeline.Grant)
	return g, ok
}

// GetSubject returns the authenticated subject from context, or "", false on
// an unauthenticated context.
func GetSubject(ctx context.Context) (string, bool) {
	g, ok := GetGrant(ctx)
	if !ok || g.Principal == nil {
		return "", false
	}
	return g.Principal.Subject, true
}

// GetSessionID returns the resolved session ID from context, or "", false
// when the request carried no session.
func GetSessionID(ctx context.Context) (string, bool) {
	g, ok := GetGrant(ctx)
	if !ok || g.Session == nil {
		return "", false
	}
	return g.Session.ID, true
}
