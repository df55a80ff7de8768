// Package middleware provides HTTP middleware components for the activator API.
package middleware

import (
	"context"
	"time"
)

// clientContextKey is the context key for the authenticated client.
type clientContextKey struct{}

// ClientContext carries the authenticated caller's identity, enriched into
// the request context by the authentication middleware.
type ClientContext struct {
	// ClientID identifies the calling service (e.g. "next-visit-fanout").
	ClientID string

	// Name is the human-readable client name for logging.
	Name string

	// TokenID is the service token used to authenticate, for audit logging.
	TokenID string

	// AuthTime is when authentication happened, for latency tracking.
	AuthTime time.Time
}

// GetClientContext extracts the authenticated client from the request
// context. Returns (empty, false) for unauthenticated requests.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	clientCtx, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return clientCtx, ok
}

// SetClientContext attaches the authenticated client to the request context.
func SetClientContext(ctx context.Context, clientCtx ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientCtx)
}
