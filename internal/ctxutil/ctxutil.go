// Package ctxutil provides shared context key accessors.
//
// Request identity (validated claims, tenant id) is placed on the context by
// the server's auth middleware and read by handlers and services. Keeping the
// accessors here avoids every package importing the server.
package ctxutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
	keyLabels    contextKey = "labels"
)

// WithClaims returns a new context carrying the given claims. The tenant is
// also surfaced to any label holder installed upstream.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	if l := RequestLabelsFromContext(ctx); l != nil {
		l.SetOrgID(claims.OrgID)
	}
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// RequestLabels collects identity attributes discovered below the logging and
// tracing middlewares. Authentication is a per-route concern, so the outer
// layers install a holder on the way in and read it on the way out; context
// values alone cannot carry the tenant back up the chain.
type RequestLabels struct {
	mu    sync.Mutex
	orgID uuid.UUID
}

// SetOrgID records the tenant the request resolved to.
func (l *RequestLabels) SetOrgID(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orgID = id
}

// OrgID returns the recorded tenant, or uuid.Nil when the request never
// bound one.
func (l *RequestLabels) OrgID() uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orgID
}

// WithRequestLabels installs a fresh label holder on the context.
func WithRequestLabels(ctx context.Context) (context.Context, *RequestLabels) {
	l := &RequestLabels{}
	return context.WithValue(ctx, keyLabels, l), l
}

// RequestLabelsFromContext returns the holder installed upstream, or nil.
func RequestLabelsFromContext(ctx context.Context) *RequestLabels {
	if v, ok := ctx.Value(keyLabels).(*RequestLabels); ok {
		return v
	}
	return nil
}
