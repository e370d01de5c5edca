package api

import (
	"context"
	"net/http"

	"github.com/tinywideclouds/go-notify-service/internal/auth"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

type contextKey int

const identityKey contextKey = iota

// NewAuthMiddleware gates HTTP requests with the same authenticator the
// WebSocket handshake uses, and stores the verified identity on the request
// context.
func NewAuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authenticator.Authenticate(r.Context(), r)
			if err != nil {
				WriteJSONError(w, http.StatusUnauthorized, "missing or invalid authentication token")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (notify.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(notify.Identity)
	return identity, ok
}

// WithIdentity injects an identity directly; test helper for handlers.
func WithIdentity(ctx context.Context, identity notify.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}
