package auth

import (
	"context"
	"net/http"
)

type contextKey struct{}

var identityKey contextKey

// WithIdentity attaches the authenticated identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity set by the middleware, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware protects REST endpoints with the same Authenticate contract the
// websocket handshake uses.
type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(a *Authenticator) *Middleware {
	return &Middleware{auth: a}
}

func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := CredentialFromRequest(r)
		if credential == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		id, err := m.auth.Authenticate(r.Context(), credential)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
