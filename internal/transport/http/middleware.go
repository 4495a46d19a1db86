package httptransport

import (
	"context"
	"net/http"
	"strings"

	"checkpoint/internal/auth"
	"checkpoint/internal/domain"
)

type ctxKey struct{}

var actorKey ctxKey

// actorFrom returns the authenticated actor attached by requireAuth.
func actorFrom(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// requireAuth validates the bearer token and stores the actor in context.
func requireAuth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}
			actor, err := tokens.Validate(raw)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
		})
	}
}

// requireRole gates a subtree on one role claim. Must run after requireAuth.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := actorFrom(r.Context())
			if !ok || !actor.HasRole(role) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient role"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// channelFor maps the token's provider claim to the redemption channel.
func channelFor(actor domain.Actor) (domain.Channel, bool) {
	switch actor.Provider {
	case auth.ProviderAgent:
		return domain.ChannelLobby, true
	case auth.ProviderSelf:
		return domain.ChannelSelf, true
	default:
		return "", false
	}
}
