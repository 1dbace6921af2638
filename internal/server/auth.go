package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/relayforge/copilot-relay/internal/relay"
)

type principalKey struct{}

// Auth authenticates the request's bearer key against the account store
// and pool config, and stashes the resolved principal in the context.
// Anthropic-style clients send x-api-key instead of an Authorization
// header; both are accepted on every surface.
func Auth(rl *relay.Relay) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerKey(r)
			if key == "" {
				WriteError(w, http.StatusUnauthorized, "authentication_error", "missing api key")
				return
			}

			principal, err := rl.Resolve(key)
			if err != nil {
				if errors.Is(err, relay.ErrUnknownKey) {
					WriteError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
					return
				}
				AddError(r.Context(), err)
				WriteError(w, http.StatusInternalServerError, "api_error", "authentication failed")
				return
			}

			if principal.Account != nil {
				AddLogField(r.Context(), "account_id", principal.Account.ID)
			} else {
				AddLogField(r.Context(), "pool", true)
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the authenticated principal set by Auth.
func PrincipalFrom(ctx context.Context) relay.Principal {
	p, _ := ctx.Value(principalKey{}).(relay.Principal)
	return p
}

func bearerKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return key
		}
		return auth
	}
	return r.Header.Get("x-api-key")
}
