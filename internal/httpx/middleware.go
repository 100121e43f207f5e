package httpx

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// IdentityHeader carries the upstream-authenticated user. The gateway strips
// it from external traffic, so inside the mesh its presence is trusted.
const IdentityHeader = "X-Internal-User"

type ctxKey int

const identityKey ctxKey = 0

// Authenticated rejects requests that arrive without the trusted identity
// header and stores the identity in the request context for handlers.
func Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(IdentityHeader)
		if identity == "" {
			log.Warn().Str("path", r.URL.Path).Msg("Request without trusted identity header")
			RespondError(w, http.StatusUnauthorized, CodeUnauthenticated, "missing authenticated identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

// Identity returns the authenticated user stored by Authenticated, or "".
func Identity(ctx context.Context) string {
	identity, _ := ctx.Value(identityKey).(string)
	return identity
}
