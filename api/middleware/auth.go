package middleware

import (
	"net/http"
	"strings"

	"github.com/sppix/storefront-backend/api/responses"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/logger"
)

// ChatSessionHeader carries the anonymous chat session token.
const ChatSessionHeader = "X-Chat-Session"

// Auth decodes an optional bearer token and seeds the request context with
// the caller identity. Requests without a token continue anonymously; a token
// that fails to decode is rejected.
func Auth(gate *auth.Gate, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var who auth.AuthContext
			if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
				decoded, err := gate.Decode(raw)
				if err != nil {
					responses.WriteError(r.Context(), logg, w, err)
					return
				}
				who = decoded
			}
			who.Session = strings.TrimSpace(r.Header.Get(ChatSessionHeader))

			ctx := auth.WithContext(r.Context(), who)
			if logg != nil && !who.Anonymous() {
				ctx = logg.WithFields(logg.WithUserID(ctx, who.UserID), map[string]any{
					"is_admin": who.IsAdmin(),
				})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
