package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/common"
)

// Middleware authenticates internal callers of the payment API.
type Middleware struct {
	Tokens *ServiceTokens
}

// RequireService rejects requests without a valid bearer token and records the token
// subject on the request context.
func (m Middleware) RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Tokens == nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "authentication not configured", nil)
			return
		}
		subject, err := m.Tokens.Parse(bearerToken(r))
		if err != nil {
			if !errors.Is(err, errNoToken) {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("service_token_rejected")
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithSubject(r.Context(), subject)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
