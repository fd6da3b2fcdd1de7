package middleware

import (
	"net/http"
	"strings"

	"github.com/psicoagenda/wa-gateway/internal/audit"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/httputil"
	"github.com/psicoagenda/wa-gateway/internal/util"
)

// AuthMiddleware guards the API with the shared API token.
type AuthMiddleware struct {
	tokenHash string
}

func NewAuthMiddleware(apiToken string) *AuthMiddleware {
	return &AuthMiddleware{tokenHash: util.HashToken(apiToken)}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": "missing token", "path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.MissingToken())
			return
		}

		if !util.ConstantTimeEqual(util.HashToken(token), m.tokenHash) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": "invalid token", "path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.InvalidToken("Invalid API token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken reads the bearer header, then X-API-Key, then the token query
// parameter used by EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	return r.URL.Query().Get("token")
}
