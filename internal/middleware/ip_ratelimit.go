package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/psicoagenda/wa-gateway/internal/audit"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/httputil"
)

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, resetAt time.Time)
}

// IPRateLimitMiddleware limits API calls per client IP.
type IPRateLimitMiddleware struct {
	limiter Limiter
}

func NewIPRateLimitMiddleware(limiter Limiter) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{limiter: limiter}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := audit.ClientIP(r)

		allowed, resetAt := m.limiter.Allow(r.Context(), "ip:"+ip)
		if !allowed {
			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secondsLeft))
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
