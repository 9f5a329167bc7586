// internal/middleware/ratelimiter.go
package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/unclebandit/smsleopard-dispatcher/internal/httputil"
	"github.com/unclebandit/smsleopard-dispatcher/internal/metrics"
)

// RateLimiter keeps one token bucket per tenant.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	burst    int
}

func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

func (rl *RateLimiter) getLimiter(tenant string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[tenant]
	if !exists {
		limiter = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[tenant] = limiter
	}
	return limiter
}

// Middleware must run after RequireTenant.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getLimiter(TenantFromContext(r.Context())).Allow() {
			metrics.HttpRateLimitRejectionsTotal.Inc()
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded, slow down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
