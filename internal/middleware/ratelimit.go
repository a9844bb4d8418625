package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/codexbridge/codexd/internal/apierr"
	"github.com/codexbridge/codexd/internal/identity"
)

// RateLimit returns middleware enforcing a per-client-IP token bucket:
// rps steady-state requests per second, burst allowed in a spike. A
// client that exceeds its bucket gets a capacity error rather than
// being queued, consistent with the registry's own fail-fast-busy
// posture under load.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiters := &limiterSet{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := identity.IPFromRequest(r)
			if !limiters.forIP(ip).Allow() {
				apierr.Write(w, r, apierr.Capacity("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func (s *limiterSet) forIP(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ip] = l
	}
	return l
}
