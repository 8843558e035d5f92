package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// accountLimiter throttles mutating requests per caller account.
type accountLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newAccountLimiter allows requestsPerMinute per account with a burst of a
// tenth of that, at least one.
func newAccountLimiter(requestsPerMinute int) *accountLimiter {
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &accountLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *accountLimiter) get(account string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[account]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[account] = lim
	}
	return lim
}

func (l *accountLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.get(caller(r)).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded", "kind": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
