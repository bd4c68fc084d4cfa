package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/personal-context-engine/internal/config"
)

// staleAfter is how long an idle client keeps its bucket.
const staleAfter = 3 * time.Minute

// rateLimiter applies a per-client token bucket. Buckets are swept lazily
// when the map grows, so there is no janitor goroutine to manage.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rps     rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg *config.Config) *rateLimiter {
	rps := cfg.Server.RateLimitPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Server.RateLimitBurst
	if burst < 1 {
		burst = 20
	}
	return &rateLimiter{
		clients: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.clients[key]
	if b == nil {
		if len(rl.clients) >= 4096 {
			rl.sweep()
		}
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// sweep drops buckets idle past staleAfter. Caller holds mu.
func (rl *rateLimiter) sweep() {
	cutoff := time.Now().Add(-staleAfter)
	for k, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
}

// Middleware rejects over-limit clients with 429. Health probes bypass the
// limiter; load balancers poll them aggressively.
func (rl *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(clientKey(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets by remote IP so one noisy client cannot starve others
// behind the same gateway.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
