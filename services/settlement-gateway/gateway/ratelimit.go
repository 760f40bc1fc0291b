package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bondsettle/services/settlement-gateway/config"
)

// visitorTTL is how long an idle limiter stays resident before its entry is
// dropped.
const visitorTTL = 5 * time.Minute

// RateLimiter throttles requests per authenticated subject, falling back to
// the client address when no token is present.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func NewRateLimiter(cfg config.RateConfig) *RateLimiter {
	perSecond := rate.Limit(1)
	if cfg.RequestsPerMinute > 0 {
		perSecond = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: perSecond,
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

// Middleware rejects callers that exceed their budget. It must run after
// authentication so the token subject keys the limiter.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.obtainLimiter(limiterKey(req)).Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtainLimiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.visitors[id]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(r.perSecond, r.burst)
	r.visitors[id] = limiter
	go r.cleanup(id)
	return limiter
}

func (r *RateLimiter) cleanup(id string) {
	time.Sleep(visitorTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.visitors, id)
}

func limiterKey(req *http.Request) string {
	if subject := SubjectFromContext(req.Context()); subject != "" {
		return subject
	}
	return clientAddress(req)
}

func clientAddress(req *http.Request) string {
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if parsed := net.ParseIP(strings.TrimSpace(parts[0])); parsed != nil {
				return parsed.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
