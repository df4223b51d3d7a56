package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// RateLimitConfig tunes RateLimit.
type RateLimitConfig struct {
	// Limit is the number of requests allowed per window; zero disables.
	Limit  int
	Window time.Duration
	// TrustProxy reads the client IP from X-Forwarded-For or X-Real-IP.
	TrustProxy bool
}

// RateLimit returns middleware that limits each client to cfg.Limit requests
// per window using the shared limiter. Requests whose caller CallerAuth
// verified by signature count against that address; all others count
// against the client IP. It must run inside CallerAuth. Limiter errors fail
// open.
func RateLimit(limiter domain.RateLimiter, cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || cfg.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r, cfg.TrustProxy)

			allowed, err := limiter.Allow(r.Context(), key, cfg.Limit, cfg.Window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request, trustProxy bool) string {
	if caller, ok := SignedCallerFromContext(r.Context()); ok {
		return "ratelimit:api:caller:" + strings.ToLower(caller.Hex())
	}
	return "ratelimit:api:ip:" + extractClientIP(r, trustProxy)
}

// extractClientIP returns the connection's remote host. With trustProxy it
// prefers the first X-Forwarded-For entry, then X-Real-IP.
func extractClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ip, _, _ := strings.Cut(xff, ",")
			if ip = strings.TrimSpace(ip); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
