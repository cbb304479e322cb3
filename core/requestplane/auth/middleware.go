package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type contextKey string

const operatorClaimsKey contextKey = "operator_claims"

// RateLimiter is an IP-based limiter for the auth endpoint. Exceeding the
// window blocks the IP for a cool-off period.
type RateLimiter struct {
	requests map[string]*requestTracker
	mu       sync.Mutex

	maxRequests int
	window      time.Duration
	blockTime   time.Duration
}

type requestTracker struct {
	count       int
	windowStart time.Time
	blockedAt   *time.Time
}

// NewRateLimiter creates a rate limiter. Zero values default to 10 requests
// per minute with a 5-minute block.
func NewRateLimiter(maxRequests int, window, blockTime time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if blockTime <= 0 {
		blockTime = 5 * time.Minute
	}

	rl := &RateLimiter{
		requests:    make(map[string]*requestTracker),
		maxRequests: maxRequests,
		window:      window,
		blockTime:   blockTime,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a request from ip may proceed
func (rl *RateLimiter) Allow(ip string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	tracker, exists := rl.requests[ip]
	if !exists {
		rl.requests[ip] = &requestTracker{count: 1, windowStart: now}
		return nil
	}

	if tracker.blockedAt != nil {
		if now.Sub(*tracker.blockedAt) < rl.blockTime {
			remaining := rl.blockTime - now.Sub(*tracker.blockedAt)
			return fmt.Errorf("too many requests, try again in %v", remaining.Round(time.Second))
		}
		tracker.blockedAt = nil
		tracker.count = 1
		tracker.windowStart = now
		return nil
	}

	if now.Sub(tracker.windowStart) > rl.window {
		tracker.count = 1
		tracker.windowStart = now
		return nil
	}

	tracker.count++
	if tracker.count > rl.maxRequests {
		tracker.blockedAt = &now
		return fmt.Errorf("too many requests, try again in %v", rl.blockTime)
	}
	return nil
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.cleanup()
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := rl.window + rl.blockTime
	for ip, tracker := range rl.requests {
		if tracker.blockedAt == nil && now.Sub(tracker.windowStart) > cutoff {
			delete(rl.requests, ip)
			continue
		}
		if tracker.blockedAt != nil && now.Sub(*tracker.blockedAt) > rl.blockTime {
			delete(rl.requests, ip)
		}
	}
}

// RateLimitMiddleware rate-limits by client IP
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Allow(clientIP(r)); err != nil {
				w.Header().Set("Retry-After", "300")
				http.Error(w, err.Error(), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RequireOperatorAuth guards admin endpoints with an operator session JWT
func RequireOperatorAuth(jwtManager *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			claims, err := jwtManager.ValidateOperatorToken(parts[1])
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorClaims retrieves the operator claims from the request context
func GetOperatorClaims(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorClaimsKey).(*OperatorClaims)
	return claims, ok
}
