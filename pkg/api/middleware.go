package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/castellan-io/castellan/pkg/audit"
)

// ParticipantClaims are the JWT claims a ballot or ingestion token must
// carry. Subject is the participant or submitter identity.
type ParticipantClaims struct {
	jwt.RegisteredClaims
	Capability string `json:"capability,omitempty"`
}

// CapabilitySupervisor marks a token that may exercise supervisory
// overrides, such as cancelling an open dispute.
const CapabilitySupervisor = "supervisor"

type capabilityKey struct{}

// WithCapability returns a context carrying the token's capability.
func WithCapability(ctx context.Context, capability string) context.Context {
	return context.WithValue(ctx, capabilityKey{}, capability)
}

// CapabilityFromContext returns the capability set by AuthMiddleware,
// or the empty string for an ordinary participant.
func CapabilityFromContext(ctx context.Context) string {
	c, _ := ctx.Value(capabilityKey{}).(string)
	return c
}

// TokenValidator validates HS256 participant tokens signed with the
// HKDF-derived token key.
type TokenValidator struct {
	key []byte
}

// NewTokenValidator creates a validator over the derived token key.
func NewTokenValidator(key []byte) *TokenValidator {
	if len(key) == 0 {
		return nil
	}
	return &TokenValidator{key: key}
}

// Validate parses and verifies a token string.
func (v *TokenValidator) Validate(tokenStr string) (*ParticipantClaims, error) {
	if v == nil || len(v.key) == 0 {
		return nil, fmt.Errorf("api: validator uninitialized")
	}

	claims := &ParticipantClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("api: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("api: invalid token")
	}
	return claims, nil
}

// publicPaths need no authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware enforces bearer-token authentication on every
// non-public path. A nil validator rejects everything (fail closed).
func AuthMiddleware(validator *TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}

			ctx := audit.WithActor(r.Context(), claims.Subject)
			if claims.Capability != "" {
				ctx = WithCapability(ctx, claims.Capability)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Limiter gates requests by key. Both the in-process and the Redis
// limiter satisfy it.
type Limiter interface {
	Allow(r *http.Request, key string) bool
}

// IPRateLimiter keeps a token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter and starts its background
// cleanup.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

// Allow reports whether the request's key has budget left.
func (rl *IPRateLimiter) Allow(_ *http.Request, key string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// cleanupVisitors drops stale entries. Checks every minute, removes
// entries idle longer than three minutes.
func (rl *IPRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware keys the limiter by client IP.
func RateLimitMiddleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = strings.Trim(r.RemoteAddr, "[]")
			}
			if !limiter.Allow(r, ip) {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
