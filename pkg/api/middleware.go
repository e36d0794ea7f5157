package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type requestIDKey struct{}

// RequestIDMiddleware injects a unique X-Request-ID into every request context
// and response header. If the client sends an X-Request-ID, it is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// visitor tracks the rate limiter for one client IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// GlobalRateLimiter applies a per-IP token bucket across all routes.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

// NewGlobalRateLimiter builds the limiter and starts its stale-visitor sweep.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *GlobalRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Middleware enforces the per-IP limit and answers 429 with Retry-After.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.limiterFor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type actorKey struct{}

// Claims are the JWT claims accepted on /v1 routes.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTAuthenticator validates HS256 bearer tokens and puts the token subject
// on the request context as the acting user.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator returns nil when no secret is configured; the auth
// middleware then fails closed.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	if secret == "" {
		return nil
	}
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (a *JWTAuthenticator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IssueToken mints a token for subject, used by the demo CLI and tests.
func (a *JWTAuthenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

// AuthMiddleware guards the wrapped routes with bearer auth. A nil
// authenticator rejects every request.
func AuthMiddleware(auth *JWTAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if auth == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}
			claims, err := auth.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Actor returns the authenticated subject, or "" outside the auth middleware.
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}

// InternalTokenMiddleware guards operator routes with a shared static token
// carried in X-Internal-Token. An empty configured token disables the routes.
func InternalTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				WriteForbidden(w, "Internal routes are disabled")
				return
			}
			got := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteUnauthorized(w, "Invalid internal token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
