package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/auth"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

type contextKey string

// UserContextKey holds the *models.Claims of an authenticated request.
const UserContextKey contextKey = "user"

// publicPaths are reachable under /api without a bearer token.
var publicPaths = map[string]bool{
	"/api/auth/login":    true,
	"/api/auth/register": true,
}

// AuthMiddleware guards the web API with JWT bearer tokens.
type AuthMiddleware struct {
	authService *auth.Service
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authService *auth.Service) *AuthMiddleware {
	return &AuthMiddleware{authService: authService}
}

// Authenticate validates the bearer token and stores its claims in the
// request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		token, err := m.authService.ExtractTokenFromHeader(header)
		if err != nil {
			http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := m.authService.ValidateToken(token)
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			http.Error(w, "Token expired", http.StatusUnauthorized)
		case err != nil:
			http.Error(w, "Invalid token", http.StatusUnauthorized)
		default:
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims)))
		}
	})
}

// RequirePermission lets the request through when the caller's role grants
// action. It must run after Authenticate.
func (m *AuthMiddleware) RequirePermission(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "User context not found", http.StatusUnauthorized)
				return
			}
			if !(&models.User{Role: claims.Role}).HasPermission(action) {
				log.WithFields(log.Fields{
					"user_id": claims.UserID,
					"action":  action,
				}).Debug("Permission denied")
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser stores user claims in a context
func WithUser(ctx context.Context, claims *models.Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(ctx context.Context) (*models.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*models.Claims)
	return claims, ok
}

// RateLimitMiddleware limits requests per client IP over a sliding window.
// The device API is the main consumer: a misconfigured tracker can post far
// faster than its position_check_freq.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

// NewRateLimitMiddleware creates a new rate limiting middleware
func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// RateLimit allows maxRequests per client IP within window.
func (m *RateLimitMiddleware) RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.allow(getClientIP(r), maxRequests, window) {
				log.WithFields(log.Fields{
					"client_ip": getClientIP(r),
					"path":      r.URL.Path,
				}).Warn("Rate limit exceeded")
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *RateLimitMiddleware) allow(clientIP string, maxRequests int, window time.Duration) bool {
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.requests[clientIP][:0]
	for _, ts := range m.requests[clientIP] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= maxRequests {
		m.requests[clientIP] = recent
		return false
	}
	m.requests[clientIP] = append(recent, now)
	return true
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
