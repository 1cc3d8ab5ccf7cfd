// Package middleware contains HTTP middleware for the Umami server.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// =============================================================================
// Service Token Auth
// =============================================================================

// ServiceAuthConfig holds the configuration for service token auth.
type ServiceAuthConfig struct {
	// Tokens is the set of accepted service tokens. More than one token is
	// allowed so tokens can be rotated without downtime.
	Tokens []string
	Logger *slog.Logger
}

// RequireServiceToken authenticates machine callers via a shared service
// token, presented either as "Authorization: Bearer <token>" or in the
// X-Service-Token header. The gateway is the only expected caller; there
// are no end-user sessions on this surface.
//
// Token comparison is constant-time.
func RequireServiceToken(cfg ServiceAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := extractToken(r)
			if presented == "" || !tokenAccepted(presented, cfg.Tokens) {
				if cfg.Logger != nil {
					cfg.Logger.Warn("rejected unauthenticated internal request",
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
					)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"A valid service token is required"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken pulls the service token from the request headers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.Header.Get("X-Service-Token")
}

// tokenAccepted compares the presented token against every configured token
// in constant time.
func tokenAccepted(presented string, tokens []string) bool {
	accepted := false
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t)) == 1 {
			accepted = true
		}
	}
	return accepted
}
