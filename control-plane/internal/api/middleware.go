package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyMiddleware validates the dashboard API key against the configured
// bcrypt hash. Without EnforceAuth it logs failures but lets requests
// through. With no hash configured the check is skipped.
func (s *Server) APIKeyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.APIKeyHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				if s.cfg.EnforceAuth {
					s.logger.Warn("api auth failed: missing credentials",
						"path", r.URL.Path,
						"has_auth_header", authHeader != "",
					)
					s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
					return
				}
				// Grace mode: log but allow
				s.logger.Debug("api auth: missing credentials (grace mode)", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(apiKey)); err != nil {
				if s.cfg.EnforceAuth {
					s.logger.Warn("api auth failed: invalid API key", "path", r.URL.Path)
					s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
					return
				}
				s.logger.Warn("api auth: invalid API key (grace mode - would reject)", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
