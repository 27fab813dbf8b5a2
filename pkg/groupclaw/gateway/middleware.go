// Package gateway – middleware.go carries the auth and header
// middleware.
package gateway

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashToken bcrypt-hashes a bearer token for storage in the config
// file. Used by the setup wizard.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authMiddleware requires Authorization: Bearer <token> matching the
// configured bcrypt hash. /health stays public. No hash, no auth.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.TokenHash == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			g.writeError(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			g.writeError(w, "invalid Authorization format", http.StatusUnauthorized)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(g.cfg.TokenHash), []byte(token)) != nil {
			g.writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
