// Package auth guards the mutating HTTP routes with an admin API key or a
// JWT bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header carrying the admin API key
	APIKeyHeader = "X-API-Key"

	// writerContextKey is the context key for storing the authenticated writer
	writerContextKey contextKey = "writer"
)

// Writer identifies who was granted write access.
type Writer struct {
	// Subject is "admin" for the API key, or the token subject.
	Subject string
	Method  string
}

// Guard checks write credentials. A Guard with neither key nor JWT manager
// lets every request through.
type Guard struct {
	adminAPIKey string
	jwt         *JWTManager
	logger      *slog.Logger
}

// NewGuard creates a new Guard. jwt may be nil.
func NewGuard(adminAPIKey string, jwt *JWTManager, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{adminAPIKey: adminAPIKey, jwt: jwt, logger: logger}
}

// Enabled reports whether credentials are required.
func (g *Guard) Enabled() bool {
	return g.adminAPIKey != "" || g.jwt != nil
}

// RequireWriter is HTTP middleware rejecting requests without valid write
// credentials.
func (g *Guard) RequireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		writer, reason := g.authenticate(r)
		if writer == nil {
			g.logger.Warn("rejected unauthenticated write",
				"method", r.Method,
				"path", r.URL.Path,
				"reason", reason,
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": reason})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), writerContextKey, writer)))
	})
}

func (g *Guard) authenticate(r *http.Request) (*Writer, string) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if g.adminAPIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(g.adminAPIKey)) == 1 {
			return &Writer{Subject: "admin", Method: "api_key"}, ""
		}
		return nil, "invalid API key"
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, "missing credentials"
	}
	if g.jwt == nil {
		return nil, "bearer tokens are not accepted"
	}
	claims, err := g.jwt.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return nil, err.Error()
	}
	return &Writer{Subject: claims.Subject, Method: "jwt"}, ""
}

// WriterFromContext extracts the authenticated writer from context
func WriterFromContext(ctx context.Context) (*Writer, bool) {
	w, ok := ctx.Value(writerContextKey).(*Writer)
	return w, ok
}
