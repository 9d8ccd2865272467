package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// authClaimsKey is a context key for the authenticated caller.
type authClaimsKey struct{}

// ClaimsFromContext returns the authenticated caller from the request context.
// Returns nil if the request is not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(authClaimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, authClaimsKey{}, c)
}

// Paths with their own authentication.
var selfAuthenticatedPrefixes = []string{
	"/api/v1/ws/",        // token query parameter, checked by the stream handler
	"/api/v1/mcp",        // API key or bearer token, checked by the MCP mount
	"/api/v1/auth/token", // API key exchange
}

// AuthMiddleware validates JWT access tokens on API routes.
// Non-API paths (healthz, readyz, metrics) and self-authenticated prefixes
// are skipped.
func AuthMiddleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			for _, prefix := range selfAuthenticatedPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := tokens.ValidateAccessToken(tokenString)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope rejects requests whose token lacks scope. Requests without
// claims pass through, so it is a no-op when authentication is disabled.
func RequireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFromContext(r.Context()); c != nil && !c.HasScope(scope) {
			writeAuthError(w, http.StatusForbidden, "token lacks required scope "+scope)
			return
		}
		next(w, r)
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	title := "Unauthorized"
	typ := "https://switchyard.dev/problems/unauthorized"
	switch status {
	case http.StatusForbidden:
		title = "Forbidden"
		typ = "https://switchyard.dev/problems/forbidden"
	case http.StatusBadRequest:
		title = "Bad Request"
		typ = "https://switchyard.dev/problems/bad-request"
	case http.StatusInternalServerError:
		title = "Internal Server Error"
		typ = "https://switchyard.dev/problems/internal-error"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   typ,
		"title":  title,
		"status": status,
		"detail": detail,
	})
}
