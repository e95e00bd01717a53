// Package identity derives a stable caller identity from bearer tokens.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

const (
	// LocalUserID is the identity of requests without a token when tokens are optional.
	LocalUserID  = "local"
	userIDPrefix = "user_"
)

type contextKey int

const (
	userIDKey contextKey = iota
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromToken maps a bearer token to an opaque user id. The token itself is
// never stored.
func UserIDFromToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return userIDPrefix + hex.EncodeToString(sum[:16])
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware injects the caller identity. With requireToken, requests without a
// bearer token are rejected; otherwise they act as LocalUserID.
func Middleware(requireToken bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := LocalUserID
			if token := bearerToken(r); token != "" {
				userID = UserIDFromToken(token)
			} else if requireToken {
				unauthorized(w, "missing bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="consultation"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
