// Package middleware provides the API's HTTP middleware.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fogsync/fogsync/internal/api/auth"
)

type contextKey string

const userIDContextKey contextKey = "user_id"

// UserID retrieves the authenticated user id from the request context.
// Only meaningful after the Auth middleware has run.
func UserID(ctx context.Context) (int64, bool) {
	uid, ok := ctx.Value(userIDContextKey).(int64)
	return uid, ok
}

// WithUserID returns a context carrying an authenticated user id; used
// by handler tests to skip the middleware.
func WithUserID(ctx context.Context, uid int64) context.Context {
	return context.WithValue(ctx, userIDContextKey, uid)
}

func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// Auth validates the Bearer token and stores the user id in the request
// context. Missing or bad tokens get a 403 with the standard envelope.
func Auth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r)
			if !ok {
				forbidden(w)
				return
			}
			uid, err := jwtService.ValidateToken(token)
			if err != nil {
				forbidden(w)
				return
			}
			ctx := context.WithValue(r.Context(), userIDContextKey, uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// NoCache marks every response as uncacheable; token-gated payloads
// must never be served from shared caches.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
