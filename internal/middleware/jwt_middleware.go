package middleware

import (
	"context"
	"net/http"
	"strings"

	"llm_fanout/internal/auth"
	"llm_fanout/internal/config"
	"llm_fanout/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// OwnerIDKey is the context key for the authenticated owner id
const OwnerIDKey ContextKey = "ownerID"

// OwnerJWTMiddleware validates the bearer token and stores its owner id in
// the request context
func OwnerJWTMiddleware(cfg config.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				utils.RespondWithError(w, http.StatusUnauthorized, "Authorization header must use the Bearer scheme")
				return
			}
			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			ownerID, err := auth.ParseToken(tokenString, cfg)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// WithOwnerID returns a copy of ctx carrying ownerID
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// GetOwnerID retrieves the owner id from the request context
func GetOwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(OwnerIDKey).(string)
	return id, ok && id != ""
}
