// internal/api/middleware.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userIDKey  contextKey = "userId"
	groupIDKey contextKey = "groupId"

	// GroupHeader carries the savings group the request acts on.
	GroupHeader = "X-Group-ID"
)

// AuthMiddleware validates the bearer token and stores its subject as the
// owner user ID.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token format")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("invalid signing method")
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token claims")
				return
			}
			userID, ok := claims["sub"].(string)
			if !ok || userID == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid user ID in token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			if group := r.Header.Get(GroupHeader); group != "" {
				ctx = context.WithValue(ctx, groupIDKey, group)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userID(r *http.Request) string {
	v, _ := r.Context().Value(userIDKey).(string)
	return v
}

func groupID(r *http.Request) string {
	v, _ := r.Context().Value(groupIDKey).(string)
	return v
}
