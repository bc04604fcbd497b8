package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RequireBearer builds middleware validating an HMAC-signed (HS256, HS384 or
// HS512) bearer token signed with signingKey. If signingKey is empty, authentication is disabled — the
// middleware is a no-op — so the engine runs standalone in development
// without a configured signing key.
func RequireBearer(signingKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if signingKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(header, "Bearer ")
			if tokenString == header || tokenString == "" {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(signingKey), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid bearer token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, token.Claims)))
		})
	}
}

type claimsContextKey struct{}
