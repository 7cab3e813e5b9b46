package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/pkg/logger"
)

// Auth validates the Bearer token and places the authenticated user id in
// the request context. Tokens are HS256 with the subject claim holding the
// user id; full session management lives outside this service.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeUnauthorized(w)
				return
			}

			token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, internal.ErrInvalidToken
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeUnauthorized(w)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeUnauthorized(w)
				return
			}

			ctx := internal.ContextWithUserID(r.Context(), subject)
			ctx = logger.With(ctx, "user_id", subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"type":"unauthorized","code":"INVALID_TOKEN","message":"invalid token"}}`))
}
