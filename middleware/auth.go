package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ClaimsContextKey = contextKey("claims")

// Claims identifies the caller creating rooms.
type Claims struct {
	jwt.RegisteredClaims
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
}

func ParseJWT(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]string{"error": msg})
}

// Identity attaches the caller's claims when the request carries a bearer
// token. Requests without an Authorization header pass through anonymously;
// a malformed or invalid token is rejected. With an empty secret every
// request is anonymous.
func Identity(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || len(key) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				unauthorized(w, r, "Authorization header format must be Bearer {token}")
				return
			}

			claims, err := ParseJWT(key, parts[1])
			if err != nil {
				unauthorized(w, r, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerID returns the authenticated caller's id: the token subject, or its
// login when the subject is empty.
func OwnerID(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return "", false
	}
	if claims.Subject != "" {
		return claims.Subject, true
	}
	if claims.Login != "" {
		return claims.Login, true
	}
	return "", false
}
