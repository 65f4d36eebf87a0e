package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akagifreeez/aiverse/internal/config"
)

type contextKey string

const (
	AdminContextKey contextKey = "admin_subject"

	// AdminSecretHeader is accepted as an alternative to a bearer token
	AdminSecretHeader = "X-Admin-Secret"

	roleAdmin = "admin"
)

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminMiddleware admits requests carrying the admin secret header or a
// valid admin JWT. Browsers cannot set headers on websocket upgrades, so
// the token is also read from the access_token query parameter.
func AdminMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminSecret == "" && cfg.JWTSecret == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized: admin access is not configured")
				return
			}

			if secret := r.Header.Get(AdminSecretHeader); secret != "" {
				if !secretMatches(cfg.AdminSecret, secret) {
					writeError(w, http.StatusUnauthorized, "Unauthorized: Invalid admin secret")
					return
				}
				ctx := context.WithValue(r.Context(), AdminContextKey, "secret")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized: No token provided")
				return
			}

			claims, err := parseAdminToken(cfg.JWTSecret, tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized: Invalid token")
				return
			}
			if claims.Role != roleAdmin {
				writeError(w, http.StatusForbidden, "Forbidden: admin role required")
				return
			}

			ctx := context.WithValue(r.Context(), AdminContextKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

func parseAdminToken(jwtSecret, tokenString string) (*AdminClaims, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("jwt secret not configured")
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func secretMatches(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
