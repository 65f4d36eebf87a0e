package handlers

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/config"
)

type AuthHandler struct {
	cfg *config.Config
	now func() time.Time
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg, now: time.Now}
}

type LoginRequest struct {
	Secret string `json:"secret"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges the admin secret for a short-lived admin JWT
// POST /api/v1/admin/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "Secret is required")
		return
	}

	if h.cfg.JWTSecret == "" || !secretMatches(h.cfg.AdminSecret, req.Secret) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Rejected admin login")
		writeError(w, http.StatusUnauthorized, "Invalid admin secret")
		return
	}

	now := h.now()
	ttl := h.cfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expiresAt := now.Add(ttl)

	claims := AdminClaims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "aiverse",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		log.Error().Err(err).Msg("Failed to sign admin token")
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     tokenString,
		ExpiresAt: expiresAt.UTC().Truncate(time.Second),
	})
}
