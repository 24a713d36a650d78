package handlers

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

// JWTGuard authenticates timer-service callbacks with bearer tokens when
// enabled; otherwise it passes requests straight through.
func JWTGuard(cfg config.AuthConfig, logger *logging.Logger, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	if logger == nil {
		logger = logging.Discard()
	}

	parser := jwt.NewParser(
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	secret := []byte(cfg.JWTSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		_, err := parser.Parse(token, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			logger.Warn("rejected timer callback", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
