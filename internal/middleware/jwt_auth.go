package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/reactor-proxy/pkg/logger"
)

// JWTAuthMiddleware guards the admin API with HS256 bearer tokens
type JWTAuthMiddleware struct {
	secret []byte
	logger *logger.Logger
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTAuthMiddleware creates the middleware. An empty secret disables
// authentication.
func NewJWTAuthMiddleware(secret string, log *logger.Logger) *JWTAuthMiddleware {
	if log == nil {
		log = logger.Discard()
	}
	jm := &JWTAuthMiddleware{
		secret: []byte(secret),
		logger: log.AdminLogger(),
	}
	if jm.Enabled() {
		jm.logger.WithField("algorithm", jwt.SigningMethodHS256.Alg()).Info("JWT authentication enabled")
	}
	return jm
}

// Enabled reports whether requests need a token
func (jm *JWTAuthMiddleware) Enabled() bool {
	return len(jm.secret) > 0
}

// JWTAuth returns the JWT authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !jm.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeJWTError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithFields(map[string]interface{}{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeJWTError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			w.Header().Set("X-JWT-Subject", claims.Subject)
			jm.logger.WithFields(map[string]interface{}{
				"subject": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("JWT authentication successful")

			next.ServeHTTP(w, r)
		})
	}
}

// Issue signs a token for subject valid for ttl
func (jm *JWTAuthMiddleware) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jm.secret)
}

// extractToken extracts the JWT from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// validateToken validates and parses the JWT token
func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	// Expiry itself is checked by the parser.
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token has no expiry")
	}

	return claims, nil
}

// writeJWTError writes a JWT error response
func writeJWTError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"error":   "authentication_failed",
		"message": message,
		"status":  statusCode,
	}

	json.NewEncoder(w).Encode(response)
}
