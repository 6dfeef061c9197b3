// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"iot-sensor-gateway/internal/logger"
)

const (
	issuer            = "iot-sensor-gateway"
	defaultExpiration = 24 * 60 // minutes
	bcryptCost        = 12
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidToken    = errors.New("invalid token")
)

// Config holds authentication configuration
type Config struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// AuthManager handles device API keys and operator tokens
type AuthManager struct {
	config Config
	now    func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

type contextKey string

const (
	usernameKey contextKey = "username"
	roleKey     contextKey = "role"
)

func NewAuthManager(config Config) *AuthManager {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = defaultExpiration
	}
	return &AuthManager{config: config, now: time.Now}
}

// APIKeysEnabled reports whether device ingress requires an API key.
func (am *AuthManager) APIKeysEnabled() bool { return len(am.config.APIKeys) > 0 }

// JWTEnabled reports whether operator routes require a bearer token.
func (am *AuthManager) JWTEnabled() bool { return am.config.JWTSecret != "" }

// GenerateJWT creates a signed token for a user
func (am *AuthManager) GenerateJWT(username, role string) (string, error) {
	if !am.JWTEnabled() {
		return "", errors.New("jwt secret not configured")
	}
	now := am.now()
	claims := &Claims{
		Username: username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(time.Duration(am.config.JWTExpiration) * time.Minute).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(am.config.JWTSecret))
}

// ValidateJWT validates the JWT token
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (am *AuthManager) ValidateAPIKey(apiKey string) bool {
	valid := false
	for _, key := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// AuthenticateUser validates username and password and returns the role.
func (am *AuthManager) AuthenticateUser(username, password string) (string, error) {
	for _, user := range am.config.Users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return "", ErrInvalidPassword
		}
		return user.Role, nil
	}
	return "", ErrUserNotFound
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	return string(bytes), err
}

// Username returns the operator name attached by JWTMiddleware.
func Username(ctx context.Context) string {
	s, _ := ctx.Value(usernameKey).(string)
	return s
}

// Role returns the operator role attached by JWTMiddleware.
func Role(ctx context.Context) string {
	s, _ := ctx.Value(roleKey).(string)
	return s
}

// JWTMiddleware guards operator routes. It is a pass-through when no secret
// is configured.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.JWTEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "Authorization header required")
			return
		}

		bearerToken := strings.Fields(authHeader)
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "Bearer") {
			unauthorized(w, "Invalid authorization format")
			return
		}

		claims, err := am.ValidateJWT(bearerToken[1])
		if err != nil {
			logger.WithComponent("auth").Debug().Err(err).Msg("rejected bearer token")
			unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, claims.Username)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyMiddleware guards device ingress. It is a pass-through when no keys
// are configured.
func (am *AuthManager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.APIKeysEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			unauthorized(w, "API key required")
			return
		}
		if !am.ValidateAPIKey(apiKey) {
			logger.WithComponent("auth").Warn().Str("remote_addr", r.RemoteAddr).Msg("invalid api key")
			unauthorized(w, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges operator credentials for a token.
func (am *AuthManager) Login(w http.ResponseWriter, r *http.Request) {
	if !am.JWTEnabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false,
			"error":   "Authentication is not configured",
		})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Username and password are required",
		})
		return
	}

	role, err := am.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		logger.WithComponent("auth").Info().Str("username", req.Username).Err(err).Msg("login failed")
		unauthorized(w, "Invalid credentials")
		return
	}

	am.respondWithToken(w, req.Username, role)
}

// Refresh issues a new token for a caller already holding a valid one, taken
// from the bearer header or a {"token": "..."} body.
func (am *AuthManager) Refresh(w http.ResponseWriter, r *http.Request) {
	if !am.JWTEnabled() {
		unauthorized(w, "Invalid token")
		return
	}

	var tokenString string
	if fields := strings.Fields(r.Header.Get("Authorization")); len(fields) == 2 && strings.EqualFold(fields[0], "Bearer") {
		tokenString = fields[1]
	} else {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			tokenString = body.Token
		}
	}

	claims, err := am.ValidateJWT(tokenString)
	if err != nil {
		unauthorized(w, "Invalid token")
		return
	}
	am.respondWithToken(w, claims.Username, claims.Role)
}

func (am *AuthManager) respondWithToken(w http.ResponseWriter, username, role string) {
	token, err := am.GenerateJWT(username, role)
	if err != nil {
		logger.WithComponent("auth").Error().Err(err).Msg("failed to sign token")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "Failed to issue token",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     token,
		"username":  username,
		"role":      role,
		"expiresIn": am.config.JWTExpiration * 60,
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
