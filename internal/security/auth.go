package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/types"
)

type contextKey string

const (
	authInfoKey contextKey = "auth_info"
	clientIPKey contextKey = "client_ip"
)

// AuthInfo describes the authenticated caller attached to a request context.
type AuthInfo struct {
	UserID      string            `json:"user_id"`
	Method      string            `json:"method"`
	Permissions []string          `json:"permissions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Claims is the JWT payload issued and accepted by the gateway.
type Claims struct {
	UserID      string            `json:"user_id"`
	Permissions []string          `json:"permissions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig holds inbound authentication settings. Upstream provider
// credentials are backend config, not handled here.
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	APIKeys   []string      `yaml:"api_keys" json:"api_keys"`
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry" json:"jwt_expiry"`
}

// Auth validates API keys and JWTs for inbound callers.
type Auth struct {
	cfg    AuthConfig
	logger *logrus.Logger
}

// NewAuth builds the authenticator. JWT expiry defaults to 24 hours.
func NewAuth(cfg AuthConfig, logger *logrus.Logger) *Auth {
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}
	return &Auth{
		cfg:    cfg,
		logger: logger,
	}
}

// Authenticate accepts either a configured API key or a signed JWT.
func (a *Auth) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(ctx, token); err == nil {
		return info, nil
	}

	if claims, err := a.ValidateJWT(token); err == nil {
		return &AuthInfo{
			UserID:      claims.UserID,
			Method:      "jwt",
			Permissions: claims.Permissions,
			Metadata:    claims.Metadata,
			ExpiresAt:   &claims.ExpiresAt.Time,
		}, nil
	}

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey checks the key against the configured set using
// constant-time comparison.
func (a *Auth) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}

	for _, valid := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return &AuthInfo{
				UserID:      userIDForKey(apiKey),
				Method:      "api_key",
				Permissions: []string{"api:access"},
			}, nil
		}
	}

	a.logger.WithFields(logrus.Fields{
		"api_key":   maskKey(apiKey),
		"remote_ip": clientIPFromContext(ctx),
	}).Warn("Invalid API key attempted")

	return nil, errors.New("invalid api key")
}

// IssueJWT signs a token for the given caller.
func (a *Auth) IssueJWT(userID string, permissions []string, metadata map[string]string) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}

	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Permissions: permissions,
		Metadata:    metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "switchboard",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// ValidateJWT parses and verifies a token, accepting HMAC signatures only.
func (a *Auth) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Middleware authenticates every request except liveness, metrics, and
// docs paths. Disabled auth passes everything through untouched.
func (a *Auth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || skipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeAuthError(w, "missing authentication token")
				return
			}

			ctx := context.WithValue(r.Context(), clientIPKey, clientIP(r))
			info, err := a.Authenticate(ctx, token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": clientIP(r),
				}).Warn("Authentication failed")
				writeAuthError(w, "invalid authentication token")
				return
			}

			ctx = context.WithValue(ctx, authInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthInfo returns the authenticated caller stored on the context.
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

// WithAuthInfo attaches caller identity to a context. Used by tests and
// by transports other than the HTTP middleware.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

func skipAuth(path string) bool {
	return strings.HasPrefix(path, "/health") ||
		strings.HasPrefix(path, "/metrics") ||
		strings.HasPrefix(path, "/docs")
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func userIDForKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("key-%x", hash[:4])
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

func clientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return "unknown"
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{
			Kind:    "unauthorized",
			Message: message,
		},
	})
}
