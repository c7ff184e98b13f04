// Package server exposes the HTTP and WebSocket surface of the
// collaborative ontology core: login, snapshot and search reads, grant
// administration, and the per-ontology realtime sync endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

// UserIDContextKey carries the authenticated user id through the request
// context.
const UserIDContextKey contextKey = "user_id"

// AuthConfig configures token issuing and validation.
type AuthConfig struct {
	JWTSecret     string
	TokenDuration time.Duration
	Issuer        string
}

// DefaultAuthConfig returns development defaults; production must override
// the secret.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		TokenDuration: 12 * time.Hour,
		Issuer:        "ontocollab",
	}
}

// Auth issues and validates JWTs and stores user credentials in Redis.
// The permission gate decides what a user may do; Auth only decides who
// they are.
type Auth struct {
	cfg    AuthConfig
	secret []byte
	users  *redis.Client
	logger *zap.Logger
}

// NewAuth creates the auth layer. users may be nil, which disables
// register/login (useful for tests that inject identities directly).
func NewAuth(cfg AuthConfig, users *redis.Client, logger *zap.Logger) (*Auth, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenDuration == 0 {
		cfg.TokenDuration = DefaultAuthConfig().TokenDuration
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultAuthConfig().Issuer
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &Auth{
		cfg:    cfg,
		secret: []byte(cfg.JWTSecret),
		users:  users,
		logger: logger,
	}, nil
}

func userKey(username string) string { return "user:" + username }

// Register stores a new user with a bcrypt-hashed password.
func (a *Auth) Register(ctx context.Context, username, password string) error {
	if a.users == nil {
		return fmt.Errorf("user store unavailable")
	}
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	exists, err := a.users.Exists(ctx, userKey(username)).Result()
	if err != nil {
		return fmt.Errorf("user lookup: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("username already taken")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.users.Set(ctx, userKey(username), string(hashed), 0).Err(); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

// Login checks credentials and returns a signed token.
func (a *Auth) Login(ctx context.Context, username, password string) (string, error) {
	if a.users == nil {
		return "", fmt.Errorf("user store unavailable")
	}
	hashed, err := a.users.Get(ctx, userKey(username)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("invalid credentials")
	}
	if err != nil {
		return "", fmt.Errorf("user lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	return a.GenerateToken(username)
}

// GenerateToken signs a token for the user.
func (a *Auth) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iss": a.cfg.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(a.cfg.TokenDuration).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a token and returns the user id.
func (a *Auth) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("missing subject")
	}
	return sub, nil
}

// Middleware validates the bearer token and stores the user id in the
// request context. WebSocket clients that cannot set headers may pass the
// token as a query parameter instead.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			tokenString = q
		}
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		userID, err := a.ValidateToken(tokenString)
		if err != nil {
			a.logger.Warn("invalid token", zap.Error(err))
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the authenticated user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}
