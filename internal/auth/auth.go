// Package auth resolves the caller of an API request.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/store"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserNotFound = errors.New("user not found")
)

type contextKey string

const UserContextKey contextKey = "user"

// UserHeader names the caller when authentication is disabled.
const UserHeader = "X-User-Email"

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 24 * time.Hour

// Claims represents JWT claims
type Claims struct {
	UserID  int64  `json:"user_id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens against the user table.
type Authenticator struct {
	secret   []byte
	store    store.Store
	disabled bool
	log      *logrus.Entry
}

// New returns an Authenticator. With disabled set, the caller is taken from the
// X-User-Email header instead of a token.
func New(secret string, s store.Store, disabled bool, logger *logrus.Logger) *Authenticator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Authenticator{
		secret:   []byte(secret),
		store:    s,
		disabled: disabled,
		log:      logger.WithField("component", "auth"),
	}
}

// GenerateToken creates a JWT token for a user
func (a *Authenticator) GenerateToken(user *store.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:  user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   strconv.FormatInt(user.ID, 10),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Middleware loads the caller into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.caller(r)
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Debug("Request rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		ctx := WithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) caller(r *http.Request) (*store.User, error) {
	if a.disabled {
		email := r.Header.Get(UserHeader)
		if email == "" {
			return nil, errors.New("missing " + UserHeader + " header")
		}
		user, err := a.store.GetUserByEmail(r.Context(), email)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, ErrUserNotFound
		}
		return user, nil
	}

	// Extract Bearer token
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.New("authorization required")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, errors.New("invalid authorization header")
	}

	claims, err := a.ValidateToken(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	// The user table is authoritative for the admin flag.
	user, err := a.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// AdminMiddleware ensures the user is an admin
func AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authorization required")
			return
		}

		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "admin_required", "admin access required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext retrieves the user from context
func GetUserFromContext(ctx context.Context) *store.User {
	user, ok := ctx.Value(UserContextKey).(*store.User)
	if !ok {
		return nil
	}
	return user
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ko",
		"error":     msg,
		"i18n_code": code,
	})
}
