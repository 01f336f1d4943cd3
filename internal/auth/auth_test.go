package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetforge/backend/internal/store"
)

const testSecret = "test-secret"

func setupStore(t *testing.T) (*store.SQLStore, *store.User) {
	t.Helper()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	s := store.NewSQLiteStore(db)
	t.Cleanup(func() { s.Close() })

	user := &store.User{Email: "test@example.com"}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return s, user
}

func TestGenerateAndValidateToken(t *testing.T) {
	a := New(testSecret, nil, false, nil)
	user := &store.User{ID: 123, Email: "test@example.com", IsAdmin: true}

	token, err := a.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID != user.ID {
		t.Errorf("ValidateToken() UserID = %v, want %v", claims.UserID, user.ID)
	}
	if claims.Email != user.Email {
		t.Errorf("ValidateToken() Email = %v, want %v", claims.Email, user.Email)
	}
	if !claims.IsAdmin {
		t.Error("ValidateToken() IsAdmin = false")
	}
	if claims.Subject != "123" {
		t.Errorf("ValidateToken() Subject = %q", claims.Subject)
	}
}

func TestValidateToken_Invalid(t *testing.T) {
	a := New(testSecret, nil, false, nil)
	user := &store.User{ID: 1, Email: "test@example.com"}

	otherKey, _ := New("another-secret", nil, false, nil).GenerateToken(user)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "invalid token", token: "invalid.token.here"},
		{name: "malformed token", token: "notavalidjwt"},
		{name: "other secret", token: otherKey},
		{name: "expired", token: expired},
		{name: "none algorithm", token: unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() expected error for invalid token")
			}
		})
	}
}

func TestGetUserFromContext(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		wantNil bool
	}{
		{
			name:    "no user in context",
			ctx:     context.Background(),
			wantNil: true,
		},
		{
			name:    "user in context",
			ctx:     WithUser(context.Background(), &store.User{ID: 1, Email: "test@example.com"}),
			wantNil: false,
		},
		{
			name:    "wrong type in context",
			ctx:     context.WithValue(context.Background(), UserContextKey, "not a user"),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetUserFromContext(tt.ctx)
			if tt.wantNil && got != nil {
				t.Errorf("GetUserFromContext() = %v, want nil", got)
			}
			if !tt.wantNil && got == nil {
				t.Error("GetUserFromContext() = nil, want user")
			}
		})
	}
}

func TestAdminMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		user           *store.User
		wantStatusCode int
	}{
		{
			name:           "no user",
			user:           nil,
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "non-admin user",
			user:           &store.User{ID: 1},
			wantStatusCode: http.StatusForbidden,
		},
		{
			name:           "admin user",
			user:           &store.User{ID: 1, IsAdmin: true},
			wantStatusCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AdminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.user != nil {
				req = req.WithContext(WithUser(req.Context(), tt.user))
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatusCode {
				t.Errorf("AdminMiddleware() status = %v, want %v", rr.Code, tt.wantStatusCode)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	s, user := setupStore(t)
	a := New(testSecret, s, false, nil)

	token, _ := a.GenerateToken(user)
	ghost, _ := a.GenerateToken(&store.User{ID: 999, Email: "ghost@example.com"})

	tests := []struct {
		name           string
		authHeader     string
		wantStatusCode int
	}{
		{
			name:           "no auth header",
			authHeader:     "",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "invalid auth format",
			authHeader:     "InvalidFormat token",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "invalid token",
			authHeader:     "Bearer invalidtoken",
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "unknown user",
			authHeader:     "Bearer " + ghost,
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name:           "valid token",
			authHeader:     "Bearer " + token,
			wantStatusCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *store.User
			handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetUserFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatusCode {
				t.Errorf("Middleware() status = %v, want %v", rr.Code, tt.wantStatusCode)
			}
			if rr.Code == http.StatusOK && (seen == nil || seen.ID != user.ID) {
				t.Errorf("caller = %+v, want user %d", seen, user.ID)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	s, user := setupStore(t)
	a := New(testSecret, s, true, nil)

	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()).ID != user.ID {
			t.Error("wrong caller in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	for header, want := range map[string]int{
		"":                  http.StatusUnauthorized,
		"ghost@example.com": http.StatusUnauthorized,
		user.Email:          http.StatusOK,
	} {
		req := httptest.NewRequest("GET", "/protected", nil)
		if header != "" {
			req.Header.Set(UserHeader, header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Errorf("%s=%q status = %v, want %v", UserHeader, header, rr.Code, want)
		}
	}
}
