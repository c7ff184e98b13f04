package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T, cfg AuthConfig) *Auth {
	t.Helper()
	cfg.JWTSecret = testSecret
	a, err := NewAuth(cfg, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	return a
}

func TestNewAuthRejectsShortSecret(t *testing.T) {
	_, err := NewAuth(AuthConfig{JWTSecret: "short"}, nil, zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("short secret accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := newTestAuth(t, AuthConfig{})

	token, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	userID, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "alice" {
		t.Errorf("subject = %s, want alice", userID)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	a := newTestAuth(t, AuthConfig{})

	token, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := a.ValidateToken(tampered); err == nil {
		t.Error("tampered token accepted")
	}
	if _, err := a.ValidateToken("not-a-token"); err == nil {
		t.Error("garbage token accepted")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	a := newTestAuth(t, AuthConfig{TokenDuration: -time.Minute})

	token, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := a.ValidateToken(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	a := newTestAuth(t, AuthConfig{})
	other, err := NewAuth(AuthConfig{JWTSecret: strings.Repeat("x", 32)}, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	token, err := other.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := a.ValidateToken(token); err == nil {
		t.Error("token signed with a different secret accepted")
	}
}

func TestMiddlewareHeaderAndQueryToken(t *testing.T) {
	a := newTestAuth(t, AuthConfig{})
	token, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var gotUser string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
	}))

	// Bearer header.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || gotUser != "alice" {
		t.Errorf("header auth: code %d, user %q", rec.Code, gotUser)
	}

	// Query parameter, the websocket path.
	gotUser = ""
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/ws/x?token="+token, nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || gotUser != "alice" {
		t.Errorf("query auth: code %d, user %q", rec.Code, gotUser)
	}

	// Missing token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/x", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: code %d, want 401", rec.Code)
	}

	// Invalid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/x", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("invalid token: code %d, want 401", rec.Code)
	}
}
