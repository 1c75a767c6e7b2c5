package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/service"
	"github.com/gin-gonic/gin"
)

// smokeRouter builds the public router with just enough wiring for the
// routes under test: identity, health, CORS, and the auth gate. Round and
// wallet handlers are constructed but their storage-backed routes are not
// exercised here.
func smokeRouter(t *testing.T) (*gin.Engine, *service.AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Server.Env = "development"
	cfg.JWT = config.JWTConfig{
		AccessSecret: "smoke-secret",
		AccessTTL:    15 * time.Minute,
		GuestTTL:     24 * time.Hour,
	}
	cfg.RateLimit.HTTPPerIPRPS = 1000
	cfg.RateLimit.HTTPPerIPCap = 1000

	authSvc := service.NewAuthService(nil, cfg)
	r := SetupRouter(RouterDeps{
		AuthSvc: authSvc,
		Cfg:     cfg,
	})
	return r, authSvc
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := smokeRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestGuestIdentityEndpoint(t *testing.T) {
	r, authSvc := smokeRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/guest", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			UserID      string `json:"user_id"`
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Data.AccessToken == "" {
		t.Fatalf("resp = %+v", resp)
	}

	claims, err := authSvc.ParseAccessToken(resp.Data.AccessToken)
	if err != nil {
		t.Fatalf("minted token does not parse: %v", err)
	}
	if claims.Subject != resp.Data.UserID {
		t.Fatalf("subject = %q, want %q", claims.Subject, resp.Data.UserID)
	}
}

func TestAuthGate(t *testing.T) {
	r, authSvc := smokeRouter(t)

	// No token.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}

	// Garbage token.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", w.Code)
	}

	// Guest token passes the JWT gate on /users/me...
	sess, err := authSvc.IssueGuestToken()
	if err != nil {
		t.Fatal(err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("guest /users/me: status = %d, want 200", w.Code)
	}

	// ...but wallet rows are for registered accounts only.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("guest wallet: status = %d, want 403", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := smokeRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auth/guest", nil)
	req.Header.Set("Origin", "https://play.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q, want * in development", got)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("allow-methods header missing")
	}
}

func TestUnknownRoute(t *testing.T) {
	r, _ := smokeRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
