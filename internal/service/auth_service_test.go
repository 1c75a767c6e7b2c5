package service_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/service"
)

func authFixture(t *testing.T) *service.AuthService {
	t.Helper()
	cfg := &config.Config{}
	cfg.JWT = config.JWTConfig{
		AccessSecret: "test-secret-do-not-use",
		AccessTTL:    15 * time.Minute,
		GuestTTL:     24 * time.Hour,
	}
	return service.NewAuthService(nil, cfg)
}

func TestAuthService_GuestTokenRoundTrip(t *testing.T) {
	svc := authFixture(t)

	sess, err := svc.IssueGuestToken()
	if err != nil {
		t.Fatalf("IssueGuestToken: %v", err)
	}
	if !strings.HasPrefix(sess.UserID, domain.AnonIDPrefix) {
		t.Fatalf("guest id = %q, want %q prefix", sess.UserID, domain.AnonIDPrefix)
	}
	if !domain.IsAnonymousUser(sess.UserID) {
		t.Fatalf("guest id %q not recognised as anonymous", sess.UserID)
	}

	claims, err := svc.ParseAccessToken(sess.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if claims.Subject != sess.UserID {
		t.Fatalf("subject = %q, want %q", claims.Subject, sess.UserID)
	}
	if claims.Role != string(domain.RoleGuest) {
		t.Fatalf("role = %q, want guest", claims.Role)
	}
	if claims.TokenType != "access" {
		t.Fatalf("token type = %q, want access", claims.TokenType)
	}
}

func TestAuthService_ParseRejectsGarbage(t *testing.T) {
	svc := authFixture(t)

	for _, tok := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, err := svc.ParseAccessToken(tok); !errors.Is(err, domain.ErrTokenInvalid) {
			t.Fatalf("ParseAccessToken(%q) err = %v, want ErrTokenInvalid", tok, err)
		}
	}
}

func TestAuthService_ParseRejectsWrongSecret(t *testing.T) {
	svc := authFixture(t)
	sess, err := svc.IssueGuestToken()
	if err != nil {
		t.Fatal(err)
	}

	otherCfg := &config.Config{}
	otherCfg.JWT = config.JWTConfig{AccessSecret: "a-different-secret", GuestTTL: time.Hour}
	other := service.NewAuthService(nil, otherCfg)

	if _, err := other.ParseAccessToken(sess.AccessToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid for foreign signature", err)
	}
}

func TestAuthService_ParseRejectsExpired(t *testing.T) {
	cfg := &config.Config{}
	cfg.JWT = config.JWTConfig{
		AccessSecret: "test-secret-do-not-use",
		GuestTTL:     -time.Minute, // already expired at mint time
	}
	svc := service.NewAuthService(nil, cfg)

	sess, err := svc.IssueGuestToken()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseAccessToken(sess.AccessToken); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}
