package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/gridstrike/internal/config"
	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/evetabi/gridstrike/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ──────────────────────────────────────────────────────────────────────────────
// JWT claims
// ──────────────────────────────────────────────────────────────────────────────

// AppClaims extends jwt.RegisteredClaims with application-specific fields.
// Subject carries the user id: a uuid string for registered users, an
// "anon-" id for guest play sessions.
type AppClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	TokenType string `json:"type"` // always "access"
}

// GuestSession is returned when an anonymous identity is minted.
type GuestSession struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AdminSession is returned on a successful back-office login.
type AdminSession struct {
	User        *domain.User `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// AuthService
// ──────────────────────────────────────────────────────────────────────────────

// AuthService mints guest play-mode identities and authenticates staff for
// the back office. There is no player registration or token refresh:
// real-money accounts are provisioned out of band and guest ids never touch
// persistent rows.
type AuthService struct {
	userRepo *repository.UserRepository
	cfg      *config.Config
}

// NewAuthService creates an AuthService.
func NewAuthService(userRepo *repository.UserRepository, cfg *config.Config) *AuthService {
	return &AuthService{userRepo: userRepo, cfg: cfg}
}

// IssueGuestToken mints a signed anonymous identity for play-mode betting.
// The id exists only inside the token and the engine's in-memory state.
func (s *AuthService) IssueGuestToken() (*GuestSession, error) {
	userID := domain.AnonIDPrefix + uuid.NewString()
	expiresAt := time.Now().UTC().Add(s.cfg.JWT.GuestTTL)

	token, err := s.signToken(userID, domain.RoleGuest, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("auth_service.IssueGuestToken: %w", err)
	}
	return &GuestSession{UserID: userID, AccessToken: token, ExpiresAt: expiresAt}, nil
}

// AdminLogin verifies staff credentials and issues a short-lived access
// token. Unknown accounts and bad passwords both collapse to
// ErrInvalidCredentials to prevent user enumeration.
func (s *AuthService) AdminLogin(ctx context.Context, email, password string) (*AdminSession, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	if user.PasswordHash == nil {
		return nil, domain.ErrInvalidCredentials
	}
	if err = bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	if !user.Role.CanAccessBackoffice() {
		return nil, domain.ErrForbidden
	}
	if !user.IsActive {
		return nil, domain.ErrUserBanned
	}

	expiresAt := time.Now().UTC().Add(s.cfg.JWT.AccessTTL)
	token, err := s.signToken(user.ID, user.Role, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("auth_service.AdminLogin: %w", err)
	}
	return &AdminSession{User: user, AccessToken: token, ExpiresAt: expiresAt}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Token helpers
// ──────────────────────────────────────────────────────────────────────────────

func (s *AuthService) signToken(subject string, role domain.UserRole, expiresAt time.Time) (string, error) {
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role:      string(role),
		TokenType: "access",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWT.AccessSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates the token signature, algorithm and expiry, and
// returns its claims. Used by the HTTP middleware and the WebSocket gateway.
func (s *AuthService) ParseAccessToken(tokenString string) (*AppClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWT.AccessSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, domain.ErrTokenInvalid
	}
	claims, ok := tok.Claims.(*AppClaims)
	if !ok || !tok.Valid || claims.TokenType != "access" {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}
