package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// UserRole
// ──────────────────────────────────────────────────────────────────────────────

// UserRole controls access levels in the back-office.
type UserRole string

const (
	RoleUser     UserRole = "user"     // standard player
	RoleGuest    UserRole = "guest"    // anonymous play-mode session
	RoleAdmin    UserRole = "admin"    // full back-office access
	RoleRisk     UserRole = "risk"     // risk management view
	RoleFinance  UserRole = "finance"  // financial reports, recharges
	RoleOps      UserRole = "ops"      // operations: round intervention
	RoleReadOnly UserRole = "readonly" // read-only back-office access
)

// CanAccessBackoffice returns true for all staff roles.
func (r UserRole) CanAccessBackoffice() bool {
	return r != RoleUser && r != RoleGuest
}

// IsAdmin returns true only for the full admin role.
func (r UserRole) IsAdmin() bool {
	return r == RoleAdmin
}

// ──────────────────────────────────────────────────────────────────────────────
// Anonymous identities
// ──────────────────────────────────────────────────────────────────────────────

// AnonIDPrefix marks guest user ids. Guests may only play in play mode and
// never touch persistent rows.
const AnonIDPrefix = "anon-"

// IsAnonymousUser reports whether userID identifies a guest session.
func IsAnonymousUser(userID string) bool {
	return strings.HasPrefix(userID, AnonIDPrefix)
}

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User is the persistent account record. IDs are opaque strings (uuid text for
// registered players) so anonymous ids can flow through the same code paths
// without ever reaching this table. Balance fields are integer cents.
type User struct {
	ID           string    `json:"id"            db:"id"`
	Email        *string   `json:"email"         db:"email"`
	Username     string    `json:"username"      db:"username"`
	PasswordHash *string   `json:"-"             db:"password_hash"` // staff logins only
	Role         UserRole  `json:"role"          db:"role"`
	Balance      Cents     `json:"balance"       db:"balance"`
	PlayBalance  Cents     `json:"play_balance"  db:"play_balance"`
	IsActive     bool      `json:"is_active"     db:"is_active"`
	IsSilenced   bool      `json:"is_silenced"   db:"is_silenced"`
	TotalBets    int64     `json:"total_bets"    db:"total_bets"`
	TotalWins    int64     `json:"total_wins"    db:"total_wins"`
	TotalLosses  int64     `json:"total_losses"  db:"total_losses"`
	TotalProfit  Cents     `json:"total_profit"  db:"total_profit"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"    db:"updated_at"`
}

// CanBet returns the first gate error for a user attempting to place a bet,
// or nil when the account is in good standing.
func (u *User) CanBet() error {
	if !u.IsActive {
		return ErrUserBanned
	}
	if u.IsSilenced {
		return ErrUserSilenced
	}
	return nil
}

// PublicProfile is a user view safe to expose via API (no password hash, money
// as decimals).
type PublicProfile struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Role        UserRole        `json:"role"`
	Balance     decimal.Decimal `json:"balance"`
	PlayBalance decimal.Decimal `json:"play_balance"`
	IsActive    bool            `json:"is_active"`
	IsSilenced  bool            `json:"is_silenced"`
	TotalBets   int64           `json:"total_bets"`
	TotalWins   int64           `json:"total_wins"`
	TotalLosses int64           `json:"total_losses"`
	TotalProfit decimal.Decimal `json:"total_profit"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ToPublicProfile converts a User to its public-safe representation.
func (u *User) ToPublicProfile() PublicProfile {
	return PublicProfile{
		ID:          u.ID,
		Username:    u.Username,
		Role:        u.Role,
		Balance:     u.Balance.Decimal(),
		PlayBalance: u.PlayBalance.Decimal(),
		IsActive:    u.IsActive,
		IsSilenced:  u.IsSilenced,
		TotalBets:   u.TotalBets,
		TotalWins:   u.TotalWins,
		TotalLosses: u.TotalLosses,
		TotalProfit: u.TotalProfit.Decimal(),
		CreatedAt:   u.CreatedAt,
	}
}

// StatsDelta is the per-user aggregate a settlement batch applies: counts of
// wins/losses plus the profit movement (+payout on WIN, −amount on LOST).
type StatsDelta struct {
	Bets   int64
	Wins   int64
	Losses int64
	Profit Cents
}
