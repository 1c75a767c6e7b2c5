package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/gridstrike/internal/domain"
	"github.com/jmoiron/sqlx"
)

// UserRepository handles all database operations for Users. User ids are
// opaque strings; anonymous "anon-" ids never reach this table, callers gate
// on domain.IsAnonymousUser first.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user row (back-office staff provisioning).
func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users
			(id, email, username, password_hash, role, balance, play_balance,
			 is_active, is_silenced, created_at, updated_at)
		VALUES
			(:id, :email, :username, :password_hash, :role, :balance, :play_balance,
			 :is_active, :is_silenced, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, u); err != nil {
		if IsUniqueViolation(err, "users_email_key") {
			return domain.ErrEmailTaken
		}
		if IsUniqueViolation(err, "users_username_key") {
			return domain.ErrUsernameTaken
		}
		return fmt.Errorf("user_repo.Create: %w", err)
	}
	return nil
}

// Ensure provisions a player row on first sight of a platform-issued id.
// Existing rows are left untouched.
func (r *UserRepository) Ensure(ctx context.Context, id, username string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, role, created_at, updated_at)
		VALUES ($1, $2, 'user', now(), now())
		ON CONFLICT (id) DO NOTHING`,
		id, username)
	if err != nil {
		return fmt.Errorf("user_repo.Ensure: %w", err)
	}
	return nil
}

// GetByID fetches a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByID: %w", err)
	}
	return &u, nil
}

// GetByEmail fetches a user by email address (used for admin login).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByEmail: %w", err)
	}
	return &u, nil
}

// List returns a paginated list of all users.
// Returns (users, totalCount, error).
func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*domain.User, int, error) {
	var users []*domain.User
	var total int

	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM users`); err != nil {
		return nil, 0, fmt.Errorf("user_repo.List count: %w", err)
	}
	if err := r.db.SelectContext(ctx, &users,
		`SELECT * FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("user_repo.List select: %w", err)
	}
	return users, total, nil
}

// UpdateRole changes a user's role (back-office operation).
func (r *UserRepository) UpdateRole(ctx context.Context, userID string, role domain.UserRole) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $1, updated_at = now() WHERE id = $2`,
		string(role), userID)
	if err != nil {
		return fmt.Errorf("user_repo.UpdateRole: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// SetActive activates or deactivates a user account. Deactivated users are
// rejected at bet intake.
func (r *UserRepository) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_active = $1, updated_at = now() WHERE id = $2`,
		active, userID)
	if err != nil {
		return fmt.Errorf("user_repo.SetActive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// SetSilenced mutes or unmutes a user account. Silenced users keep their
// balance but cannot place bets.
func (r *UserRepository) SetSilenced(ctx context.Context, userID string, silenced bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_silenced = $1, updated_at = now() WHERE id = $2`,
		silenced, userID)
	if err != nil {
		return fmt.Errorf("user_repo.SetSilenced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ApplyStatsDelta folds a settlement batch's aggregate into a user's
// cumulative counters, inside the batch transaction.
func (r *UserRepository) ApplyStatsDelta(ctx context.Context, tx *sqlx.Tx, userID string, d domain.StatsDelta) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users
		SET total_bets   = total_bets + $1,
		    total_wins   = total_wins + $2,
		    total_losses = total_losses + $3,
		    total_profit = total_profit + $4,
		    updated_at   = now()
		WHERE id = $5`,
		d.Bets, d.Wins, d.Losses, d.Profit, userID)
	if err != nil {
		return fmt.Errorf("user_repo.ApplyStatsDelta: %w", err)
	}
	return nil
}
