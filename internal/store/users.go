package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/pingpay/pingpay/internal/errs"
)

// UserRepo persists users.
type UserRepo struct {
	db sqlx.ExtContext
}

// NewUserRepo builds the repository. db may be a *sqlx.DB or *sqlx.Tx.
func NewUserRepo(db sqlx.ExtContext) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, phone_number, display_name,
	daily_transfer_limit, daily_transferred_amount, daily_limit_reset_at,
	monthly_transfer_limit, monthly_transferred_amount, monthly_limit_reset_at,
	is_active, is_frozen, last_login_at, created_at, updated_at`

// Create inserts a new user. Phone uniqueness is enforced by the
// database; violations surface as validation errors.
func (r *UserRepo) Create(ctx context.Context, u *User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, phone_number, display_name,
			daily_transfer_limit, daily_transferred_amount, daily_limit_reset_at,
			monthly_transfer_limit, monthly_transferred_amount, monthly_limit_reset_at,
			is_active, is_frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		u.ID, u.PhoneNumber, u.DisplayName,
		u.DailyTransferLimit, u.DailyTransferredAmount, u.DailyLimitResetAt,
		u.MonthlyTransferLimit, u.MonthlyTransferred, u.MonthlyLimitResetAt,
		u.IsActive, u.IsFrozen)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(err, errs.CodeValidation, "phone number already registered")
		}
		return err
	}
	return nil
}

// GetByID loads a user.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, r.db, &u,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "user not found")
	}
	return &u, err
}

// GetByPhone loads a user by normalized E.164 phone number.
func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, r.db, &u,
		`SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "user not found")
	}
	return &u, err
}

// TouchLogin records an authentication.
func (r *UserRepo) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1`, id, at)
	return err
}

// RollLimitWindows advances expired limit windows. Reset timestamps only
// move forward.
func (r *UserRepo) RollLimitWindows(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			daily_transferred_amount = CASE WHEN daily_limit_reset_at <= $2 - interval '24 hours' THEN 0 ELSE daily_transferred_amount END,
			daily_limit_reset_at     = CASE WHEN daily_limit_reset_at <= $2 - interval '24 hours' THEN $2 ELSE daily_limit_reset_at END,
			monthly_transferred_amount = CASE WHEN monthly_limit_reset_at <= $2 - interval '30 days' THEN 0 ELSE monthly_transferred_amount END,
			monthly_limit_reset_at     = CASE WHEN monthly_limit_reset_at <= $2 - interval '30 days' THEN $2 ELSE monthly_limit_reset_at END,
			updated_at = now()
		WHERE id = $1`, id, now)
	return err
}

// AddTransferred accumulates a successfully submitted amount into both
// limit windows.
func (r *UserRepo) AddTransferred(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			daily_transferred_amount = daily_transferred_amount + $2,
			monthly_transferred_amount = monthly_transferred_amount + $2,
			updated_at = now()
		WHERE id = $1`, id, amount)
	return err
}

// ActiveUserIDs returns users who authenticated within the window.
func (r *UserRepo) ActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := sqlx.SelectContext(ctx, r.db, &ids, `
		SELECT id FROM users
		WHERE is_active AND last_login_at >= $1
		ORDER BY last_login_at DESC
		LIMIT $2`, since, limit)
	return ids, err
}
