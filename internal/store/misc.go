package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pingpay/pingpay/internal/errs"
)

// WhitelistRepo manages approved external withdrawal destinations.
type WhitelistRepo struct {
	db sqlx.ExtContext
}

func NewWhitelistRepo(db sqlx.ExtContext) *WhitelistRepo {
	return &WhitelistRepo{db: db}
}

// Add registers an address for a user. Re-adding is a validation error.
func (r *WhitelistRepo) Add(ctx context.Context, e *WhitelistEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO withdrawal_whitelist (id, user_id, address, label, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		e.ID, e.UserID, e.Address, e.Label)
	if err != nil && isUniqueViolation(err) {
		return errs.Wrap(err, errs.CodeValidation, "address already whitelisted")
	}
	return err
}

// Remove deletes a whitelist entry.
func (r *WhitelistRepo) Remove(ctx context.Context, userID uuid.UUID, address string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM withdrawal_whitelist WHERE user_id = $1 AND address = $2`,
		userID, address)
	return err
}

// Contains reports whether the user has whitelisted the address.
func (r *WhitelistRepo) Contains(ctx context.Context, userID uuid.UUID, address string) (bool, error) {
	var ok bool
	err := sqlx.GetContext(ctx, r.db, &ok,
		`SELECT EXISTS(SELECT 1 FROM withdrawal_whitelist WHERE user_id = $1 AND address = $2)`,
		userID, address)
	return ok, err
}

// List returns the user's whitelist.
func (r *WhitelistRepo) List(ctx context.Context, userID uuid.UUID) ([]WhitelistEntry, error) {
	var out []WhitelistEntry
	err := sqlx.SelectContext(ctx, r.db, &out, `
		SELECT id, user_id, address, label, created_at
		FROM withdrawal_whitelist WHERE user_id = $1 ORDER BY created_at`, userID)
	return out, err
}

// FeeScheduleRepo reads the active fee parameters.
type FeeScheduleRepo struct {
	db sqlx.ExtContext
}

func NewFeeScheduleRepo(db sqlx.ExtContext) *FeeScheduleRepo {
	return &FeeScheduleRepo{db: db}
}

// Active returns the active fee entry for a type and token, or nil when
// no fee applies.
func (r *FeeScheduleRepo) Active(ctx context.Context, txType TxType, token string) (*FeeScheduleEntry, error) {
	var e FeeScheduleEntry
	err := sqlx.GetContext(ctx, r.db, &e, `
		SELECT id, tx_type, token, flat_fee, percent_fee, is_active, created_at
		FROM fee_schedule
		WHERE tx_type = $1 AND token = $2 AND is_active
		ORDER BY created_at DESC
		LIMIT 1`, txType, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SettingsRepo stores operational key/value toggles.
type SettingsRepo struct {
	db sqlx.ExtContext
}

func NewSettingsRepo(db sqlx.ExtContext) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// Get returns the value for key, or fallback when unset.
func (r *SettingsRepo) Get(ctx context.Context, key, fallback string) (string, error) {
	var v string
	err := sqlx.GetContext(ctx, r.db, &v,
		`SELECT value FROM system_settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	return v, err
}

// Set upserts a setting.
func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return err
}

// SummaryRepo persists the per-user per-token daily rollups.
type SummaryRepo struct {
	db sqlx.ExtContext
}

func NewSummaryRepo(db sqlx.ExtContext) *SummaryRepo {
	return &SummaryRepo{db: db}
}

// Upsert writes one rollup row, replacing any prior aggregate for the
// same user, day and token. The rollup job re-runs safely.
func (r *SummaryRepo) Upsert(ctx context.Context, s *DailySummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_transfer_summaries (user_id, day, token, total_amount, tx_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, day, token)
		DO UPDATE SET total_amount = EXCLUDED.total_amount,
			tx_count = EXCLUDED.tx_count, updated_at = now()`,
		s.UserID, s.Day, s.Token, s.TotalAmount, s.TxCount)
	return err
}

// ListForUser returns a user's rollups, newest day first.
func (r *SummaryRepo) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]DailySummary, error) {
	var out []DailySummary
	err := sqlx.SelectContext(ctx, r.db, &out, `
		SELECT user_id, day, token, total_amount, tx_count, updated_at
		FROM daily_transfer_summaries
		WHERE user_id = $1
		ORDER BY day DESC, token
		LIMIT $2`, userID, limit)
	return out, err
}
