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

// WalletRepo persists custody records.
type WalletRepo struct {
	db sqlx.ExtContext
}

// NewWalletRepo builds the repository.
func NewWalletRepo(db sqlx.ExtContext) *WalletRepo {
	return &WalletRepo{db: db}
}

const walletColumns = `id, user_id, public_key, encrypted_private_key,
	key_version, key_algorithm, cached_usdc_balance, cached_usdt_balance,
	balance_last_updated_at, created_at, updated_at`

// Create inserts a wallet. One wallet per user, public key unique.
func (r *WalletRepo) Create(ctx context.Context, w *Wallet) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, public_key, encrypted_private_key,
			key_version, key_algorithm, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		w.ID, w.UserID, w.PublicKey, w.EncryptedPrivateKey, w.KeyVersion, w.KeyAlgorithm)
	if err != nil && isUniqueViolation(err) {
		return errs.Wrap(err, errs.CodeValidation, "wallet already exists")
	}
	return err
}

// GetByUserID loads the user's wallet.
func (r *WalletRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := sqlx.GetContext(ctx, r.db, &w,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "wallet not found")
	}
	return &w, err
}

// GetByPublicKey loads a wallet by address.
func (r *WalletRepo) GetByPublicKey(ctx context.Context, pub string) (*Wallet, error) {
	var w Wallet
	err := sqlx.GetContext(ctx, r.db, &w,
		`SELECT `+walletColumns+` FROM wallets WHERE public_key = $1`, pub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "wallet not found")
	}
	return &w, err
}

// UpdateEncryption swaps in a freshly rotated blob. The update is
// conditioned on the old key version so concurrent rotations cannot
// clobber each other.
func (r *WalletRepo) UpdateEncryption(ctx context.Context, id uuid.UUID, oldVersion, blob, newVersion string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wallets SET encrypted_private_key = $3, key_version = $4, updated_at = now()
		WHERE id = $1 AND key_version = $2`, id, oldVersion, blob, newVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateCachedBalances stores advisory balances alongside the wallet.
func (r *WalletRepo) UpdateCachedBalances(ctx context.Context, id uuid.UUID, usdc, usdt decimal.Decimal, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wallets SET cached_usdc_balance = $2, cached_usdt_balance = $3,
			balance_last_updated_at = $4, updated_at = now()
		WHERE id = $1`, id, usdc, usdt, at)
	return err
}

// ListByKeyVersion pages wallets still wrapped with version, for the
// rotation batch job.
func (r *WalletRepo) ListByKeyVersion(ctx context.Context, version string, limit int) ([]Wallet, error) {
	var ws []Wallet
	err := sqlx.SelectContext(ctx, r.db, &ws,
		`SELECT `+walletColumns+` FROM wallets WHERE key_version = $1 ORDER BY created_at LIMIT $2`,
		version, limit)
	return ws, err
}

// ListAll pages every wallet, for the encryption validation sweep.
func (r *WalletRepo) ListAll(ctx context.Context, offset, limit int) ([]Wallet, error) {
	var ws []Wallet
	err := sqlx.SelectContext(ctx, r.db, &ws,
		`SELECT `+walletColumns+` FROM wallets ORDER BY created_at OFFSET $1 LIMIT $2`,
		offset, limit)
	return ws, err
}

// ListForUsers loads the wallets of the given users.
func (r *WalletRepo) ListForUsers(ctx context.Context, userIDs []uuid.UUID) ([]Wallet, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+walletColumns+` FROM wallets WHERE user_id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	var ws []Wallet
	err = sqlx.SelectContext(ctx, r.db, &ws, r.db.Rebind(query), args...)
	return ws, err
}

// KeyVersionHistogram counts wallets per master key version.
func (r *WalletRepo) KeyVersionHistogram(ctx context.Context) ([]KeyVersionCount, error) {
	var out []KeyVersionCount
	err := sqlx.SelectContext(ctx, r.db, &out,
		`SELECT key_version, count(*) AS count FROM wallets GROUP BY key_version ORDER BY count DESC`)
	return out, err
}
