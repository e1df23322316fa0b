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

// ErrDuplicateIdempotencyKey signals a concurrent insert with the same
// idempotency key; callers re-read the existing row.
var ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

// TransactionRepo persists payment transactions. All state changes are
// conditional updates so terminal rows never move again.
type TransactionRepo struct {
	db sqlx.ExtContext
}

// NewTransactionRepo builds the repository.
func NewTransactionRepo(db sqlx.ExtContext) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const txColumns = `id, idempotency_key, sender_id, receiver_id, external_address,
	amount, token, type, status, solana_signature, solana_slot, solana_block_time,
	error_code, error_message, retry_count, max_retries, next_retry_at,
	confirmed_at, created_at, updated_at`

// Create inserts a new transaction. The unique index on
// idempotency_key serializes concurrent submissions.
func (r *TransactionRepo) Create(ctx context.Context, tx *Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, idempotency_key, sender_id, receiver_id,
			external_address, amount, token, type, status, retry_count,
			max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		tx.ID, tx.IdempotencyKey, tx.SenderID, tx.ReceiverID, tx.ExternalAddress,
		tx.Amount, tx.Token, tx.Type, tx.Status, tx.RetryCount, tx.MaxRetries)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

// GetByID loads a transaction.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var tx Transaction
	err := sqlx.GetContext(ctx, r.db, &tx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeNotFound, "transaction not found")
	}
	return &tx, err
}

// GetByIdempotencyKey loads a transaction by its client key, or nil when
// none exists.
func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	var tx Transaction
	err := sqlx.GetContext(ctx, r.db, &tx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListBySender pages a user's history, newest first.
func (r *TransactionRepo) ListBySender(ctx context.Context, senderID uuid.UUID, limit, offset int) ([]Transaction, error) {
	var txs []Transaction
	err := sqlx.SelectContext(ctx, r.db, &txs, `
		SELECT `+txColumns+` FROM transactions
		WHERE sender_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, senderID, limit, offset)
	return txs, err
}

// SumSince totals the sender's non-failed non-cancelled amounts created
// at or after since. Used for daily and monthly limit checks.
func (r *TransactionRepo) SumSince(ctx context.Context, senderID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, r.db, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE sender_id = $1 AND created_at >= $2
		  AND status NOT IN ('failed', 'cancelled')`, senderID, since)
	return sum, err
}

// ListOpen pages non-terminal transactions, oldest first, for the
// monitor's process_pending batch.
func (r *TransactionRepo) ListOpen(ctx context.Context, limit int) ([]Transaction, error) {
	var txs []Transaction
	err := sqlx.SelectContext(ctx, r.db, &txs, `
		SELECT `+txColumns+` FROM transactions
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	return txs, err
}

// ListStale pages non-terminal transactions older than cutoff.
func (r *TransactionRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	var txs []Transaction
	err := sqlx.SelectContext(ctx, r.db, &txs, `
		SELECT `+txColumns+` FROM transactions
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	return txs, err
}

// SetSignature records the submitted signature on a non-terminal row.
func (r *TransactionRepo) SetSignature(ctx context.Context, id uuid.UUID, signature string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET solana_signature = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id, signature)
	return err
}

// MarkConfirmed finalizes a transaction as confirmed. Returns false when
// the row was already terminal.
func (r *TransactionRepo) MarkConfirmed(ctx context.Context, id uuid.UUID, slot *int64, blockTime *time.Time, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'confirmed', solana_slot = $2,
			solana_block_time = $3, confirmed_at = $4, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, slot, blockTime, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed finalizes a transaction as failed and bumps the retry
// counter. Returns false when the row was already terminal.
func (r *TransactionRepo) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'failed', error_code = $2,
			error_message = $3, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, code, message)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkCancelled is operator-initiated and only valid pre-terminal.
func (r *TransactionRepo) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'cancelled', error_message = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SumsForDay aggregates confirmed transfer volume per user and token
// for the rollup job.
func (r *TransactionRepo) SumsForDay(ctx context.Context, day time.Time) ([]DailySummary, error) {
	var out []DailySummary
	err := sqlx.SelectContext(ctx, r.db, &out, `
		SELECT sender_id AS user_id, date_trunc('day', created_at) AS day, token,
			SUM(amount) AS total_amount, COUNT(*) AS tx_count, now() AS updated_at
		FROM transactions
		WHERE status = 'confirmed'
		  AND created_at >= date_trunc('day', $1::timestamptz)
		  AND created_at < date_trunc('day', $1::timestamptz) + interval '1 day'
		GROUP BY sender_id, date_trunc('day', created_at), token`, day)
	return out, err
}
