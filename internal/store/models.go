// Package store implements the PostgreSQL repositories. Tables and
// indexes are defined under migrations/; repositories never expose ORM
// navigation, rows carry ids and callers join explicitly.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxStatus is the lifecycle state of a Transaction. Terminal states
// never transition further.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusProcessing TxStatus = "processing"
	StatusConfirmed  TxStatus = "confirmed"
	StatusFailed     TxStatus = "failed"
	StatusCancelled  TxStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TxType distinguishes internal transfers from withdrawals and deposits.
type TxType string

const (
	TypeTransfer   TxType = "transfer"
	TypeWithdrawal TxType = "withdrawal"
	TypeDeposit    TxType = "deposit"
)

// User is a phone-identified account holder.
type User struct {
	ID                     uuid.UUID       `db:"id"`
	PhoneNumber            string          `db:"phone_number"`
	DisplayName            string          `db:"display_name"`
	DailyTransferLimit     decimal.Decimal `db:"daily_transfer_limit"`
	DailyTransferredAmount decimal.Decimal `db:"daily_transferred_amount"`
	DailyLimitResetAt      time.Time       `db:"daily_limit_reset_at"`
	MonthlyTransferLimit   decimal.Decimal `db:"monthly_transfer_limit"`
	MonthlyTransferred     decimal.Decimal `db:"monthly_transferred_amount"`
	MonthlyLimitResetAt    time.Time       `db:"monthly_limit_reset_at"`
	IsActive               bool            `db:"is_active"`
	IsFrozen               bool            `db:"is_frozen"`
	LastLoginAt            *time.Time      `db:"last_login_at"`
	CreatedAt              time.Time       `db:"created_at"`
	UpdatedAt              time.Time       `db:"updated_at"`
}

// Wallet is the 1:1 custody record of a user.
type Wallet struct {
	ID                   uuid.UUID  `db:"id"`
	UserID               uuid.UUID  `db:"user_id"`
	PublicKey            string     `db:"public_key"`
	EncryptedPrivateKey  string     `db:"encrypted_private_key"`
	KeyVersion           string     `db:"key_version"`
	KeyAlgorithm         string     `db:"key_algorithm"`
	CachedUsdcBalance    *decimal.Decimal `db:"cached_usdc_balance"`
	CachedUsdtBalance    *decimal.Decimal `db:"cached_usdt_balance"`
	BalanceLastUpdatedAt *time.Time `db:"balance_last_updated_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

// Transaction is owned by the payment engine; only the engine and the
// monitor mutate it, and only via monotone state transitions.
type Transaction struct {
	ID              uuid.UUID       `db:"id"`
	IdempotencyKey  string          `db:"idempotency_key"`
	SenderID        uuid.UUID       `db:"sender_id"`
	ReceiverID      *uuid.UUID      `db:"receiver_id"`
	ExternalAddress *string         `db:"external_address"`
	Amount          decimal.Decimal `db:"amount"`
	Token           string          `db:"token"`
	Type            TxType          `db:"type"`
	Status          TxStatus        `db:"status"`
	SolanaSignature *string         `db:"solana_signature"`
	SolanaSlot      *int64          `db:"solana_slot"`
	SolanaBlockTime *time.Time      `db:"solana_block_time"`
	ErrorCode       *string         `db:"error_code"`
	ErrorMessage    *string         `db:"error_message"`
	RetryCount      int             `db:"retry_count"`
	MaxRetries      int             `db:"max_retries"`
	NextRetryAt     *time.Time      `db:"next_retry_at"`
	ConfirmedAt     *time.Time      `db:"confirmed_at"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// AuditLog rows are append-only.
type AuditLog struct {
	ID         uuid.UUID  `db:"id"`
	UserID     *uuid.UUID `db:"user_id"`
	Action     string     `db:"action"`
	EntityType string     `db:"entity_type"`
	EntityID   *string    `db:"entity_id"`
	OldValues  []byte     `db:"old_values"`
	NewValues  []byte     `db:"new_values"`
	IPAddress  *string    `db:"ip_address"`
	RequestID  *string    `db:"request_id"`
	CreatedAt  time.Time  `db:"created_at"`
}

// WhitelistEntry is an approved external withdrawal destination.
type WhitelistEntry struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Address   string    `db:"address"`
	Label     string    `db:"label"`
	CreatedAt time.Time `db:"created_at"`
}

// FeeScheduleEntry parameterizes the pluggable fee hook.
type FeeScheduleEntry struct {
	ID         uuid.UUID       `db:"id"`
	TxType     TxType          `db:"tx_type"`
	Token      string          `db:"token"`
	FlatFee    decimal.Decimal `db:"flat_fee"`
	PercentFee decimal.Decimal `db:"percent_fee"`
	IsActive   bool            `db:"is_active"`
	CreatedAt  time.Time       `db:"created_at"`
}

// SystemSetting is an operational key/value toggle.
type SystemSetting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// DailySummary is the per-user per-token rollup row.
type DailySummary struct {
	UserID      uuid.UUID       `db:"user_id"`
	Day         time.Time       `db:"day"`
	Token       string          `db:"token"`
	TotalAmount decimal.Decimal `db:"total_amount"`
	TxCount     int             `db:"tx_count"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// KeyVersionCount is one bucket of the key version histogram.
type KeyVersionCount struct {
	KeyVersion string `db:"key_version"`
	Count      int    `db:"count"`
}
