package payments

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingpay/pingpay/internal/cache"
	"github.com/pingpay/pingpay/internal/chain"
	"github.com/pingpay/pingpay/internal/chain/chaintest"
	"github.com/pingpay/pingpay/internal/config"
	"github.com/pingpay/pingpay/internal/errs"
	"github.com/pingpay/pingpay/internal/kms"
	"github.com/pingpay/pingpay/internal/metrics"
	"github.com/pingpay/pingpay/internal/ratelimit"
	"github.com/pingpay/pingpay/internal/scheduler"
	"github.com/pingpay/pingpay/internal/store"
	"github.com/pingpay/pingpay/internal/walletcrypto"
)

var userCols = []string{
	"id", "phone_number", "display_name",
	"daily_transfer_limit", "daily_transferred_amount", "daily_limit_reset_at",
	"monthly_transfer_limit", "monthly_transferred_amount", "monthly_limit_reset_at",
	"is_active", "is_frozen", "last_login_at", "created_at", "updated_at",
}

var walletCols = []string{
	"id", "user_id", "public_key", "encrypted_private_key",
	"key_version", "key_algorithm", "cached_usdc_balance", "cached_usdt_balance",
	"balance_last_updated_at", "created_at", "updated_at",
}

type fixture struct {
	engine *Engine
	mock   sqlmock.Sqlmock
	chain  *chaintest.Fake
	crypto *walletcrypto.Service
	rdb    redis.UniversalClient

	sender         *store.User
	senderMaterial *walletcrypto.Material
	receiver       *store.User
	receiverPub    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })
	db := sqlx.NewDb(rawDB, "postgres")

	master := make([]byte, 32)
	_, err = rand.Read(master)
	require.NoError(t, err)
	provider, err := kms.NewLocal(base64.StdEncoding.EncodeToString(master))
	require.NoError(t, err)
	crypto := walletcrypto.New(provider, entry)

	fake := chaintest.New()

	now := time.Now().UTC()
	sender := &store.User{
		ID:                   uuid.New(),
		PhoneNumber:          "+14155550100",
		DailyTransferLimit:   decimal.RequireFromString("1000"),
		DailyLimitResetAt:    now,
		MonthlyTransferLimit: decimal.RequireFromString("10000"),
		MonthlyLimitResetAt:  now,
		IsActive:             true,
	}
	material, err := crypto.Generate(context.Background(), sender.ID)
	require.NoError(t, err)

	receiver := &store.User{
		ID:          uuid.New(),
		PhoneNumber: "+14155550101",
		IsActive:    true,
	}

	engine, err := New(Deps{
		Users:     store.NewUserRepo(db),
		Wallets:   store.NewWalletRepo(db),
		Txs:       store.NewTransactionRepo(db),
		Audit:     store.NewAuditRepo(db),
		Whitelist: store.NewWhitelistRepo(db),
		Settings:  store.NewSettingsRepo(db),
		Crypto:    crypto,
		Chain:     fake,
		Balances:  cache.New(rdb, fake, entry),
		Limiter:   ratelimit.New(rdb, map[string]ratelimit.Rule{}),
		Queue:     scheduler.NewQueue(rdb, entry, time.Minute),
		Metrics:   metrics.NewNop(),
		Log:       entry,
	}, config.PaymentsConfig{MinAmount: "0.01", MaxAmount: "10000", RequireWhitelist: true})
	require.NoError(t, err)

	return &fixture{
		engine:         engine,
		mock:           mock,
		chain:          fake,
		crypto:         crypto,
		rdb:            rdb,
		sender:         sender,
		senderMaterial: material,
		receiver:       receiver,
		receiverPub:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
	}
}

func (f *fixture) senderRow() *sqlmock.Rows {
	u := f.sender
	return sqlmock.NewRows(userCols).AddRow(
		u.ID, u.PhoneNumber, u.DisplayName,
		u.DailyTransferLimit, u.DailyTransferredAmount, u.DailyLimitResetAt,
		u.MonthlyTransferLimit, u.MonthlyTransferred, u.MonthlyLimitResetAt,
		u.IsActive, u.IsFrozen, nil, time.Now(), time.Now(),
	)
}

func (f *fixture) receiverRow() *sqlmock.Rows {
	u := f.receiver
	return sqlmock.NewRows(userCols).AddRow(
		u.ID, u.PhoneNumber, u.DisplayName,
		decimal.Zero, decimal.Zero, time.Now(),
		decimal.Zero, decimal.Zero, time.Now(),
		u.IsActive, u.IsFrozen, nil, time.Now(), time.Now(),
	)
}

func (f *fixture) senderWalletRow() *sqlmock.Rows {
	m := f.senderMaterial
	return sqlmock.NewRows(walletCols).AddRow(
		uuid.New(), f.sender.ID, m.PublicKey, m.EncryptedPrivateKey,
		m.KeyVersion, m.KeyAlgorithm, nil, nil, nil, time.Now(), time.Now(),
	)
}

func (f *fixture) receiverWalletRow() *sqlmock.Rows {
	return sqlmock.NewRows(walletCols).AddRow(
		uuid.New(), f.receiver.ID, f.receiverPub, "blob",
		"local-v1", "AES-256-GCM", nil, nil, nil, time.Now(), time.Now(),
	)
}

func (f *fixture) fund(amount string) {
	f.chain.SetTokenBalance(f.senderMaterial.PublicKey, chain.TokenUSDC, decimal.RequireFromString(amount))
	f.chain.SolBalances[f.senderMaterial.PublicKey] = decimal.RequireFromString("0.5")
}

func sendReq(f *fixture, amount, key string) SendRequest {
	return SendRequest{
		SenderID:       f.sender.ID,
		ReceiverPhone:  f.receiver.PhoneNumber,
		Amount:         decimal.RequireFromString(amount),
		Token:          "USDC",
		IdempotencyKey: key,
	}
}

func TestSendHappyPath(t *testing.T) {
	f := newFixture(t)
	f.fund("100")

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE phone_number`).WillReturnRows(f.receiverRow())
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.receiverWalletRow())
	f.mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE transactions SET solana_signature`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE transactions SET status = 'confirmed'`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = daily_transferred_amount`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	tx, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, tx.Status)
	require.NotNil(t, tx.SolanaSignature)
	assert.Equal(t, "FAKESIG", *tx.SolanaSignature)
	assert.Equal(t, 1, f.chain.TransferCalls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendEnqueuesBalanceRefreshTasks(t *testing.T) {
	f := newFixture(t)
	f.fund("100")

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE phone_number`).WillReturnRows(f.receiverRow())
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.receiverWalletRow())
	f.mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE transactions SET solana_signature`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE transactions SET status = 'confirmed'`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = daily_transferred_amount`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ctx := context.Background()
	_, err := f.engine.Send(ctx, sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	require.NoError(t, err)

	// One balance refresh per party lands on the ready list.
	raws, err := f.rdb.LRange(ctx, "tasks:ready", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raws, 2)
	for _, raw := range raws {
		assert.Contains(t, raw, "refresh_wallet_balance")
	}
	assert.Zero(t, f.rdb.ZCard(ctx, "tasks:scheduled").Val())
}

func TestSendEnqueuesWatchWhenConfirmMissed(t *testing.T) {
	f := newFixture(t)
	f.fund("100")

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE phone_number`).WillReturnRows(f.receiverRow())
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.receiverWalletRow())
	f.mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE transactions SET solana_signature`).WillReturnResult(sqlmock.NewResult(0, 1))
	// The confirm update moves no row: a watcher task must follow up.
	f.mock.ExpectExec(`UPDATE transactions SET status = 'confirmed'`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = daily_transferred_amount`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ctx := context.Background()
	_, err := f.engine.Send(ctx, sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	require.NoError(t, err)

	members, err := f.rdb.ZRange(ctx, "tasks:scheduled", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Contains(t, members[0], "wait_confirmation")
}

func TestSendIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	existingID := uuid.New()
	sig := "OLDSIG"
	existing := sqlmock.NewRows([]string{"id", "idempotency_key", "sender_id", "amount", "token", "type", "status", "solana_signature", "retry_count", "max_retries", "created_at", "updated_at"}).
		AddRow(existingID, "k-001-aaaaaaaaaaaaaaaa", f.sender.ID, decimal.RequireFromString("25.50"), "USDC", "transfer", "confirmed", sig, 0, 3, time.Now(), time.Now())
	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(existing)

	tx, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	require.NoError(t, err)
	assert.Equal(t, existingID, tx.ID)
	assert.Equal(t, 0, f.chain.TransferCalls, "replay must not touch the chain")
}

func TestSendIdempotencyKeyOwnership(t *testing.T) {
	f := newFixture(t)

	existing := sqlmock.NewRows([]string{"id", "idempotency_key", "sender_id", "status"}).
		AddRow(uuid.New(), "k-001-aaaaaaaaaaaaaaaa", uuid.New(), "confirmed")
	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(existing)

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	assert.True(t, errs.IsCode(err, errs.CodeIdempotencyConflict))
}

func TestSendPausedForMaintenance(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("true"))

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
	assert.Equal(t, 0, f.chain.TransferCalls)
}

func TestSendDailyLimitExceeded(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	// 990 already moved today against a limit of 1000.
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("990"))

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	assert.True(t, errs.IsCode(err, errs.CodeDailyLimitExceeded))
	assert.Equal(t, 0, f.chain.TransferCalls)
}

func TestSendMonthlyLimitExceeded(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("9990"))

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	assert.True(t, errs.IsCode(err, errs.CodeMonthlyLimitExceeded))
	assert.Equal(t, 0, f.chain.TransferCalls)
}

func TestSendInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund("10")

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE phone_number`).WillReturnRows(f.receiverRow())
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.receiverWalletRow())

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	assert.True(t, errs.IsCode(err, errs.CodeInsufficientBalance))
	assert.Equal(t, 0, f.chain.TransferCalls, "no submission without funds")
}

func TestSendFrozenAccount(t *testing.T) {
	f := newFixture(t)
	f.sender.IsFrozen = true

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	assert.True(t, errs.IsCode(err, errs.CodeAccountFrozen))
}

func TestSendChainFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.fund("100")
	f.chain.TransferErr = errors.New("custom program error: 0x1")

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE phone_number`).WillReturnRows(f.receiverRow())
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.receiverWalletRow())
	f.mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE transactions SET status = 'failed'`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa"))
	require.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSendSelfTransferRejected(t *testing.T) {
	f := newFixture(t)

	req := sendReq(f, "25.50", "k-001-aaaaaaaaaaaaaaaa")
	req.ReceiverPhone = f.sender.PhoneNumber
	f.receiver = f.sender

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE phone_number`).WillReturnRows(f.senderRow())

	_, err := f.engine.Send(context.Background(), req)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestWithdrawWhitelistEnforced(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT .+ FROM transactions WHERE idempotency_key`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery(`SELECT value FROM system_settings`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	f.mock.ExpectExec(`UPDATE users SET\s+daily_transferred_amount = CASE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id`).WillReturnRows(f.senderRow())
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	f.mock.ExpectQuery(`SELECT .+ FROM wallets WHERE user_id`).WillReturnRows(f.senderWalletRow())
	f.mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := f.engine.Withdraw(context.Background(), WithdrawRequest{
		UserID:          f.sender.ID,
		ExternalAddress: f.receiverPub,
		Amount:          decimal.RequireFromString("10"),
		Token:           "USDC",
		IdempotencyKey:  "wd-001-aaaaaaaaaaaaaa",
	})
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
	assert.Equal(t, 0, f.chain.TransferCalls)
}

func TestValidateAmount(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		amount string
		token  string
		ok     bool
	}{
		{"25.50", "USDC", true},
		{"25.50", "usdt", true},
		{"0", "USDC", false},
		{"-5", "USDC", false},
		{"0.001", "USDC", false},      // below minimum
		{"10001", "USDC", false},      // above maximum
		{"1.0000001", "USDC", false},  // too many decimals
		{"25.50", "DOGE", false},
	}
	for _, tc := range cases {
		_, err := f.engine.validateAmount(decimal.RequireFromString(tc.amount), tc.token)
		if tc.ok {
			assert.NoError(t, err, "%s %s", tc.amount, tc.token)
		} else {
			assert.Error(t, err, "%s %s", tc.amount, tc.token)
		}
	}
}

func TestScheduleFee(t *testing.T) {
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer rawDB.Close()
	db := sqlx.NewDb(rawDB, "postgres")
	policy := &ScheduleFee{Repo: store.NewFeeScheduleRepo(db)}

	feeCols := []string{"id", "tx_type", "token", "flat_fee", "percent_fee", "is_active", "created_at"}
	mock.ExpectQuery(`SELECT .+\s+FROM fee_schedule`).
		WillReturnRows(sqlmock.NewRows(feeCols).
			AddRow(uuid.New(), "transfer", "USDC", "0.10", "1", true, time.Now()))

	fee, err := policy.Fee(context.Background(), store.TypeTransfer, "USDC", decimal.RequireFromString("100"))
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.RequireFromString("1.1")), fee.String())

	// No active schedule row: free.
	mock.ExpectQuery(`SELECT .+\s+FROM fee_schedule`).
		WillReturnRows(sqlmock.NewRows(feeCols))
	fee, err = policy.Fee(context.Background(), store.TypeTransfer, "USDT", decimal.RequireFromString("100"))
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
}

func TestHistoryBounds(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT .+ FROM transactions\s+WHERE sender_id`).
		WithArgs(f.sender.ID, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := f.engine.History(context.Background(), f.sender.ID, -1, -5)
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestIdempotencyKeyLength(t *testing.T) {
	f := newFixture(t)

	for _, key := range []string{"", "k", "short-key-15chr", string(make([]byte, 65))} {
		_, err := f.engine.Send(context.Background(), sendReq(f, "25.50", key))
		assert.True(t, errs.IsCode(err, errs.CodeValidation), "key %q", key)
	}
	assert.Equal(t, 0, f.chain.TransferCalls)
}
