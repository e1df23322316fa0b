// Package payments implements the payment engine: validation, limit
// enforcement, custody key handling and chain submission for internal
// transfers and external withdrawals.
package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/auth"
	"github.com/pingpay/pingpay/internal/cache"
	"github.com/pingpay/pingpay/internal/chain"
	"github.com/pingpay/pingpay/internal/config"
	"github.com/pingpay/pingpay/internal/errs"
	"github.com/pingpay/pingpay/internal/metrics"
	"github.com/pingpay/pingpay/internal/monitor"
	"github.com/pingpay/pingpay/internal/ratelimit"
	"github.com/pingpay/pingpay/internal/scheduler"
	"github.com/pingpay/pingpay/internal/store"
	"github.com/pingpay/pingpay/internal/walletcrypto"
)

// ActionSendPayment is the rate limit bucket shared by transfers and
// withdrawals.
const ActionSendPayment = "send_payment"

const defaultMaxRetries = 3

// SendRequest is an internal phone-to-phone transfer.
type SendRequest struct {
	SenderID       uuid.UUID
	ReceiverPhone  string
	Amount         decimal.Decimal
	Token          string
	IdempotencyKey string
	RequestID      string
	IPAddress      string
}

// WithdrawRequest moves funds to an external address.
type WithdrawRequest struct {
	UserID          uuid.UUID
	ExternalAddress string
	Amount          decimal.Decimal
	Token           string
	IdempotencyKey  string
	RequestID       string
	IPAddress       string
}

// Engine orchestrates the payment pipeline.
type Engine struct {
	users     *store.UserRepo
	wallets   *store.WalletRepo
	txs       *store.TransactionRepo
	audit     *store.AuditRepo
	whitelist *store.WhitelistRepo
	settings  *store.SettingsRepo
	crypto    *walletcrypto.Service
	chain     chain.Client
	balances  *cache.BalanceCache
	limiter   *ratelimit.Limiter
	queue     *scheduler.Queue
	fees      FeePolicy
	metrics   *metrics.Metrics
	log       *logrus.Entry

	minAmount        decimal.Decimal
	maxAmount        decimal.Decimal
	requireWhitelist bool

	now func() time.Time
}

// Deps carries the engine's collaborators.
type Deps struct {
	Users     *store.UserRepo
	Wallets   *store.WalletRepo
	Txs       *store.TransactionRepo
	Audit     *store.AuditRepo
	Whitelist *store.WhitelistRepo
	Settings  *store.SettingsRepo
	Crypto    *walletcrypto.Service
	Chain     chain.Client
	Balances  *cache.BalanceCache
	Limiter   *ratelimit.Limiter
	Queue     *scheduler.Queue
	Fees      FeePolicy
	Metrics   *metrics.Metrics
	Log       *logrus.Entry
}

// New builds the engine from validated configuration.
func New(deps Deps, cfg config.PaymentsConfig) (*Engine, error) {
	min, err := decimal.NewFromString(cfg.MinAmount)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeValidation, "invalid minimum amount")
	}
	max, err := decimal.NewFromString(cfg.MaxAmount)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeValidation, "invalid maximum amount")
	}
	fees := deps.Fees
	if fees == nil {
		fees = NoFee{}
	}
	return &Engine{
		users:            deps.Users,
		wallets:          deps.Wallets,
		txs:              deps.Txs,
		audit:            deps.Audit,
		whitelist:        deps.Whitelist,
		settings:         deps.Settings,
		crypto:           deps.Crypto,
		chain:            deps.Chain,
		balances:         deps.Balances,
		limiter:          deps.Limiter,
		queue:            deps.Queue,
		fees:             fees,
		metrics:          deps.Metrics,
		log:              deps.Log,
		minAmount:        min,
		maxAmount:        max,
		requireWhitelist: cfg.RequireWhitelist,
		now:              func() time.Time { return time.Now().UTC() },
	}, nil
}

// Send executes an internal transfer. Repeated calls with the same
// idempotency key return the original transaction without a second
// chain submission.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*store.Transaction, error) {
	tok, err := e.validateAmount(req.Amount, req.Token)
	if err != nil {
		return nil, err
	}
	receiverPhone, err := auth.NormalizePhone(req.ReceiverPhone)
	if err != nil {
		return nil, err
	}
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	if existing, err := e.txs.GetByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not check idempotency key")
	} else if existing != nil {
		if existing.SenderID != req.SenderID {
			return nil, errs.New(errs.CodeIdempotencyConflict, "idempotency key belongs to another user")
		}
		return existing, nil
	}

	if err := e.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	if err := e.limiter.Allow(ctx, ActionSendPayment, req.SenderID.String()); err != nil {
		return nil, err
	}

	sender, senderWallet, err := e.loadSender(ctx, req.SenderID, req.Amount)
	if err != nil {
		return nil, err
	}

	receiver, err := e.users.GetByPhone(ctx, receiverPhone)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return nil, errs.New(errs.CodeNotFound, "recipient is not registered")
		}
		return nil, err
	}
	if receiver.ID == sender.ID {
		return nil, errs.New(errs.CodeValidation, "cannot send to yourself")
	}
	if receiver.IsFrozen || !receiver.IsActive {
		return nil, errs.New(errs.CodeValidation, "recipient cannot receive payments")
	}
	receiverWallet, err := e.wallets.GetByUserID(ctx, receiver.ID)
	if err != nil {
		return nil, err
	}

	fee, err := e.fees.Fee(ctx, store.TypeTransfer, string(tok), req.Amount)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not compute fee")
	}

	if err := e.checkFunds(ctx, senderWallet.PublicKey, req.Amount.Add(fee), tok); err != nil {
		return nil, err
	}

	tx := &store.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		SenderID:       sender.ID,
		ReceiverID:     &receiver.ID,
		Amount:         req.Amount,
		Token:          string(tok),
		Type:           store.TypeTransfer,
		Status:         store.StatusProcessing,
		MaxRetries:     defaultMaxRetries,
	}
	return e.execute(ctx, tx, sender, senderWallet, receiverWallet.PublicKey, fee, req.RequestID, req.IPAddress)
}

// Withdraw moves funds to an address outside the custody system.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*store.Transaction, error) {
	tok, err := e.validateAmount(req.Amount, req.Token)
	if err != nil {
		return nil, err
	}
	if err := chain.ValidateAddress(req.ExternalAddress); err != nil {
		return nil, err
	}
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	if existing, err := e.txs.GetByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not check idempotency key")
	} else if existing != nil {
		if existing.SenderID != req.UserID {
			return nil, errs.New(errs.CodeIdempotencyConflict, "idempotency key belongs to another user")
		}
		return existing, nil
	}

	if err := e.ensureNotPaused(ctx); err != nil {
		return nil, err
	}
	if err := e.limiter.Allow(ctx, ActionSendPayment, req.UserID.String()); err != nil {
		return nil, err
	}

	sender, senderWallet, err := e.loadSender(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, err
	}
	if senderWallet.PublicKey == req.ExternalAddress {
		return nil, errs.New(errs.CodeValidation, "cannot withdraw to your own custody wallet")
	}

	if e.requireWhitelist {
		ok, err := e.whitelist.Contains(ctx, sender.ID, req.ExternalAddress)
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeInternal, "could not check whitelist")
		}
		if !ok {
			return nil, errs.New(errs.CodeValidation, "address is not whitelisted for withdrawals")
		}
	}

	fee, err := e.fees.Fee(ctx, store.TypeWithdrawal, string(tok), req.Amount)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not compute fee")
	}

	if err := e.checkFunds(ctx, senderWallet.PublicKey, req.Amount.Add(fee), tok); err != nil {
		return nil, err
	}

	addr := req.ExternalAddress
	tx := &store.Transaction{
		ID:              uuid.New(),
		IdempotencyKey:  req.IdempotencyKey,
		SenderID:        sender.ID,
		ExternalAddress: &addr,
		Amount:          req.Amount,
		Token:           string(tok),
		Type:            store.TypeWithdrawal,
		Status:          store.StatusProcessing,
		MaxRetries:      defaultMaxRetries,
	}
	return e.execute(ctx, tx, sender, senderWallet, req.ExternalAddress, fee, req.RequestID, req.IPAddress)
}

// GetTransaction loads a transaction the user participates in.
func (e *Engine) GetTransaction(ctx context.Context, userID, txID uuid.UUID) (*store.Transaction, error) {
	tx, err := e.txs.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.SenderID != userID && (tx.ReceiverID == nil || *tx.ReceiverID != userID) {
		return nil, errs.New(errs.CodeNotFound, "transaction not found")
	}
	return tx, nil
}

// History pages the user's sent transactions, newest first.
func (e *Engine) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]store.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return e.txs.ListBySender(ctx, userID, limit, offset)
}

const (
	idempotencyKeyMinLen = 16
	idempotencyKeyMaxLen = 64
)

func validateIdempotencyKey(key string) error {
	if key == "" {
		return errs.New(errs.CodeValidation, "idempotency key is required")
	}
	if len(key) < idempotencyKeyMinLen || len(key) > idempotencyKeyMaxLen {
		return errs.Newf(errs.CodeValidation, "idempotency key must be %d to %d characters",
			idempotencyKeyMinLen, idempotencyKeyMaxLen)
	}
	return nil
}

func (e *Engine) validateAmount(amount decimal.Decimal, token string) (chain.Token, error) {
	tok, err := chain.ParseToken(token)
	if err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", errs.New(errs.CodeValidation, "amount must be positive")
	}
	if amount.LessThan(e.minAmount) {
		return "", errs.Newf(errs.CodeValidation, "amount is below the minimum of %s", e.minAmount)
	}
	if amount.GreaterThan(e.maxAmount) {
		return "", errs.Newf(errs.CodeValidation, "amount exceeds the maximum of %s", e.maxAmount)
	}
	if amount.Exponent() < -6 {
		return "", errs.New(errs.CodeValidation, "amount has more than 6 decimal places")
	}
	return tok, nil
}

// settingPaymentsPaused is the operational kill switch for new
// submissions. Replays of existing idempotency keys still resolve.
const settingPaymentsPaused = "payments_paused"

func (e *Engine) ensureNotPaused(ctx context.Context) error {
	if e.settings == nil {
		return nil
	}
	v, err := e.settings.Get(ctx, settingPaymentsPaused, "false")
	if err != nil {
		e.log.WithError(err).Warn("could not read payment pause setting")
		return nil
	}
	if v == "true" {
		return errs.New(errs.CodeValidation, "payments are temporarily paused")
	}
	return nil
}

// loadSender loads and gates the sender, then enforces transfer limits
// against freshly rolled windows.
func (e *Engine) loadSender(ctx context.Context, senderID uuid.UUID, amount decimal.Decimal) (*store.User, *store.Wallet, error) {
	if err := e.users.RollLimitWindows(ctx, senderID, e.now()); err != nil {
		return nil, nil, errs.Wrap(err, errs.CodeInternal, "could not roll limit windows")
	}
	sender, err := e.users.GetByID(ctx, senderID)
	if err != nil {
		return nil, nil, err
	}
	if sender.IsFrozen {
		return nil, nil, errs.New(errs.CodeAccountFrozen, "account is frozen")
	}
	if !sender.IsActive {
		return nil, nil, errs.New(errs.CodeUnauthorized, "account is disabled")
	}

	// Limits are checked against the transaction log, not the cached
	// counters, so a drifted counter can never let a transfer through.
	daySum, err := e.txs.SumSince(ctx, senderID, sender.DailyLimitResetAt.Add(-24*time.Hour))
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.CodeInternal, "could not compute daily volume")
	}
	if daySum.Add(amount).GreaterThan(sender.DailyTransferLimit) {
		return nil, nil, errs.New(errs.CodeDailyLimitExceeded, "daily transfer limit exceeded").
			WithDetails(map[string]interface{}{
				"limit":     sender.DailyTransferLimit.String(),
				"used":      daySum.String(),
				"requested": amount.String(),
			})
	}
	monthSum, err := e.txs.SumSince(ctx, senderID, sender.MonthlyLimitResetAt.AddDate(0, -1, 0))
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.CodeInternal, "could not compute monthly volume")
	}
	if monthSum.Add(amount).GreaterThan(sender.MonthlyTransferLimit) {
		return nil, nil, errs.New(errs.CodeMonthlyLimitExceeded, "monthly transfer limit exceeded").
			WithDetails(map[string]interface{}{
				"limit":     sender.MonthlyTransferLimit.String(),
				"used":      monthSum.String(),
				"requested": amount.String(),
			})
	}

	wallet, err := e.wallets.GetByUserID(ctx, senderID)
	if err != nil {
		return nil, nil, err
	}
	return sender, wallet, nil
}

func (e *Engine) checkFunds(ctx context.Context, pub string, required decimal.Decimal, tok chain.Token) error {
	ok, bal, err := e.balances.CheckSufficientBalance(ctx, pub, required, tok)
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "could not check balance")
	}
	if !ok {
		return errs.New(errs.CodeInsufficientBalance, "insufficient balance").
			WithDetails(map[string]interface{}{
				"required":  required.String(),
				"available": bal.String(),
				"token":     string(tok),
			})
	}
	ok, sol, err := e.balances.CheckSufficientSolForFees(ctx, pub, decimal.Zero)
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "could not check fee balance")
	}
	if !ok {
		return errs.New(errs.CodeInsufficientBalance, "wallet cannot cover network fees").
			WithDetails(map[string]interface{}{"solBalance": sol.String(), "minimum": cache.MinFeeSol})
	}
	return nil
}

// execute persists the pending row, submits on chain and finalizes.
// Submission success marks the row confirmed immediately; the monitor
// reconciles anything still open.
func (e *Engine) execute(ctx context.Context, tx *store.Transaction, sender *store.User, wallet *store.Wallet, destination string, fee decimal.Decimal, requestID, ip string) (*store.Transaction, error) {
	if err := e.txs.Create(ctx, tx); err != nil {
		if err == store.ErrDuplicateIdempotencyKey {
			existing, lookupErr := e.txs.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
			if lookupErr != nil || existing == nil {
				return nil, errs.New(errs.CodeIdempotencyConflict, "concurrent request with the same idempotency key")
			}
			return existing, nil
		}
		return nil, errs.Wrap(err, errs.CodeInternal, "could not create transaction")
	}

	tok := chain.Token(tx.Token)
	log := e.log.WithFields(logrus.Fields{
		"tx_id": tx.ID, "sender_id": sender.ID, "token": tx.Token,
		"amount": tx.Amount.String(), "type": tx.Type,
	})

	material := &walletcrypto.Material{
		UserID:              wallet.UserID,
		PublicKey:           wallet.PublicKey,
		EncryptedPrivateKey: wallet.EncryptedPrivateKey,
		KeyVersion:          wallet.KeyVersion,
		KeyAlgorithm:        wallet.KeyAlgorithm,
	}

	var signature string
	start := e.now()
	err := e.crypto.WithSecret(ctx, material, func(secret []byte) error {
		var submitErr error
		signature, submitErr = e.chain.TransferToken(ctx, secret, destination, tx.Amount, tok)
		return submitErr
	})
	e.metrics.ChainSubmitSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		code := errs.CodeOf(err)
		if code == errs.CodeInternal {
			code = errs.CodeChainError
			err = errs.Wrap(err, code, "chain submission failed")
		}
		if _, markErr := e.txs.MarkFailed(ctx, tx.ID, string(code), err.Error()); markErr != nil {
			log.WithError(markErr).Error("could not mark transaction failed")
		}
		e.metrics.PaymentsTotal.WithLabelValues(tx.Token, string(tx.Type), string(store.StatusFailed)).Inc()
		log.WithError(err).Warn("payment failed")
		e.writeAudit(ctx, tx, sender.ID, fee, requestID, ip, "payment_failed")
		return nil, err
	}

	if err := e.txs.SetSignature(ctx, tx.ID, signature); err != nil {
		log.WithError(err).Error("could not record signature")
	}
	now := e.now()
	moved, confirmErr := e.txs.MarkConfirmed(ctx, tx.ID, nil, nil, now)
	if confirmErr != nil {
		log.WithError(confirmErr).Error("could not mark transaction confirmed")
	}
	if err := e.users.AddTransferred(ctx, sender.ID, tx.Amount); err != nil {
		log.WithError(err).Error("could not accumulate transfer limits")
	}

	e.balances.Invalidate(ctx, wallet.PublicKey, tok)
	e.balances.Invalidate(ctx, destination, tok)
	e.enqueueFollowUps(ctx, tx, wallet.PublicKey, destination, confirmErr == nil && moved)

	e.metrics.PaymentsTotal.WithLabelValues(tx.Token, string(tx.Type), string(store.StatusConfirmed)).Inc()
	amountF, _ := tx.Amount.Float64()
	e.metrics.PaymentAmount.WithLabelValues(tx.Token).Observe(amountF)
	e.writeAudit(ctx, tx, sender.ID, fee, requestID, ip, "payment_sent")
	log.WithField("signature", signature).Info("payment submitted")

	final, err := e.txs.GetByID(ctx, tx.ID)
	if err != nil {
		// The row was just written; fall back to the in-memory view.
		tx.Status = store.StatusConfirmed
		tx.SolanaSignature = &signature
		tx.ConfirmedAt = &now
		return tx, nil
	}
	return final, nil
}

// enqueueFollowUps hands post-submission work to the task queue: fresh
// balance snapshots for both parties and, when the confirm update did
// not stick, a confirmation watcher.
func (e *Engine) enqueueFollowUps(ctx context.Context, tx *store.Transaction, senderPub, destination string, confirmed bool) {
	if e.queue == nil {
		return
	}
	for _, pub := range []string{senderPub, destination} {
		payload := monitor.RefreshBalancePayload{PublicKey: pub}
		if _, err := e.queue.Enqueue(ctx, monitor.TaskRefreshBalance, payload, 0); err != nil {
			e.log.WithError(err).WithField("tx_id", tx.ID).Warn("could not enqueue balance refresh")
		}
	}
	if confirmed {
		return
	}
	payload := monitor.WaitConfirmationPayload{TxID: tx.ID}
	if _, err := e.queue.Enqueue(ctx, monitor.TaskWaitConfirmation, payload, 10*time.Second); err != nil {
		e.log.WithError(err).WithField("tx_id", tx.ID).Warn("could not enqueue confirmation watch")
	}
}

func (e *Engine) writeAudit(ctx context.Context, tx *store.Transaction, userID uuid.UUID, fee decimal.Decimal, requestID, ip string, action string) {
	entityID := tx.ID.String()
	values, _ := json.Marshal(map[string]interface{}{
		"amount": tx.Amount.String(),
		"token":  tx.Token,
		"type":   tx.Type,
		"fee":    fee.String(),
	})
	row := &store.AuditLog{
		ID:         uuid.New(),
		UserID:     &userID,
		Action:     action,
		EntityType: "transaction",
		EntityID:   &entityID,
		NewValues:  values,
	}
	if requestID != "" {
		row.RequestID = &requestID
	}
	if ip != "" {
		row.IPAddress = &ip
	}
	if err := e.audit.Insert(ctx, row); err != nil {
		e.log.WithError(err).Warn("could not write audit row")
	}
}
