// Package monitor reconciles transaction state with the chain and runs
// the service's periodic maintenance: stale sweeps, balance refreshes,
// encryption validation and key rotation.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pingpay/pingpay/internal/cache"
	"github.com/pingpay/pingpay/internal/chain"
	"github.com/pingpay/pingpay/internal/errs"
	"github.com/pingpay/pingpay/internal/kms"
	"github.com/pingpay/pingpay/internal/metrics"
	"github.com/pingpay/pingpay/internal/scheduler"
	"github.com/pingpay/pingpay/internal/store"
	"github.com/pingpay/pingpay/internal/walletcrypto"
)

const (
	pendingBatchSize = 50
	staleAfter       = 10 * time.Minute
	staleBatchSize   = 100
	rotateBatchSize  = 50
	refreshUserCap   = 100
	timedOutMessage  = "Transaction timed out"
	confirmationWait = 2 * time.Minute

	// TaskWaitConfirmation is the ad-hoc confirmation follow-up task.
	TaskWaitConfirmation = "wait_confirmation"
	// TaskRefreshBalance force-refreshes one wallet's cached balances.
	TaskRefreshBalance = "refresh_wallet_balance"
)

// Monitor owns the reconciliation jobs.
type Monitor struct {
	txs      *store.TransactionRepo
	users    *store.UserRepo
	wallets  *store.WalletRepo
	summary  *store.SummaryRepo
	audit    *store.AuditRepo
	chain    chain.Client
	balances *cache.BalanceCache
	crypto   *walletcrypto.Service
	kms      kms.Provider
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// Deps carries the monitor's collaborators.
type Deps struct {
	Txs      *store.TransactionRepo
	Users    *store.UserRepo
	Wallets  *store.WalletRepo
	Summary  *store.SummaryRepo
	Audit    *store.AuditRepo
	Chain    chain.Client
	Balances *cache.BalanceCache
	Crypto   *walletcrypto.Service
	KMS      kms.Provider
	Metrics  *metrics.Metrics
	Log      *logrus.Entry
}

// New builds the monitor.
func New(deps Deps) *Monitor {
	return &Monitor{
		txs:      deps.Txs,
		users:    deps.Users,
		wallets:  deps.Wallets,
		summary:  deps.Summary,
		audit:    deps.Audit,
		chain:    deps.Chain,
		balances: deps.Balances,
		crypto:   deps.Crypto,
		kms:      deps.KMS,
		metrics:  deps.Metrics,
		log:      deps.Log,
	}
}

// Register wires every recurring job into the scheduler and the
// confirmation follow-up into the task queue.
func (m *Monitor) Register(s *scheduler.Scheduler, q *scheduler.Queue) error {
	jobs := []scheduler.Job{
		{Name: "process_pending", Spec: "@every 30s", Timeout: 2 * time.Minute, Run: m.ProcessPending},
		{Name: "mark_stale", Spec: "@every 5m", Timeout: 2 * time.Minute, Run: m.MarkStale},
		{Name: "refresh_active_balances", Spec: "@every 5m", Timeout: 5 * time.Minute, Run: m.RefreshActiveBalances},
		{Name: "check_fee_sol", Spec: "0 6 * * *", Timeout: 10 * time.Minute, Run: m.CheckFeeSol},
		{Name: "validate_encryptions", Spec: "0 3 * * 0", Timeout: 2 * time.Hour, Run: m.ValidateEncryptions},
		{Name: "log_key_version_stats", Spec: "0 4 * * *", Timeout: time.Minute, Run: m.LogKeyVersionStats},
		{Name: "rotate_keys", Spec: "@every 1h", Timeout: time.Hour, Run: m.RotateKeys},
		{Name: "rollup_daily_summaries", Spec: "30 0 * * *", Timeout: 10 * time.Minute, Run: m.RollupDailySummaries},
	}
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	q.Handle(TaskWaitConfirmation, m.handleWaitConfirmation, scheduler.Policy{
		MaxAttempts: 5,
		Delays:      []time.Duration{10 * time.Second, 30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute},
		Timeout:     confirmationWait + time.Minute,
	})
	q.Handle(TaskRefreshBalance, m.handleRefreshBalance, scheduler.Policy{MaxAttempts: 3})
	return nil
}

// ProcessPending reconciles open transactions against the chain.
func (m *Monitor) ProcessPending(ctx context.Context) error {
	txs, err := m.txs.ListOpen(ctx, pendingBatchSize)
	if err != nil {
		return err
	}
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.reconcile(ctx, &txs[i])
	}
	return nil
}

// reconcile finalizes one open transaction if the chain has decided it.
// Rows without a signature or without any chain record are failed once
// they age past the staleness threshold.
func (m *Monitor) reconcile(ctx context.Context, tx *store.Transaction) {
	log := m.log.WithField("tx_id", tx.ID)
	age := time.Since(tx.CreatedAt)

	if tx.SolanaSignature == nil {
		if age > staleAfter {
			m.fail(ctx, tx, "no signature")
		}
		return
	}

	confirmed, err := m.chain.IsConfirmed(ctx, *tx.SolanaSignature)
	if err != nil {
		log.WithError(err).Warn("confirmation check failed")
		return
	}
	if !confirmed {
		if age > staleAfter {
			m.fail(ctx, tx, "unseen on chain")
		}
		return
	}

	details, err := m.chain.GetTxDetails(ctx, *tx.SolanaSignature)
	if err != nil {
		log.WithError(err).Warn("could not load transaction details")
		return
	}
	if details != nil && !details.Success {
		m.fail(ctx, tx, "transaction failed on chain")
		return
	}

	var slot *int64
	var blockTime *time.Time
	if details != nil {
		s := int64(details.Slot)
		slot = &s
		blockTime = details.BlockTime
	}
	moved, err := m.txs.MarkConfirmed(ctx, tx.ID, slot, blockTime, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("could not mark transaction confirmed")
		return
	}
	if moved {
		m.auditStatus(ctx, tx, store.StatusConfirmed, "")
		m.invalidateParties(ctx, tx)
		log.Info("transaction confirmed by monitor")
	}
}

// fail moves one open transaction to failed and records the transition.
func (m *Monitor) fail(ctx context.Context, tx *store.Transaction, message string) bool {
	moved, err := m.txs.MarkFailed(ctx, tx.ID, string(errs.CodeChainError), message)
	if err != nil {
		m.log.WithError(err).WithField("tx_id", tx.ID).Error("could not mark transaction failed")
		return false
	}
	if moved {
		m.auditStatus(ctx, tx, store.StatusFailed, message)
	}
	return moved
}

// invalidateParties drops both parties' cached token balances after a
// confirmed transition, so the next read hits the chain.
func (m *Monitor) invalidateParties(ctx context.Context, tx *store.Transaction) {
	tok, err := chain.ParseToken(tx.Token)
	if err != nil {
		return
	}
	if w, err := m.wallets.GetByUserID(ctx, tx.SenderID); err == nil {
		m.balances.Invalidate(ctx, w.PublicKey, tok)
	}
	if tx.ReceiverID != nil {
		if w, err := m.wallets.GetByUserID(ctx, *tx.ReceiverID); err == nil {
			m.balances.Invalidate(ctx, w.PublicKey, tok)
		}
	}
}

// auditStatus appends a transaction_status_update row for one monitor
// driven transition.
func (m *Monitor) auditStatus(ctx context.Context, tx *store.Transaction, to store.TxStatus, message string) {
	entityID := tx.ID.String()
	oldValues, _ := json.Marshal(map[string]interface{}{"status": tx.Status})
	fields := map[string]interface{}{"status": to}
	if message != "" {
		fields["errorMessage"] = message
	}
	newValues, _ := json.Marshal(fields)
	row := &store.AuditLog{
		ID:         uuid.New(),
		UserID:     &tx.SenderID,
		Action:     "transaction_status_update",
		EntityType: "transaction",
		EntityID:   &entityID,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if err := m.audit.Insert(ctx, row); err != nil {
		m.log.WithError(err).WithField("tx_id", tx.ID).Warn("could not write audit row")
	}
}

// MarkStale times out transactions that stayed open too long. Each gets
// one final confirmation check before being failed.
func (m *Monitor) MarkStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-staleAfter)
	txs, err := m.txs.ListStale(ctx, cutoff, staleBatchSize)
	if err != nil {
		return err
	}
	for i := range txs {
		tx := &txs[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		if tx.SolanaSignature != nil {
			confirmed, err := m.chain.IsConfirmed(ctx, *tx.SolanaSignature)
			if err == nil && confirmed {
				m.reconcile(ctx, tx)
				continue
			}
		}

		if m.fail(ctx, tx, timedOutMessage) {
			m.metrics.StaleMarkedTotal.Inc()
			m.log.WithField("tx_id", tx.ID).Warn("transaction timed out")
		}
	}
	return nil
}

// RefreshActiveBalances re-fetches chain balances for recently active
// users, throttled so the RPC endpoint is not hammered.
func (m *Monitor) RefreshActiveBalances(ctx context.Context) error {
	since := time.Now().UTC().Add(-24 * time.Hour)
	userIDs, err := m.users.ActiveUserIDs(ctx, since, refreshUserCap)
	if err != nil {
		return err
	}
	wallets, err := m.wallets.ListForUsers(ctx, userIDs)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	for i := range wallets {
		w := &wallets[i]
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		balances, err := m.balances.GetAllBalances(ctx, w.PublicKey, true)
		if err != nil {
			m.log.WithError(err).WithField("public_key", w.PublicKey).Warn("balance refresh failed")
			continue
		}
		if err := m.wallets.UpdateCachedBalances(ctx, w.ID, balances.USDC, balances.USDT, balances.FetchedAt); err != nil {
			m.log.WithError(err).WithField("wallet_id", w.ID).Warn("could not persist cached balances")
		}
	}
	return nil
}

// CheckFeeSol flags wallets of active users that cannot cover network
// fees any more.
func (m *Monitor) CheckFeeSol(ctx context.Context) error {
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	userIDs, err := m.users.ActiveUserIDs(ctx, since, 1000)
	if err != nil {
		return err
	}
	wallets, err := m.wallets.ListForUsers(ctx, userIDs)
	if err != nil {
		return err
	}

	min := decimal.RequireFromString(cache.MinFeeSol)
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	low := 0
	for i := range wallets {
		w := &wallets[i]
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		bal, err := m.balances.GetSolBalance(ctx, w.PublicKey, false)
		if err != nil {
			continue
		}
		if bal.LessThan(min) {
			low++
			m.log.WithFields(logrus.Fields{
				"public_key": w.PublicKey, "sol": bal.String(),
			}).Warn("wallet below fee floor")
		}
	}
	if low > 0 {
		m.log.WithField("count", low).Warn("wallets need SOL top-up")
	}
	return nil
}

// ValidateEncryptions decrypt-checks every wallet blob without exposing
// key material. A failure here means a corrupt row or a lost KMS key.
func (m *Monitor) ValidateEncryptions(ctx context.Context) error {
	const pageSize = 200
	var checked, failed int
	for offset := 0; ; offset += pageSize {
		wallets, err := m.wallets.ListAll(ctx, offset, pageSize)
		if err != nil {
			return err
		}
		if len(wallets) == 0 {
			break
		}
		for i := range wallets {
			if err := ctx.Err(); err != nil {
				return err
			}
			w := &wallets[i]
			checked++
			if !m.crypto.Validate(ctx, materialOf(w)) {
				failed++
				m.log.WithFields(logrus.Fields{
					"wallet_id": w.ID, "key_version": w.KeyVersion,
				}).Error("wallet blob failed validation")
			}
		}
	}
	m.log.WithFields(logrus.Fields{"checked": checked, "failed": failed}).Info("encryption validation finished")
	return nil
}

// LogKeyVersionStats records how many wallets sit on each master key
// version, which makes rotation progress observable.
func (m *Monitor) LogKeyVersionStats(ctx context.Context) error {
	histogram, err := m.wallets.KeyVersionHistogram(ctx)
	if err != nil {
		return err
	}
	for _, bucket := range histogram {
		m.log.WithFields(logrus.Fields{
			"key_version": bucket.KeyVersion, "wallets": bucket.Count,
		}).Info("key version in use")
	}
	return nil
}

// RotateKeys rewraps a batch of wallets still on old master key
// versions. Conditional updates keep concurrent rotations safe.
func (m *Monitor) RotateKeys(ctx context.Context) error {
	current, err := m.kms.CurrentKeyVersion(ctx)
	if err != nil {
		return err
	}

	histogram, err := m.wallets.KeyVersionHistogram(ctx)
	if err != nil {
		return err
	}

	rotated := 0
	for _, bucket := range histogram {
		if bucket.KeyVersion == current {
			continue
		}
		wallets, err := m.wallets.ListByKeyVersion(ctx, bucket.KeyVersion, rotateBatchSize-rotated)
		if err != nil {
			return err
		}
		for i := range wallets {
			if err := ctx.Err(); err != nil {
				return err
			}
			w := &wallets[i]
			fresh, err := m.crypto.Rotate(ctx, materialOf(w))
			if err != nil {
				m.log.WithError(err).WithField("wallet_id", w.ID).Error("rotation failed")
				m.auditRotation(ctx, w, current, false)
				continue
			}
			moved, err := m.wallets.UpdateEncryption(ctx, w.ID, w.KeyVersion, fresh.EncryptedPrivateKey, fresh.KeyVersion)
			if err != nil {
				m.log.WithError(err).WithField("wallet_id", w.ID).Error("could not store rotated blob")
				m.auditRotation(ctx, w, current, false)
				continue
			}
			if moved {
				rotated++
				m.metrics.KeyRotationsTotal.Inc()
				m.auditRotation(ctx, w, fresh.KeyVersion, true)
			}
		}
		if rotated >= rotateBatchSize {
			break
		}
	}
	if rotated > 0 {
		m.log.WithFields(logrus.Fields{"rotated": rotated, "key_version": current}).Info("wallet keys rotated")
	}
	return nil
}

// RollupDailySummaries aggregates yesterday's confirmed volume.
func (m *Monitor) RollupDailySummaries(ctx context.Context) error {
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	rows, err := m.txs.SumsForDay(ctx, yesterday)
	if err != nil {
		return err
	}
	for i := range rows {
		if err := m.summary.Upsert(ctx, &rows[i]); err != nil {
			return err
		}
	}
	m.log.WithField("rows", len(rows)).Info("daily summaries rolled up")
	return nil
}

// WaitConfirmationPayload is the task body for confirmation follow-ups.
type WaitConfirmationPayload struct {
	TxID uuid.UUID `json:"txId"`
}

// handleWaitConfirmation polls one transaction to a decision. Returning
// an error re-enqueues the task with backoff.
func (m *Monitor) handleWaitConfirmation(ctx context.Context, payload json.RawMessage) error {
	var p WaitConfirmationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.log.WithError(err).Error("dropping malformed confirmation task")
		return nil
	}
	tx, err := m.txs.GetByID(ctx, p.TxID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}
	if tx.Status.Terminal() || tx.SolanaSignature == nil {
		return nil
	}

	confirmed, err := m.chain.WaitForConfirmation(ctx, *tx.SolanaSignature, confirmationWait)
	if err != nil {
		return err
	}
	if !confirmed {
		return errs.New(errs.CodeChainError, "still unconfirmed")
	}
	m.reconcile(ctx, tx)
	return nil
}

// RefreshBalancePayload is the task body for single-wallet refreshes.
type RefreshBalancePayload struct {
	PublicKey string `json:"publicKey"`
}

// handleRefreshBalance force-refreshes one wallet's balances and
// persists the snapshot. Returning an error re-enqueues with backoff.
func (m *Monitor) handleRefreshBalance(ctx context.Context, payload json.RawMessage) error {
	var p RefreshBalancePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.log.WithError(err).Error("dropping malformed balance refresh task")
		return nil
	}
	w, err := m.wallets.GetByPublicKey(ctx, p.PublicKey)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}
	balances, err := m.balances.GetAllBalances(ctx, w.PublicKey, true)
	if err != nil {
		return err
	}
	return m.wallets.UpdateCachedBalances(ctx, w.ID, balances.USDC, balances.USDT, balances.FetchedAt)
}

// auditRotation appends a key_rotation or key_rotation_failed row with
// the old and new master key versions.
func (m *Monitor) auditRotation(ctx context.Context, w *store.Wallet, toVersion string, ok bool) {
	action := "key_rotation"
	if !ok {
		action = "key_rotation_failed"
	}
	entityID := w.ID.String()
	oldValues, _ := json.Marshal(map[string]interface{}{"keyVersion": w.KeyVersion})
	newValues, _ := json.Marshal(map[string]interface{}{"keyVersion": toVersion})
	row := &store.AuditLog{
		ID:         uuid.New(),
		UserID:     &w.UserID,
		Action:     action,
		EntityType: "wallet",
		EntityID:   &entityID,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if err := m.audit.Insert(ctx, row); err != nil {
		m.log.WithError(err).WithField("wallet_id", w.ID).Warn("could not write audit row")
	}
}

func materialOf(w *store.Wallet) *walletcrypto.Material {
	return &walletcrypto.Material{
		UserID:              w.UserID,
		PublicKey:           w.PublicKey,
		EncryptedPrivateKey: w.EncryptedPrivateKey,
		KeyVersion:          w.KeyVersion,
		KeyAlgorithm:        w.KeyAlgorithm,
	}
}
