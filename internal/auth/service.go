package auth

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/config"
	"github.com/pingpay/pingpay/internal/errs"
	"github.com/pingpay/pingpay/internal/metrics"
	"github.com/pingpay/pingpay/internal/ratelimit"
	"github.com/pingpay/pingpay/internal/store"
	"github.com/pingpay/pingpay/internal/walletcrypto"
)

// Rate limit action names.
const (
	ActionRequestOTP = "request_otp"
	ActionVerifyOTP  = "verify_otp"
)

// Session is the result of a successful verification.
type Session struct {
	UserID    uuid.UUID
	Phone     string
	Token     string
	ExpiresAt time.Time
	NewUser   bool
}

// Service implements phone authentication and first-login provisioning.
// A user's wallet is created the moment their number first verifies.
type Service struct {
	db      *sqlx.DB
	users   *store.UserRepo
	wallets *store.WalletRepo
	audit   *store.AuditRepo
	crypto  *walletcrypto.Service
	otp     *otpStore
	sender  Sender
	tokens  *TokenIssuer
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	log     *logrus.Entry

	defaultDailyLimit   decimal.Decimal
	defaultMonthlyLimit decimal.Decimal
}

// Deps carries the service's collaborators.
type Deps struct {
	DB      *sqlx.DB
	Users   *store.UserRepo
	Wallets *store.WalletRepo
	Audit   *store.AuditRepo
	Crypto  *walletcrypto.Service
	Redis   redis.UniversalClient
	Sender  Sender
	Tokens  *TokenIssuer
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// New builds the auth service.
func New(deps Deps, payments config.PaymentsConfig) (*Service, error) {
	daily, err := decimal.NewFromString(payments.DefaultDailyLimit)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeValidation, "invalid default daily limit")
	}
	monthly, err := decimal.NewFromString(payments.DefaultMonthlyLimit)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeValidation, "invalid default monthly limit")
	}
	return &Service{
		db:                  deps.DB,
		users:               deps.Users,
		wallets:             deps.Wallets,
		audit:               deps.Audit,
		crypto:              deps.Crypto,
		otp:                 &otpStore{rdb: deps.Redis},
		sender:              deps.Sender,
		tokens:              deps.Tokens,
		limiter:             deps.Limiter,
		metrics:             deps.Metrics,
		log:                 deps.Log,
		defaultDailyLimit:   daily,
		defaultMonthlyLimit: monthly,
	}, nil
}

// RequestOTP issues and delivers a one-time code to the phone number.
func (s *Service) RequestOTP(ctx context.Context, rawPhone string) error {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return err
	}
	if err := s.limiter.Allow(ctx, ActionRequestOTP, phone); err != nil {
		s.metrics.OtpRequestsTotal.WithLabelValues("request", "rate_limited").Inc()
		return err
	}

	code, err := s.otp.issue(ctx, phone)
	if err != nil {
		s.metrics.OtpRequestsTotal.WithLabelValues("request", "error").Inc()
		return err
	}
	if err := s.sender.SendCode(ctx, phone, code); err != nil {
		s.metrics.OtpRequestsTotal.WithLabelValues("request", "error").Inc()
		return errs.Wrap(err, errs.CodeInternal, "could not deliver code")
	}
	s.metrics.OtpRequestsTotal.WithLabelValues("request", "ok").Inc()
	s.log.WithField("phone", phone).Info("otp requested")
	return nil
}

// VerifyOTP checks the code and returns a session. Unknown numbers are
// registered on the spot with a freshly generated custody wallet.
func (s *Service) VerifyOTP(ctx context.Context, rawPhone, code string) (*Session, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Allow(ctx, ActionVerifyOTP, phone); err != nil {
		s.metrics.OtpRequestsTotal.WithLabelValues("verify", "rate_limited").Inc()
		return nil, err
	}

	if err := s.otp.verify(ctx, phone, code); err != nil {
		s.metrics.OtpRequestsTotal.WithLabelValues("verify", "invalid").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	newUser := false
	user, err := s.users.GetByPhone(ctx, phone)
	switch {
	case errs.IsCode(err, errs.CodeNotFound):
		user, err = s.register(ctx, phone, now)
		if err != nil {
			return nil, err
		}
		newUser = true
	case err != nil:
		return nil, errs.Wrap(err, errs.CodeInternal, "could not load user")
	}

	if user.IsFrozen {
		return nil, errs.New(errs.CodeAccountFrozen, "account is frozen")
	}
	if !user.IsActive {
		return nil, errs.New(errs.CodeUnauthorized, "account is disabled")
	}

	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("could not record login")
	}
	_ = s.limiter.Reset(ctx, ActionVerifyOTP, phone)

	token, expiresAt, err := s.tokens.Issue(user.ID, phone, now)
	if err != nil {
		return nil, err
	}
	s.metrics.OtpRequestsTotal.WithLabelValues("verify", "ok").Inc()
	s.log.WithFields(logrus.Fields{"user_id": user.ID, "new_user": newUser}).Info("user authenticated")

	return &Session{UserID: user.ID, Phone: phone, Token: token, ExpiresAt: expiresAt, NewUser: newUser}, nil
}

// register creates the user row and its custody wallet. Key material is
// generated before the user insert so a KMS outage never leaves a user
// without a wallet.
func (s *Service) register(ctx context.Context, phone string, now time.Time) (*store.User, error) {
	userID := uuid.New()

	material, err := s.crypto.Generate(ctx, userID)
	if err != nil {
		return nil, err
	}

	// User and wallet commit atomically: a wallet insert failure must not
	// leave a user row without a wallet behind.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not begin registration")
	}
	defer func() { _ = tx.Rollback() }()

	user := &store.User{
		ID:                   userID,
		PhoneNumber:          phone,
		DailyTransferLimit:   s.defaultDailyLimit,
		DailyLimitResetAt:    now,
		MonthlyTransferLimit: s.defaultMonthlyLimit,
		MonthlyLimitResetAt:  now,
		IsActive:             true,
	}
	if err := store.NewUserRepo(tx).Create(ctx, user); err != nil {
		if errs.IsCode(err, errs.CodeValidation) {
			// Concurrent registration of the same number; use the winner.
			_ = tx.Rollback()
			return s.users.GetByPhone(ctx, phone)
		}
		return nil, err
	}

	wallet := &store.Wallet{
		ID:                  uuid.New(),
		UserID:              userID,
		PublicKey:           material.PublicKey,
		EncryptedPrivateKey: material.EncryptedPrivateKey,
		KeyVersion:          material.KeyVersion,
		KeyAlgorithm:        material.KeyAlgorithm,
	}
	if err := store.NewWalletRepo(tx).Create(ctx, wallet); err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not create wallet")
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "could not commit registration")
	}

	entityID := wallet.PublicKey
	if err := s.audit.Insert(ctx, &store.AuditLog{
		ID:         uuid.New(),
		UserID:     &userID,
		Action:     "user_registered",
		EntityType: "wallet",
		EntityID:   &entityID,
	}); err != nil {
		s.log.WithError(err).Warn("could not write audit row")
	}

	s.log.WithFields(logrus.Fields{"user_id": userID, "public_key": wallet.PublicKey}).Info("user registered")
	return user, nil
}
