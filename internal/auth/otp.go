// Package auth implements phone-based authentication: one-time codes
// delivered out of band, verified against Redis, exchanged for a JWT.
// Codes are stored as SHA-256 digests so a Redis dump never reveals a
// usable code.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nyaruka/phonenumbers"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/errs"
)

const (
	otpLength      = 6
	otpTTL         = 5 * time.Minute
	otpCooldown    = time.Minute
	maxOtpAttempts = 3
)

// Sender delivers a one-time code to a phone number. Production wires
// an SMS gateway; development logs the code.
type Sender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// LogSender writes codes to the service log. Development only.
type LogSender struct {
	Log *logrus.Entry
}

func (s *LogSender) SendCode(_ context.Context, phone, code string) error {
	s.Log.WithFields(logrus.Fields{"phone": phone, "code": code}).Info("otp code issued")
	return nil
}

// NormalizePhone parses and formats a phone number as E.164. Numbers
// without a country prefix are rejected.
func NormalizePhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", errs.Wrap(err, errs.CodeValidation, "invalid phone number")
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errs.New(errs.CodeValidation, "invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

type otpStore struct {
	rdb redis.UniversalClient
}

func otpKey(phone string) string      { return "otp:code:" + phone }
func cooldownKey(phone string) string { return "otp:cooldown:" + phone }
func attemptsKey(phone string) string { return "otp:attempts:" + phone }

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpLength, n), nil
}

// issue stores a fresh hashed code, enforcing the per-phone cooldown.
func (s *otpStore) issue(ctx context.Context, phone string) (string, error) {
	ok, err := s.rdb.SetNX(ctx, cooldownKey(phone), "1", otpCooldown).Result()
	if err != nil {
		return "", errs.Wrap(err, errs.CodeInternal, "otp store unavailable")
	}
	if !ok {
		return "", errs.New(errs.CodeRateLimited, "code already sent, wait before requesting another")
	}

	code, err := generateCode()
	if err != nil {
		return "", errs.Wrap(err, errs.CodeInternal, "could not generate code")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, otpKey(phone), hashCode(code), otpTTL)
	pipe.Del(ctx, attemptsKey(phone))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.Wrap(err, errs.CodeInternal, "otp store unavailable")
	}
	return code, nil
}

// verify checks the submitted code and consumes it on success. Each
// failure burns an attempt; the code is destroyed after maxOtpAttempts.
func (s *otpStore) verify(ctx context.Context, phone, code string) error {
	stored, err := s.rdb.Get(ctx, otpKey(phone)).Result()
	if err == redis.Nil {
		return errs.New(errs.CodeInvalidOTP, "code expired or not requested")
	}
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "otp store unavailable")
	}

	attempts, err := s.rdb.Incr(ctx, attemptsKey(phone)).Result()
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "otp store unavailable")
	}
	if attempts == 1 {
		s.rdb.Expire(ctx, attemptsKey(phone), otpTTL)
	}
	if attempts > maxOtpAttempts {
		s.rdb.Del(ctx, otpKey(phone))
		return errs.New(errs.CodeInvalidOTP, "too many attempts, request a new code")
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashCode(code))) != 1 {
		return errs.New(errs.CodeInvalidOTP, "incorrect code")
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, otpKey(phone))
	pipe.Del(ctx, attemptsKey(phone))
	pipe.Del(ctx, cooldownKey(phone))
	_, _ = pipe.Exec(ctx)
	return nil
}
