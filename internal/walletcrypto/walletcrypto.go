// Package walletcrypto manages custodial wallet key material: Ed25519
// keypair generation, envelope encryption of the secret key via the KMS
// provider, rotation and integrity validation.
//
// The encrypted plaintext is a fixed 93-byte payload binding the secret
// to its owner:
//
//	magic "PPWK" (4) | version u8 (1) | unix seconds i64 LE (8) |
//	user id (16) | secret key (64)
//
// The user binding prevents a row swap in the wallet table from yielding
// a usable secret for the wrong owner, even when both blobs decrypt
// under the same master key.
package walletcrypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/errs"
	"github.com/pingpay/pingpay/internal/kms"
)

const (
	// Magic identifies a wallet payload.
	Magic = "PPWK"

	// PayloadVersion is the only supported payload layout.
	PayloadVersion = 1

	// SecretKeySize is the Ed25519 expanded secret key length.
	SecretKeySize = 64

	payloadSize = 4 + 1 + 8 + 16 + SecretKeySize // 93
)

// Failure taxonomy. All are surfaced under errs.CodeCryptoAuth; callers
// distinguish with errors.Is.
var (
	ErrWalletInvalid      = errors.New("walletcrypto: wallet record invalid")
	ErrDecryptionFailed   = errors.New("walletcrypto: decryption failed")
	ErrInvalidPayload     = errors.New("walletcrypto: invalid payload")
	ErrUnsupportedVersion = errors.New("walletcrypto: unsupported payload version")
	ErrUserMismatch       = errors.New("walletcrypto: payload bound to different user")
	ErrKeyMismatch        = errors.New("walletcrypto: secret does not derive stored public key")
)

// Material is the persisted custody state of one wallet.
type Material struct {
	UserID              uuid.UUID
	PublicKey           string
	EncryptedPrivateKey string
	KeyVersion          string
	KeyAlgorithm        string
}

// Service implements wallet key custody on top of a KMS provider.
type Service struct {
	kms kms.Provider
	log *logrus.Entry
}

// New builds the wallet crypto service.
func New(provider kms.Provider, log *logrus.Entry) *Service {
	return &Service{kms: provider, log: log}
}

// Generate creates a fresh Ed25519 keypair for userID and returns the
// encrypted material. The plaintext secret is zeroed before return.
func (s *Service) Generate(ctx context.Context, userID uuid.UUID) (*Material, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeInternal, "generate keypair")
	}
	defer kms.Zeroize(priv)

	payload := encodePayload(userID, time.Now().UTC(), priv)
	defer kms.Zeroize(payload)

	blob, keyVersion, err := s.kms.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return &Material{
		UserID:              userID,
		PublicKey:           solana.PublicKeyFromBytes(pub).String(),
		EncryptedPrivateKey: blob,
		KeyVersion:          keyVersion,
		KeyAlgorithm:        kms.Algorithm,
	}, nil
}

// Decrypt returns the 64-byte secret key of the wallet. The caller owns
// the returned slice and must zero it on every exit path; prefer
// WithSecret, which scopes the acquisition.
func (s *Service) Decrypt(ctx context.Context, m *Material) ([]byte, error) {
	if m == nil || m.EncryptedPrivateKey == "" || m.KeyVersion == "" {
		return nil, errs.Wrap(ErrWalletInvalid, errs.CodeCryptoAuth, "decrypt wallet")
	}

	payload, err := s.kms.Decrypt(ctx, m.EncryptedPrivateKey, m.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer kms.Zeroize(payload)

	secret, userID, err := decodePayload(payload)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCryptoAuth, "decode wallet payload")
	}
	if userID != m.UserID {
		kms.Zeroize(secret)
		return nil, errs.Wrap(ErrUserMismatch, errs.CodeCryptoAuth, "decrypt wallet")
	}

	// The expanded secret embeds the public key; cross-check it against
	// the stored address before handing the secret out.
	derived := solana.PublicKeyFromBytes(secret[32:]).String()
	if derived != m.PublicKey {
		kms.Zeroize(secret)
		return nil, errs.Wrap(ErrKeyMismatch, errs.CodeCryptoAuth, "decrypt wallet")
	}
	return secret, nil
}

// WithSecret decrypts the wallet, runs fn with the secret and zeroes the
// secret before returning, whatever path fn takes.
func (s *Service) WithSecret(ctx context.Context, m *Material, fn func(secret []byte) error) error {
	secret, err := s.Decrypt(ctx, m)
	if err != nil {
		return err
	}
	defer kms.Zeroize(secret)
	return fn(secret)
}

// Rotate re-encrypts the wallet under the current master key version.
// The keypair, and therefore the public key, does not change.
func (s *Service) Rotate(ctx context.Context, m *Material) (*Material, error) {
	secret, err := s.Decrypt(ctx, m)
	if err != nil {
		return nil, err
	}
	defer kms.Zeroize(secret)

	payload := encodePayload(m.UserID, time.Now().UTC(), secret)
	defer kms.Zeroize(payload)

	blob, keyVersion, err := s.kms.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return &Material{
		UserID:              m.UserID,
		PublicKey:           m.PublicKey,
		EncryptedPrivateKey: blob,
		KeyVersion:          keyVersion,
		KeyAlgorithm:        kms.Algorithm,
	}, nil
}

// Validate reports whether the wallet decrypts cleanly. Used by the
// weekly encryption sweep.
func (s *Service) Validate(ctx context.Context, m *Material) bool {
	secret, err := s.Decrypt(ctx, m)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"user_id":     m.UserID,
			"key_version": m.KeyVersion,
		}).Warn("wallet failed encryption validation")
		return false
	}
	kms.Zeroize(secret)
	return true
}

func encodePayload(userID uuid.UUID, ts time.Time, secret []byte) []byte {
	buf := make([]byte, 0, payloadSize)
	buf = append(buf, Magic...)
	buf = append(buf, PayloadVersion)
	var sec [8]byte
	binary.LittleEndian.PutUint64(sec[:], uint64(ts.Unix()))
	buf = append(buf, sec[:]...)
	buf = append(buf, userID[:]...)
	buf = append(buf, secret[:SecretKeySize]...)
	return buf
}

func decodePayload(payload []byte) (secret []byte, userID uuid.UUID, err error) {
	if len(payload) != payloadSize {
		return nil, uuid.Nil, ErrInvalidPayload
	}
	if !bytes.Equal(payload[:4], []byte(Magic)) {
		return nil, uuid.Nil, ErrInvalidPayload
	}
	if payload[4] != PayloadVersion {
		return nil, uuid.Nil, ErrUnsupportedVersion
	}
	copy(userID[:], payload[13:29])
	secret = make([]byte, SecretKeySize)
	copy(secret, payload[29:])
	return secret, userID, nil
}
