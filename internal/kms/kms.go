// Package kms implements envelope encryption rooted in an external key
// management service. Each Encrypt generates a fresh 256-bit data key
// (DEK), wraps it with the provider's master key and AES-256-GCM
// encrypts the plaintext under the DEK. The master key never leaves the
// provider boundary.
//
// Blob format, stable across providers (base64 of):
//
//	u32 LE dek_len | wrapped_dek | iv (12B) | ciphertext | tag (16B)
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/pingpay/pingpay/internal/errs"
)

const (
	// Algorithm is the data-layer cipher recorded on wallets.
	Algorithm = "AES-256-GCM"

	dekSize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Provider wraps and unwraps wallet blobs via a master key.
type Provider interface {
	// Encrypt envelope-encrypts plaintext. Returns the blob and the
	// provider's master key version identifier.
	Encrypt(ctx context.Context, plaintext []byte) (blob string, keyVersion string, err error)

	// Decrypt reverses Encrypt. keyVersion must match the version the
	// blob was produced with.
	Decrypt(ctx context.Context, blob string, keyVersion string) ([]byte, error)

	// CurrentKeyVersion reports the master key version new blobs will
	// be wrapped with.
	CurrentKeyVersion(ctx context.Context) (string, error)
}

// keyWrapper is the provider-specific part: producing a fresh wrapped
// DEK and unwrapping it later. Local and Azure generate the DEK in
// process and wrap it; AWS delegates generation to GenerateDataKey.
type keyWrapper interface {
	generateDEK(ctx context.Context) (plain, wrapped []byte, keyVersion string, err error)
	unwrapDEK(ctx context.Context, wrapped []byte, keyVersion string) ([]byte, error)
	currentKeyVersion(ctx context.Context) (string, error)
}

// envelope implements Provider on top of a keyWrapper.
type envelope struct {
	wrapper keyWrapper
}

func (e *envelope) Encrypt(ctx context.Context, plaintext []byte) (string, string, error) {
	dek, wrapped, keyVersion, err := e.wrapper.generateDEK(ctx)
	if err != nil {
		return "", "", errs.Wrap(err, errs.CodeCryptoAuth, "generate data key")
	}
	defer Zeroize(dek)
	if len(dek) != dekSize {
		return "", "", errs.Newf(errs.CodeCryptoAuth, "data key must be %d bytes, got %d", dekSize, len(dek))
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", "", fmt.Errorf("kms: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("kms: init gcm: %w", err)
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("kms: generate iv: %w", err)
	}

	// Seal appends the 16-byte tag to the ciphertext.
	sealed := gcm.Seal(nil, iv, plaintext, nil)

	return encodeBlob(wrapped, iv, sealed), keyVersion, nil
}

func (e *envelope) Decrypt(ctx context.Context, blob string, keyVersion string) ([]byte, error) {
	wrapped, iv, sealed, err := decodeBlob(blob)
	if err != nil {
		return nil, err
	}

	dek, err := e.wrapper.unwrapDEK(ctx, wrapped, keyVersion)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCryptoAuth, "unwrap data key")
	}
	defer Zeroize(dek)

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("kms: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: init gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCryptoAuth, "authenticate ciphertext")
	}
	return plaintext, nil
}

func (e *envelope) CurrentKeyVersion(ctx context.Context) (string, error) {
	return e.wrapper.currentKeyVersion(ctx)
}

func encodeBlob(wrapped, iv, sealed []byte) string {
	buf := make([]byte, 0, 4+len(wrapped)+len(iv)+len(sealed))
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(wrapped)))
	buf = append(buf, lenPrefix[:]...)
	buf = append(buf, wrapped...)
	buf = append(buf, iv...)
	buf = append(buf, sealed...)
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeBlob(blob string) (wrapped, iv, sealed []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, nil, nil, errs.Wrap(err, errs.CodeCryptoAuth, "decode blob")
	}
	if len(raw) < 4 {
		return nil, nil, nil, errs.New(errs.CodeCryptoAuth, "blob truncated")
	}
	dekLen := int(binary.LittleEndian.Uint32(raw[:4]))
	// sealed must carry at least the GCM tag
	if dekLen <= 0 || len(raw) < 4+dekLen+nonceSize+tagSize {
		return nil, nil, nil, errs.New(errs.CodeCryptoAuth, "blob truncated")
	}
	wrapped = raw[4 : 4+dekLen]
	iv = raw[4+dekLen : 4+dekLen+nonceSize]
	sealed = raw[4+dekLen+nonceSize:]
	return wrapped, iv, sealed, nil
}

// Zeroize overwrites sensitive byte material in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
