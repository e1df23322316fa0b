package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// LocalKeyVersion is the fixed version id the local provider reports.
const LocalKeyVersion = "local-v1"

// localWrapper wraps DEKs with a 32-byte symmetric master key loaded
// from configuration. Development and testing only; the master key
// lives in process memory.
type localWrapper struct {
	masterKey []byte
}

// NewLocal builds the local development provider from a base64 32-byte key.
func NewLocal(masterKeyBase64 string) (Provider, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("kms: decode local master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("kms: local master key must be 32 bytes, got %d", len(key))
	}
	return &envelope{wrapper: &localWrapper{masterKey: key}}, nil
}

func (w *localWrapper) generateDEK(_ context.Context) ([]byte, []byte, string, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, "", fmt.Errorf("kms: generate dek: %w", err)
	}
	gcm, err := w.gcm()
	if err != nil {
		return nil, nil, "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, "", fmt.Errorf("kms: generate wrap nonce: %w", err)
	}
	// wrapped = nonce | ciphertext | tag
	return dek, gcm.Seal(nonce, nonce, dek, nil), LocalKeyVersion, nil
}

func (w *localWrapper) unwrapDEK(_ context.Context, wrapped []byte, keyVersion string) ([]byte, error) {
	if keyVersion != LocalKeyVersion {
		return nil, fmt.Errorf("kms: unknown local key version %q", keyVersion)
	}
	gcm, err := w.gcm()
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, fmt.Errorf("kms: wrapped dek truncated")
	}
	nonce, ct := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func (w *localWrapper) currentKeyVersion(context.Context) (string, error) {
	return LocalKeyVersion, nil
}

func (w *localWrapper) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(w.masterKey)
	if err != nil {
		return nil, fmt.Errorf("kms: init master cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
