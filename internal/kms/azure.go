package kms

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
)

// azureKeyClient is the subset of azkeys.Client the wrapper needs.
type azureKeyClient interface {
	WrapKey(ctx context.Context, name, version string, parameters azkeys.KeyOperationParameters, options *azkeys.WrapKeyOptions) (azkeys.WrapKeyResponse, error)
	UnwrapKey(ctx context.Context, name, version string, parameters azkeys.KeyOperationParameters, options *azkeys.UnwrapKeyOptions) (azkeys.UnwrapKeyResponse, error)
	GetKey(ctx context.Context, name, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
}

// azureWrapper wraps DEKs with an RSA key held in Azure Key Vault using
// RSA-OAEP-256. keyVersion is the vault's key version identifier.
type azureWrapper struct {
	client  azureKeyClient
	keyName string
}

// NewAzureKeyVault builds the Azure Key Vault provider using the
// ambient credential chain (managed identity, environment, CLI).
func NewAzureKeyVault(vaultURI, keyName string) (Provider, error) {
	if vaultURI == "" || keyName == "" {
		return nil, fmt.Errorf("kms: azure vault uri and key name are required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("kms: init azure credential: %w", err)
	}
	client, err := azkeys.NewClient(vaultURI, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("kms: init azure key client: %w", err)
	}
	return &envelope{wrapper: &azureWrapper{client: client, keyName: keyName}}, nil
}

// newAzureKeyVaultWithClient is used by tests to inject a fake vault.
func newAzureKeyVaultWithClient(client azureKeyClient, keyName string) Provider {
	return &envelope{wrapper: &azureWrapper{client: client, keyName: keyName}}
}

func (w *azureWrapper) generateDEK(ctx context.Context) ([]byte, []byte, string, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, "", fmt.Errorf("kms: generate dek: %w", err)
	}

	// Empty version wraps with the key's current version; the response
	// KID carries the version actually used.
	resp, err := w.client.WrapKey(ctx, w.keyName, "", azkeys.KeyOperationParameters{
		Algorithm: to.Ptr(azkeys.EncryptionAlgorithmRSAOAEP256),
		Value:     dek,
	}, nil)
	if err != nil {
		Zeroize(dek)
		return nil, nil, "", fmt.Errorf("kms: wrap data key: %w", err)
	}
	version := ""
	if resp.KID != nil {
		version = resp.KID.Version()
	}
	return dek, resp.Result, version, nil
}

func (w *azureWrapper) unwrapDEK(ctx context.Context, wrapped []byte, keyVersion string) ([]byte, error) {
	resp, err := w.client.UnwrapKey(ctx, w.keyName, keyVersion, azkeys.KeyOperationParameters{
		Algorithm: to.Ptr(azkeys.EncryptionAlgorithmRSAOAEP256),
		Value:     wrapped,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap data key: %w", err)
	}
	return resp.Result, nil
}

func (w *azureWrapper) currentKeyVersion(ctx context.Context) (string, error) {
	resp, err := w.client.GetKey(ctx, w.keyName, "", nil)
	if err != nil {
		return "", fmt.Errorf("kms: get key: %w", err)
	}
	if resp.Key == nil || resp.Key.KID == nil {
		return "", fmt.Errorf("kms: key %s has no identifier", w.keyName)
	}
	return resp.Key.KID.Version(), nil
}
