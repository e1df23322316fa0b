package kms

import (
	"fmt"

	"github.com/pingpay/pingpay/internal/config"
)

// NewProvider builds the provider selected by configuration.
func NewProvider(cfg config.KeyManagementConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderLocal:
		return NewLocal(cfg.LocalDevelopmentKey)
	case config.ProviderAwsKms:
		return NewAwsKms(cfg.AwsKmsKeyId, cfg.AwsRegion)
	case config.ProviderAzureKeyVault:
		return NewAzureKeyVault(cfg.AzureKeyVaultUri, cfg.AzureKeyName)
	default:
		return nil, fmt.Errorf("kms: unknown provider %q", cfg.Provider)
	}
}
