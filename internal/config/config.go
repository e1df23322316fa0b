// Package config loads service configuration from file and environment.
// Environment overrides use double-underscore separators, e.g.
// Database__ConnectionString overrides Database.ConnectionString.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KMS provider names accepted in KeyManagement.Provider.
const (
	ProviderLocal         = "Local"
	ProviderAwsKms        = "AwsKms"
	ProviderAzureKeyVault = "AzureKeyVault"
)

// Config is the root configuration tree.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Solana      SolanaConfig
	KeyMgmt     KeyManagementConfig
	JWT         JWTConfig
	RateLimit   RateLimitConfig
	Payments    PaymentsConfig
	HTTP        HTTPConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
}

type RedisConfig struct {
	ConnectionString string
}

type SolanaConfig struct {
	RpcUrl     string
	UseDevnet  bool
	Commitment string
}

type KeyManagementConfig struct {
	Provider string

	// Local provider: base64 of a 32-byte symmetric master key.
	LocalDevelopmentKey string

	// Azure Key Vault provider.
	AzureKeyVaultUri string
	AzureKeyName     string

	// AWS KMS provider.
	AwsKmsKeyId string
	AwsRegion   string
}

type JWTConfig struct {
	Secret        string
	Issuer        string
	Audience      string
	ExpiryMinutes int
}

type RateLimitConfig struct {
	TransferPerMinute   int
	OtpRequestPerHour   int
	OtpVerifyPerHour    int
	WindowSeconds       int
	OtpRequestCooldown  time.Duration
	OtpMaxVerifyAttempt int
}

type PaymentsConfig struct {
	MinAmount           string
	MaxAmount           string
	RequireWhitelist    bool
	DefaultDailyLimit   string
	DefaultMonthlyLimit string
}

type HTTPConfig struct {
	ListenAddr string
}

// Load reads appsettings.yaml (optional) and the environment, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("appsettings")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Environment: v.GetString("Environment"),
		Logging: LoggingConfig{
			Level:  v.GetString("Logging.Level"),
			Format: v.GetString("Logging.Format"),
		},
		Database: DatabaseConfig{
			ConnectionString: v.GetString("Database.ConnectionString"),
			MaxOpenConns:     v.GetInt("Database.MaxOpenConns"),
			MaxIdleConns:     v.GetInt("Database.MaxIdleConns"),
		},
		Redis: RedisConfig{
			ConnectionString: v.GetString("Redis.ConnectionString"),
		},
		Solana: SolanaConfig{
			RpcUrl:     v.GetString("Solana.RpcUrl"),
			UseDevnet:  v.GetBool("Solana.UseDevnet"),
			Commitment: v.GetString("Solana.Commitment"),
		},
		KeyMgmt: KeyManagementConfig{
			Provider:            v.GetString("KeyManagement.Provider"),
			LocalDevelopmentKey: v.GetString("KeyManagement.LocalDevelopmentKey"),
			AzureKeyVaultUri:    v.GetString("KeyManagement.AzureKeyVaultUri"),
			AzureKeyName:        v.GetString("KeyManagement.AzureKeyName"),
			AwsKmsKeyId:         v.GetString("KeyManagement.AwsKmsKeyId"),
			AwsRegion:           v.GetString("KeyManagement.AwsRegion"),
		},
		JWT: JWTConfig{
			Secret:        v.GetString("Jwt.Secret"),
			Issuer:        v.GetString("Jwt.Issuer"),
			Audience:      v.GetString("Jwt.Audience"),
			ExpiryMinutes: v.GetInt("Jwt.ExpiryMinutes"),
		},
		RateLimit: RateLimitConfig{
			TransferPerMinute:   v.GetInt("RateLimit.TransferPerMinute"),
			OtpRequestPerHour:   v.GetInt("RateLimit.OtpRequestPerHour"),
			OtpVerifyPerHour:    v.GetInt("RateLimit.OtpVerifyPerHour"),
			WindowSeconds:       v.GetInt("RateLimit.WindowSeconds"),
			OtpRequestCooldown:  v.GetDuration("RateLimit.OtpRequestCooldown"),
			OtpMaxVerifyAttempt: v.GetInt("RateLimit.OtpMaxVerifyAttempts"),
		},
		Payments: PaymentsConfig{
			MinAmount:           v.GetString("Payments.MinAmount"),
			MaxAmount:           v.GetString("Payments.MaxAmount"),
			RequireWhitelist:    v.GetBool("Payments.RequireWhitelist"),
			DefaultDailyLimit:   v.GetString("Payments.DefaultDailyLimit"),
			DefaultMonthlyLimit: v.GetString("Payments.DefaultMonthlyLimit"),
		},
		HTTP: HTTPConfig{
			ListenAddr: v.GetString("Http.ListenAddr"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Environment", "development")
	v.SetDefault("Logging.Level", "info")
	v.SetDefault("Logging.Format", "json")
	v.SetDefault("Database.MaxOpenConns", 25)
	v.SetDefault("Database.MaxIdleConns", 5)
	v.SetDefault("Redis.ConnectionString", "redis://localhost:6379/0")
	v.SetDefault("Solana.RpcUrl", "https://api.devnet.solana.com")
	v.SetDefault("Solana.UseDevnet", true)
	v.SetDefault("Solana.Commitment", "confirmed")
	v.SetDefault("KeyManagement.Provider", ProviderLocal)
	v.SetDefault("Jwt.Issuer", "pingpay")
	v.SetDefault("Jwt.Audience", "pingpay-api")
	v.SetDefault("Jwt.ExpiryMinutes", 60)
	v.SetDefault("RateLimit.TransferPerMinute", 10)
	v.SetDefault("RateLimit.OtpRequestPerHour", 5)
	v.SetDefault("RateLimit.OtpVerifyPerHour", 15)
	v.SetDefault("RateLimit.WindowSeconds", 60)
	v.SetDefault("RateLimit.OtpRequestCooldown", time.Minute)
	v.SetDefault("RateLimit.OtpMaxVerifyAttempts", 3)
	v.SetDefault("Payments.MinAmount", "0.01")
	v.SetDefault("Payments.MaxAmount", "10000")
	v.SetDefault("Payments.RequireWhitelist", false)
	v.SetDefault("Payments.DefaultDailyLimit", "1000")
	v.SetDefault("Payments.DefaultMonthlyLimit", "10000")
	v.SetDefault("Http.ListenAddr", ":8080")
}

func (c *Config) validate() error {
	switch c.KeyMgmt.Provider {
	case ProviderLocal:
		if c.KeyMgmt.LocalDevelopmentKey == "" {
			return fmt.Errorf("config: KeyManagement.LocalDevelopmentKey is required for the Local provider")
		}
		key, err := base64.StdEncoding.DecodeString(c.KeyMgmt.LocalDevelopmentKey)
		if err != nil {
			return fmt.Errorf("config: KeyManagement.LocalDevelopmentKey is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("config: KeyManagement.LocalDevelopmentKey must decode to 32 bytes, got %d", len(key))
		}
	case ProviderAwsKms:
		if c.KeyMgmt.AwsKmsKeyId == "" || c.KeyMgmt.AwsRegion == "" {
			return fmt.Errorf("config: AwsKmsKeyId and AwsRegion are required for the AwsKms provider")
		}
	case ProviderAzureKeyVault:
		if c.KeyMgmt.AzureKeyVaultUri == "" || c.KeyMgmt.AzureKeyName == "" {
			return fmt.Errorf("config: AzureKeyVaultUri and AzureKeyName are required for the AzureKeyVault provider")
		}
	default:
		return fmt.Errorf("config: unknown KeyManagement.Provider %q", c.KeyMgmt.Provider)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("config: Jwt.Secret is required")
	}
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("config: Database.ConnectionString is required")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
