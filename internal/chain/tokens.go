package chain

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/pingpay/pingpay/internal/errs"
)

// Token is a supported SPL stablecoin.
type Token string

const (
	TokenUSDC Token = "USDC"
	TokenUSDT Token = "USDT"

	// TokenDecimals applies to both supported tokens.
	TokenDecimals = 6
)

// SPL mint addresses.
const (
	usdcMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	usdtMainnetMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	usdcDevnetMint  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	usdtDevnetMint  = "EJwZgeZrdC8TXTQbQBoL6bfuAnFUUy1PVCMB4DYPzVaS"
)

// ParseToken validates a token symbol.
func ParseToken(s string) (Token, error) {
	switch Token(strings.ToUpper(s)) {
	case TokenUSDC:
		return TokenUSDC, nil
	case TokenUSDT:
		return TokenUSDT, nil
	default:
		return "", errs.Newf(errs.CodeValidation, "unsupported token %q", s)
	}
}

// Mint returns the token's mint address for the configured network.
func (t Token) Mint(devnet bool) solana.PublicKey {
	switch t {
	case TokenUSDC:
		if devnet {
			return solana.MustPublicKeyFromBase58(usdcDevnetMint)
		}
		return solana.MustPublicKeyFromBase58(usdcMainnetMint)
	case TokenUSDT:
		if devnet {
			return solana.MustPublicKeyFromBase58(usdtDevnetMint)
		}
		return solana.MustPublicKeyFromBase58(usdtMainnetMint)
	}
	panic(fmt.Sprintf("chain: unknown token %q", string(t)))
}

// ToRawAmount converts a user-facing decimal amount to raw token units.
func ToRawAmount(amount decimal.Decimal) uint64 {
	return amount.Shift(TokenDecimals).Round(0).BigInt().Uint64()
}

// FromRawAmount converts raw token units to a user-facing decimal.
func FromRawAmount(raw uint64) decimal.Decimal {
	return decimal.NewFromUint64(raw).Shift(-TokenDecimals)
}

// LamportsToSOL converts lamports to a decimal SOL amount.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-9)
}
