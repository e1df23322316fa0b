// Package chain is the typed facade over the Solana RPC used by the
// payment pipeline: SPL transfers with associated token account
// creation, balance reads, signature status queries, fee estimation and
// confirmation waits. Submission paths retry on transient RPC failures
// only (see retry.go).
package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/errs"
)

const (
	// Fallback fee estimates when the RPC cannot price the message.
	defaultFeeLamports = 5_000
	// Includes rent for creating the recipient's token account.
	feeWithATALamports = 2_044_280

	confirmationPollInterval = 500 * time.Millisecond
)

// TxDetails is the settled view of a submitted transaction.
type TxDetails struct {
	Slot      uint64
	BlockTime *time.Time
	Fee       uint64
	Success   bool
}

// Client is the chain surface consumed by the engine, cache and monitor.
type Client interface {
	GenerateKeypair() (pub string, secret []byte, err error)
	TransferToken(ctx context.Context, secret []byte, recipient string, amount decimal.Decimal, tok Token) (signature string, err error)
	GetTokenBalance(ctx context.Context, pub string, tok Token) (decimal.Decimal, error)
	GetSolBalance(ctx context.Context, pub string) (decimal.Decimal, error)
	EnsureATA(ctx context.Context, walletPub string, tok Token, payerSecret []byte) error
	IsConfirmed(ctx context.Context, signature string) (bool, error)
	GetTxDetails(ctx context.Context, signature string) (*TxDetails, error)
	EstimateTransferFee(ctx context.Context, sender, recipient string, tok Token) (uint64, error)
	WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) (bool, error)
}

// rpcAPI is the subset of the solana-go RPC client the facade uses.
// *rpc.Client satisfies it; tests substitute a fake.
type rpcAPI interface {
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
}

// Config configures the Solana client.
type Config struct {
	RpcURL     string
	UseDevnet  bool
	Commitment string
}

type solanaClient struct {
	rpc        rpcAPI
	devnet     bool
	commitment rpc.CommitmentType
	log        *logrus.Entry
}

// New builds the Solana chain client.
func New(cfg Config, log *logrus.Entry) Client {
	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "processed":
		commitment = rpc.CommitmentProcessed
	case "finalized":
		commitment = rpc.CommitmentFinalized
	}
	return &solanaClient{
		rpc:        rpc.New(cfg.RpcURL),
		devnet:     cfg.UseDevnet,
		commitment: commitment,
		log:        log,
	}
}

// newWithRPC is used by tests.
func newWithRPC(api rpcAPI, devnet bool, log *logrus.Entry) *solanaClient {
	return &solanaClient{rpc: api, devnet: devnet, commitment: rpc.CommitmentConfirmed, log: log}
}

func (c *solanaClient) GenerateKeypair() (string, []byte, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", nil, fmt.Errorf("chain: generate keypair: %w", err)
	}
	return priv.PublicKey().String(), []byte(priv), nil
}

// ValidateAddress checks base58 syntax and length for an external
// Solana address.
func ValidateAddress(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return errs.Newf(errs.CodeValidation, "address must be 32-44 characters, got %d", len(addr))
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return errs.Wrap(err, errs.CodeValidation, "address is not valid base58")
	}
	if len(raw) != solana.PublicKeyLength {
		return errs.Newf(errs.CodeValidation, "address must decode to %d bytes, got %d", solana.PublicKeyLength, len(raw))
	}
	return nil
}

func (c *solanaClient) TransferToken(ctx context.Context, secret []byte, recipient string, amount decimal.Decimal, tok Token) (string, error) {
	if !amount.IsPositive() {
		return "", errs.New(errs.CodeValidation, "amount must be positive")
	}
	if err := ValidateAddress(recipient); err != nil {
		return "", err
	}
	if len(secret) != 64 {
		return "", errs.New(errs.CodeValidation, "sender secret must be 64 bytes")
	}

	priv := solana.PrivateKey(secret)
	sender := priv.PublicKey()
	recipientPub := solana.MustPublicKeyFromBase58(recipient)
	mint := tok.Mint(c.devnet)

	sourceATA, _, err := solana.FindAssociatedTokenAddress(sender, mint)
	if err != nil {
		return "", fmt.Errorf("chain: derive source ata: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipientPub, mint)
	if err != nil {
		return "", fmt.Errorf("chain: derive destination ata: %w", err)
	}

	rawAmount := ToRawAmount(amount)
	rawBalance := c.rawTokenBalance(ctx, sourceATA)
	if rawBalance < rawAmount {
		return "", errs.New(errs.CodeInsufficientBalance, "insufficient token balance").WithDetails(map[string]interface{}{
			"requested": amount.String(),
			"available": FromRawAmount(rawBalance).String(),
			"token":     string(tok),
		})
	}

	destExists, err := c.accountExists(ctx, destATA)
	if err != nil {
		return "", errs.Wrap(err, errs.CodeChainError, "check destination token account")
	}

	var sig solana.Signature
	submit := func() error {
		blockhash, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
		if err != nil {
			return fmt.Errorf("get blockhash: %w", err)
		}

		var instructions []solana.Instruction
		if !destExists {
			// Sender pays rent for the recipient's token account.
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(
				sender,
				recipientPub,
				mint,
			).Build())
		}
		instructions = append(instructions, token.NewTransferCheckedInstruction(
			rawAmount,
			TokenDecimals,
			sourceATA,
			mint,
			destATA,
			sender,
			[]solana.PublicKey{},
		).Build())

		tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(sender))
		if err != nil {
			return fmt.Errorf("build transaction: %w", err)
		}
		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(sender) {
				return &priv
			}
			return nil
		}); err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}

		sig, err = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return fmt.Errorf("send transaction: %w", err)
		}
		return nil
	}

	if err := withSubmitRetry(ctx, submit); err != nil {
		return "", errs.Wrap(err, errs.CodeChainError, "submit transfer")
	}

	c.log.WithFields(logrus.Fields{
		"signature": sig.String(),
		"token":     string(tok),
		"amount":    amount.String(),
	}).Info("token transfer submitted")
	return sig.String(), nil
}

func (c *solanaClient) GetTokenBalance(ctx context.Context, pub string, tok Token) (decimal.Decimal, error) {
	owner, err := solana.PublicKeyFromBase58(pub)
	if err != nil {
		return decimal.Zero, errs.Wrap(err, errs.CodeValidation, "parse public key")
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, tok.Mint(c.devnet))
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: derive ata: %w", err)
	}
	// Missing accounts and lookup failures both read as zero; the cache
	// layer owns staleness, the chain owns truth.
	return FromRawAmount(c.rawTokenBalance(ctx, ata)), nil
}

func (c *solanaClient) rawTokenBalance(ctx context.Context, ata solana.PublicKey) uint64 {
	res, err := c.rpc.GetTokenAccountBalance(ctx, ata, c.commitment)
	if err != nil || res == nil || res.Value == nil {
		return 0
	}
	raw, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return raw
}

func (c *solanaClient) GetSolBalance(ctx context.Context, pub string) (decimal.Decimal, error) {
	owner, err := solana.PublicKeyFromBase58(pub)
	if err != nil {
		return decimal.Zero, errs.Wrap(err, errs.CodeValidation, "parse public key")
	}
	res, err := c.rpc.GetBalance(ctx, owner, c.commitment)
	if err != nil {
		return decimal.Zero, errs.Wrap(err, errs.CodeChainError, "get sol balance")
	}
	return LamportsToSOL(res.Value), nil
}

func (c *solanaClient) EnsureATA(ctx context.Context, walletPub string, tok Token, payerSecret []byte) error {
	owner, err := solana.PublicKeyFromBase58(walletPub)
	if err != nil {
		return errs.Wrap(err, errs.CodeValidation, "parse public key")
	}
	mint := tok.Mint(c.devnet)
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return fmt.Errorf("chain: derive ata: %w", err)
	}

	exists, err := c.accountExists(ctx, ata)
	if err != nil {
		return errs.Wrap(err, errs.CodeChainError, "check token account")
	}
	if exists {
		return nil
	}
	if len(payerSecret) != 64 {
		return errs.New(errs.CodeValidation, "payer secret required to create token account")
	}

	payer := solana.PrivateKey(payerSecret)
	submit := func() error {
		blockhash, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
		if err != nil {
			return fmt.Errorf("get blockhash: %w", err)
		}
		ix := associatedtokenaccount.NewCreateInstruction(payer.PublicKey(), owner, mint).Build()
		tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash.Value.Blockhash, solana.TransactionPayer(payer.PublicKey()))
		if err != nil {
			return fmt.Errorf("build transaction: %w", err)
		}
		if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(payer.PublicKey()) {
				return &payer
			}
			return nil
		}); err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		if _, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		}); err != nil {
			return fmt.Errorf("send transaction: %w", err)
		}
		return nil
	}
	if err := withSubmitRetry(ctx, submit); err != nil {
		return errs.Wrap(err, errs.CodeChainError, "create token account")
	}
	return nil
}

func (c *solanaClient) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	res, err := c.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return res != nil && res.Value != nil, nil
}

func (c *solanaClient) IsConfirmed(ctx context.Context, signature string) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, errs.Wrap(err, errs.CodeValidation, "parse signature")
	}
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, errs.Wrap(err, errs.CodeChainError, "get signature status")
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	status := res.Value[0].ConfirmationStatus
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized, nil
}

func (c *solanaClient) GetTxDetails(ctx context.Context, signature string) (*TxDetails, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeValidation, "parse signature")
	}
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{Commitment: c.commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, errs.Wrap(err, errs.CodeChainError, "get transaction")
	}
	if res == nil {
		return nil, nil
	}

	details := &TxDetails{Slot: res.Slot, Success: true}
	if res.BlockTime != nil {
		t := res.BlockTime.Time()
		details.BlockTime = &t
	}
	if res.Meta != nil {
		details.Fee = res.Meta.Fee
		details.Success = res.Meta.Err == nil
	}
	return details, nil
}

func (c *solanaClient) EstimateTransferFee(ctx context.Context, sender, recipient string, tok Token) (uint64, error) {
	senderPub, err := solana.PublicKeyFromBase58(sender)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeValidation, "parse sender")
	}
	recipientPub, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeValidation, "parse recipient")
	}
	mint := tok.Mint(c.devnet)

	sourceATA, _, err := solana.FindAssociatedTokenAddress(senderPub, mint)
	if err != nil {
		return 0, fmt.Errorf("chain: derive source ata: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipientPub, mint)
	if err != nil {
		return 0, fmt.Errorf("chain: derive destination ata: %w", err)
	}

	destExists, err := c.accountExists(ctx, destATA)
	if err != nil {
		destExists = true // assume cheapest path when the lookup fails
	}
	fallback := uint64(defaultFeeLamports)
	if !destExists {
		fallback = feeWithATALamports
	}

	blockhash, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return fallback, nil
	}

	var instructions []solana.Instruction
	if !destExists {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(senderPub, recipientPub, mint).Build())
	}
	instructions = append(instructions, token.NewTransferCheckedInstruction(
		1, TokenDecimals, sourceATA, mint, destATA, senderPub, []solana.PublicKey{},
	).Build())

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(senderPub))
	if err != nil {
		return fallback, nil
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fallback, nil
	}
	res, err := c.rpc.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msg), c.commitment)
	if err != nil || res == nil || res.Value == nil {
		return fallback, nil
	}
	return *res.Value, nil
}

func (c *solanaClient) WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		confirmed, err := c.IsConfirmed(ctx, signature)
		if err == nil && confirmed {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
