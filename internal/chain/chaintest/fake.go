// Package chaintest provides a scriptable chain.Client for tests.
package chaintest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pingpay/pingpay/internal/chain"
)

// Fake is an in-memory chain.Client. Balances and transaction details
// are keyed by public key and signature; every field may be mutated
// between calls. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	TokenBalances map[string]decimal.Decimal // key: pub|token
	SolBalances   map[string]decimal.Decimal
	Details       map[string]*chain.TxDetails
	Confirmed     map[string]bool

	NextSignature string
	TransferErr   error
	TransferErrs  []error // consumed one per call before TransferErr
	FeeLamports   uint64

	TransferCalls  int
	BalanceCalls   int
	EnsureATACalls int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		TokenBalances: make(map[string]decimal.Decimal),
		SolBalances:   make(map[string]decimal.Decimal),
		Details:       make(map[string]*chain.TxDetails),
		Confirmed:     make(map[string]bool),
		NextSignature: "FAKESIG",
		FeeLamports:   5000,
	}
}

// SetTokenBalance scripts a token balance for pub.
func (f *Fake) SetTokenBalance(pub string, tok chain.Token, bal decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenBalances[pub+"|"+string(tok)] = bal
}

func (f *Fake) GenerateKeypair() (string, []byte, error) {
	return "FAKEPUB", make([]byte, 64), nil
}

func (f *Fake) TransferToken(_ context.Context, _ []byte, _ string, _ decimal.Decimal, _ chain.Token) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.TransferCalls
	f.TransferCalls++
	if call < len(f.TransferErrs) && f.TransferErrs[call] != nil {
		return "", f.TransferErrs[call]
	}
	if f.TransferErr != nil {
		return "", f.TransferErr
	}
	return f.NextSignature, nil
}

func (f *Fake) GetTokenBalance(_ context.Context, pub string, tok chain.Token) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BalanceCalls++
	return f.TokenBalances[pub+"|"+string(tok)], nil
}

func (f *Fake) GetSolBalance(_ context.Context, pub string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BalanceCalls++
	return f.SolBalances[pub], nil
}

func (f *Fake) EnsureATA(context.Context, string, chain.Token, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnsureATACalls++
	return nil
}

func (f *Fake) IsConfirmed(_ context.Context, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Confirmed[signature], nil
}

func (f *Fake) GetTxDetails(_ context.Context, signature string) (*chain.TxDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Details[signature], nil
}

func (f *Fake) EstimateTransferFee(context.Context, string, string, chain.Token) (uint64, error) {
	return f.FeeLamports, nil
}

func (f *Fake) WaitForConfirmation(ctx context.Context, signature string, _ time.Duration) (bool, error) {
	return f.IsConfirmed(ctx, signature)
}
