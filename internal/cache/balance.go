// Package cache is the short-TTL read-through balance cache in front of
// the chain client. Cached values are advisory; the chain remains the
// authoritative source and writers invalidate explicitly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pingpay/pingpay/internal/chain"
)

const (
	// TokenTTL bounds staleness of SPL token balances.
	TokenTTL = 30 * time.Second
	// SolTTL bounds staleness of SOL balances.
	SolTTL = 60 * time.Second

	// MinFeeSol is the default SOL floor for fee checks.
	MinFeeSol = "0.01"
)

// WalletBalances is the composed view returned by GetAllBalances.
type WalletBalances struct {
	USDC      decimal.Decimal `json:"usdc"`
	USDT      decimal.Decimal `json:"usdt"`
	SOL       decimal.Decimal `json:"sol"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

type entry struct {
	Balance   decimal.Decimal `json:"balance"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// BalanceCache reads balances through redis with explicit invalidation.
type BalanceCache struct {
	rdb   redis.UniversalClient
	chain chain.Client
	log   *logrus.Entry
}

// New builds the balance cache.
func New(rdb redis.UniversalClient, chainClient chain.Client, log *logrus.Entry) *BalanceCache {
	return &BalanceCache{rdb: rdb, chain: chainClient, log: log}
}

func tokenKey(pub string, tok chain.Token) string {
	return fmt.Sprintf("balance:token:%s:%s", tok, pub)
}

func solKey(pub string) string {
	return fmt.Sprintf("balance:sol:%s", pub)
}

// GetTokenBalance returns the cached token balance, fetching from the
// chain on miss or when force is set.
func (c *BalanceCache) GetTokenBalance(ctx context.Context, pub string, tok chain.Token, force bool) (decimal.Decimal, error) {
	key := tokenKey(pub, tok)
	if !force {
		if bal, ok := c.lookup(ctx, key); ok {
			return bal, nil
		}
	}

	bal, err := c.chain.GetTokenBalance(ctx, pub, tok)
	if err != nil {
		return decimal.Zero, err
	}
	c.store(ctx, key, bal, TokenTTL)
	return bal, nil
}

// GetSolBalance is the SOL counterpart of GetTokenBalance.
func (c *BalanceCache) GetSolBalance(ctx context.Context, pub string, force bool) (decimal.Decimal, error) {
	key := solKey(pub)
	if !force {
		if bal, ok := c.lookup(ctx, key); ok {
			return bal, nil
		}
	}

	bal, err := c.chain.GetSolBalance(ctx, pub)
	if err != nil {
		return decimal.Zero, err
	}
	c.store(ctx, key, bal, SolTTL)
	return bal, nil
}

// GetAllBalances fans out USDC, USDT and SOL reads in parallel.
func (c *BalanceCache) GetAllBalances(ctx context.Context, pub string, force bool) (*WalletBalances, error) {
	out := &WalletBalances{FetchedAt: time.Now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bal, err := c.GetTokenBalance(gctx, pub, chain.TokenUSDC, force)
		if err != nil {
			return err
		}
		out.USDC = bal
		return nil
	})
	g.Go(func() error {
		bal, err := c.GetTokenBalance(gctx, pub, chain.TokenUSDT, force)
		if err != nil {
			return err
		}
		out.USDT = bal
		return nil
	})
	g.Go(func() error {
		bal, err := c.GetSolBalance(gctx, pub, force)
		if err != nil {
			return err
		}
		out.SOL = bal
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops the given token's key, or all three keys when no
// token is given.
func (c *BalanceCache) Invalidate(ctx context.Context, pub string, tokens ...chain.Token) {
	keys := make([]string, 0, 3)
	if len(tokens) == 0 {
		keys = append(keys, tokenKey(pub, chain.TokenUSDC), tokenKey(pub, chain.TokenUSDT), solKey(pub))
	} else {
		for _, tok := range tokens {
			keys = append(keys, tokenKey(pub, tok))
		}
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).WithField("public_key", pub).Warn("balance cache invalidation failed")
	}
}

// CheckSufficientBalance reports whether the cached token balance covers
// required, together with the current balance.
func (c *BalanceCache) CheckSufficientBalance(ctx context.Context, pub string, required decimal.Decimal, tok chain.Token) (bool, decimal.Decimal, error) {
	bal, err := c.GetTokenBalance(ctx, pub, tok, false)
	if err != nil {
		return false, decimal.Zero, err
	}
	return bal.GreaterThanOrEqual(required), bal, nil
}

// CheckSufficientSolForFees reports whether the wallet holds at least
// min SOL (MinFeeSol when min is zero).
func (c *BalanceCache) CheckSufficientSolForFees(ctx context.Context, pub string, min decimal.Decimal) (bool, decimal.Decimal, error) {
	if min.IsZero() {
		min = decimal.RequireFromString(MinFeeSol)
	}
	bal, err := c.GetSolBalance(ctx, pub, false)
	if err != nil {
		return false, decimal.Zero, err
	}
	return bal.GreaterThanOrEqual(min), bal, nil
}

func (c *BalanceCache) lookup(ctx context.Context, key string) (decimal.Decimal, bool) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("key", key).Warn("balance cache read failed")
		}
		return decimal.Zero, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return decimal.Zero, false
	}
	return e.Balance, true
}

func (c *BalanceCache) store(ctx context.Context, key string, bal decimal.Decimal, ttl time.Duration) {
	raw, err := json.Marshal(entry{Balance: bal, FetchedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("balance cache write failed")
	}
}
