package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingpay/pingpay/internal/errs"
)

func newLimiter(t *testing.T, rules map[string]Rule) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, rules), mr
}

func TestAllowWithinBudget(t *testing.T) {
	l, _ := newLimiter(t, map[string]Rule{"send_payment": {Max: 3, Window: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "send_payment", "user-1"))
	}
	err := l.Allow(ctx, "send_payment", "user-1")
	assert.True(t, errs.IsCode(err, errs.CodeRateLimited))
}

func TestWindowRolls(t *testing.T) {
	l, mr := newLimiter(t, map[string]Rule{"request_otp": {Max: 1, Window: time.Minute}})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "request_otp", "+14155550100"))
	assert.True(t, errs.IsCode(l.Allow(ctx, "request_otp", "+14155550100"), errs.CodeRateLimited))

	mr.FastForward(time.Minute + time.Second)
	assert.NoError(t, l.Allow(ctx, "request_otp", "+14155550100"))
}

func TestSubjectsIsolated(t *testing.T) {
	l, _ := newLimiter(t, map[string]Rule{"send_payment": {Max: 1, Window: time.Minute}})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "send_payment", "user-1"))
	assert.NoError(t, l.Allow(ctx, "send_payment", "user-2"))
	assert.Error(t, l.Allow(ctx, "send_payment", "user-1"))
}

func TestUnknownActionUnlimited(t *testing.T) {
	l, _ := newLimiter(t, map[string]Rule{})
	for i := 0; i < 100; i++ {
		assert.NoError(t, l.Allow(context.Background(), "anything", "user-1"))
	}
}

func TestReset(t *testing.T) {
	l, _ := newLimiter(t, map[string]Rule{"verify_otp": {Max: 1, Window: time.Minute}})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "verify_otp", "+14155550100"))
	require.Error(t, l.Allow(ctx, "verify_otp", "+14155550100"))
	require.NoError(t, l.Reset(ctx, "verify_otp", "+14155550100"))
	assert.NoError(t, l.Allow(ctx, "verify_otp", "+14155550100"))
}
