// Package ratelimit implements fixed-window counters on Redis. Windows
// are keyed by action and subject; the first hit in a window sets the
// expiry, so a lost EXPIRE self-heals when the window rolls.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pingpay/pingpay/internal/errs"
)

// Rule bounds one action to max hits per window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Limiter enforces per-action rules.
type Limiter struct {
	rdb   redis.UniversalClient
	rules map[string]Rule
}

// New builds a limiter with the given per-action rules. Actions without
// a rule are unlimited.
func New(rdb redis.UniversalClient, rules map[string]Rule) *Limiter {
	return &Limiter{rdb: rdb, rules: rules}
}

// Allow consumes one hit for action/subject and returns a rate limit
// error once the window's budget is exhausted. Redis failures are
// returned as internal errors; callers decide whether to fail open.
func (l *Limiter) Allow(ctx context.Context, action, subject string) error {
	rule, ok := l.rules[action]
	if !ok {
		return nil
	}
	key := fmt.Sprintf("ratelimit:%s:%s", action, subject)

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return errs.Wrap(err, errs.CodeInternal, "rate limit counter unavailable")
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, rule.Window).Err(); err != nil {
			return errs.Wrap(err, errs.CodeInternal, "rate limit counter unavailable")
		}
	}
	if n > int64(rule.Max) {
		return errs.New(errs.CodeRateLimited, "too many requests, try again later").
			WithDetails(map[string]interface{}{"action": action, "retryAfterSeconds": int(rule.Window.Seconds())})
	}
	return nil
}

// Reset clears the window for action/subject. Used after successful OTP
// verification so the next code request starts fresh.
func (l *Limiter) Reset(ctx context.Context, action, subject string) error {
	return l.rdb.Del(ctx, fmt.Sprintf("ratelimit:%s:%s", action, subject)).Err()
}
