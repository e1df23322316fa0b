package chain

import (
	"context"
	"strings"
	"time"
)

// submitRetryDelays backs off between chain submission attempts.
var submitRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// transientMarkers are the error message fragments that justify a
// resubmission. Validation, balance and program errors never retry.
var transientMarkers = []string{
	"blockhash",
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"connection",
	"network",
}

// IsRetryable reports whether err looks like a transient RPC failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// withSubmitRetry runs fn up to len(submitRetryDelays)+1 times, backing
// off only on retryable errors. The context aborts the wait.
func withSubmitRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt >= len(submitRetryDelays) {
			return err
		}
		select {
		case <-time.After(submitRetryDelays[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
