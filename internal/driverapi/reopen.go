package driverapi

import (
	"context"
	"math/rand"
	"time"
)

// ReopenPolicy bounds the retry behavior used when a driver must be reopened
// after an unexpected close (spec §9 open question: "what backoff applies
// when a driver needs to be reopened after an unexpected close"). Resolved
// as 200ms base, doubling, 3 attempts, ±25% jitter — the same shape as
// internal/httpclient/retry.go's 5xx backoff, generalized from HTTP retries
// to driver-open retries.
type ReopenPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultReopenPolicy is the spec's resolved default.
var DefaultReopenPolicy = ReopenPolicy{
	BaseDelay:   200 * time.Millisecond,
	MaxAttempts: 3,
}

// OpenWithBackoff retries Open up to policy.MaxAttempts times, doubling
// policy.BaseDelay with jitter between attempts, stopping early if ctx is
// canceled. Returns the last error if every attempt fails.
func OpenWithBackoff(ctx context.Context, variant Variant, cfg Config, policy ReopenPolicy) (Driver, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := jitter(policy.BaseDelay * time.Duration(1<<uint(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		d, err := Open(ctx, variant, cfg)
		if err == nil {
			return d, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// jitter adds +/-25% random jitter to d, matching the teacher's httpclient
// backoff shape (internal/httpclient/retry.go's jitter).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}
