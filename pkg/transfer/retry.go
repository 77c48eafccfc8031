package transfer

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nektos/buildcache/pkg/config"
)

// RetryPolicy is an exponential backoff with jitter, capped per delay and bounded in attempts.
//
// Delay before retry n (1-based) is BaseDelay * 2^(n-1), jittered by +/- JitterPercent,
// then capped at MaxDelay. Attempts counts the first try.
type RetryPolicy struct {
	Attempts      int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// NewRetryPolicy takes the policy from the configuration.
func NewRetryPolicy(r config.Retry) RetryPolicy {
	return RetryPolicy{
		Attempts:      r.Attempts,
		BaseDelay:     r.BaseDelay,
		MaxDelay:      r.MaxDelay,
		JitterPercent: r.JitterPercent,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs f until it succeeds, returns a non-retryable error, or the attempt budget is spent.
// The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, f func(ctx context.Context, attempt int) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := f(ctx, attempt)
		if !isRetryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}
