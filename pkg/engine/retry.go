package engine

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy configures the retrying provider adapter.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff for transient errors.
	BaseDelay time.Duration

	// ThrottleDelay is the first backoff for throttled errors. Rate limits
	// deserve a longer wait than network blips.
	ThrottleDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the standard policy: three attempts with
// exponential backoff starting at one second, five for throttling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		ThrottleDelay: 5 * time.Second,
		MaxDelay:      2 * time.Minute,
	}
}

// RetryingProvider wraps a Provider and retries operations that fail with
// transient or throttled errors. Configuration errors, plain provider
// failures and not-found results pass through untouched: retrying those
// would just repeat the same outcome against remote quota.
type RetryingProvider struct {
	inner  Provider
	policy RetryPolicy
}

// NewRetryingProvider wraps a provider with the given retry policy.
func NewRetryingProvider(inner Provider, policy RetryPolicy) *RetryingProvider {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryingProvider{inner: inner, policy: policy}
}

// Create implements Provider.
func (p *RetryingProvider) Create(ctx context.Context, kind string, attrs map[string]any) (string, map[string]any, error) {
	var (
		handle  string
		outputs map[string]any
	)
	err := p.retry(ctx, func() error {
		var err error
		handle, outputs, err = p.inner.Create(ctx, kind, attrs)
		return err
	})
	return handle, outputs, err
}

// Read implements Provider.
func (p *RetryingProvider) Read(ctx context.Context, kind, handle string) (map[string]any, error) {
	var outputs map[string]any
	err := p.retry(ctx, func() error {
		var err error
		outputs, err = p.inner.Read(ctx, kind, handle)
		return err
	})
	return outputs, err
}

// Update implements Provider.
func (p *RetryingProvider) Update(ctx context.Context, kind, handle string, attrs map[string]any) (map[string]any, error) {
	var outputs map[string]any
	err := p.retry(ctx, func() error {
		var err error
		outputs, err = p.inner.Update(ctx, kind, handle, attrs)
		return err
	})
	return outputs, err
}

// Delete implements Provider.
func (p *RetryingProvider) Delete(ctx context.Context, kind, handle string) error {
	return p.retry(ctx, func() error {
		return p.inner.Delete(ctx, kind, handle)
	})
}

func (p *RetryingProvider) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff(attempt, lastErr)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = op()
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoff computes the delay before the given attempt, doubling per attempt
// with up to 25% jitter to spread synchronized retries.
func (p *RetryingProvider) backoff(attempt int, err error) time.Duration {
	base := p.policy.BaseDelay
	if classOf(err) == ErrorClassThrottled {
		base = p.policy.ThrottleDelay
	}

	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > p.policy.MaxDelay {
		delay = p.policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
