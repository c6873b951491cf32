package crawler

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"
)

// RetryPolicy decides whether a failed fetch is attempted again and how long
// to wait first. Delays double per attempt, are capped, and carry up to 50%
// jitter.
type RetryPolicy struct {
	retries int
	base    time.Duration
	ceiling time.Duration
}

// NewRetryPolicy allows up to retries extra attempts. Non-positive delays
// fall back to 250ms and 5s.
func NewRetryPolicy(retries int, base, ceiling time.Duration) *RetryPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	return &RetryPolicy{retries: max(retries, 0), base: base, ceiling: max(ceiling, base)}
}

// ShouldRetry reports whether err deserves another attempt after attempt
// retries have already been made.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.retries || errors.Is(err, context.Canceled) {
		return false
	}
	var (
		fetchErr *FetchError
		emptyErr *EmptyContentError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &fetchErr):
		return fetchErr.Retryable
	case errors.As(err, &emptyErr):
		return false
	case errors.As(err, &netErr):
		return netErr.Timeout()
	default:
		return true
	}
}

// Backoff returns the wait before retry number attempt (zero based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.base
	for i := 0; i < attempt && d < p.ceiling; i++ {
		d *= 2
	}
	d = min(d, p.ceiling)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
