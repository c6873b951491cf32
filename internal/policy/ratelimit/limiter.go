// Package ratelimit implements the shared per-domain politeness gate. Every
// crawl session draws from the same limiter, so two jobs hitting one host
// still space their requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/learning-bits-crawler/internal/metrics"
)

type domainLimit struct {
	limiter  *rate.Limiter
	delay    time.Duration
	lastUsed time.Time
}

// Limiter hands out at most one request slot per domain per delay window.
// While callers ask for different delays on one domain, the strictest wins.
// A domain left idle for longer than its delay forgets it, so a finished
// strict job does not throttle later lenient ones.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainLimit
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{domains: make(map[string]*domainLimit)}
}

// get returns the domain's limiter, tightening it when delay is stricter and
// relaxing it when the stricter window has already lapsed.
func (l *Limiter) get(domain string, delay time.Duration, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.domains[domain]
	if !ok {
		d = &domainLimit{limiter: rate.NewLimiter(rate.Every(delay), 1), delay: delay}
		l.domains[domain] = d
		return d.limiter
	}
	switch {
	case delay > d.delay:
		d.limiter.SetLimitAt(now, rate.Every(delay))
		d.delay = delay
	case delay < d.delay && now.Sub(d.lastUsed) >= d.delay:
		d.limiter.SetLimitAt(now, rate.Every(delay))
		d.delay = delay
	}
	return d.limiter
}

func (l *Limiter) touch(domain string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.domains[domain]; ok && at.After(d.lastUsed) {
		d.lastUsed = at
	}
}

// TryAcquire takes the domain's slot if it is free at now. A non-positive
// delay always succeeds.
func (l *Limiter) TryAcquire(domain string, delay time.Duration, now time.Time) bool {
	if delay <= 0 {
		return true
	}
	if !l.get(domain, delay, now).AllowN(now, 1) {
		return false
	}
	l.touch(domain, now)
	return true
}

// Delay reports how long until the domain's next slot frees up; zero means
// it is free now or the domain was never limited.
func (l *Limiter) Delay(domain string, now time.Time) time.Duration {
	l.mu.Lock()
	d, ok := l.domains[domain]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	tokens := d.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	seconds := (1 - tokens) / float64(d.limiter.Limit())
	return time.Duration(seconds * float64(time.Second))
}

// Wait blocks until the domain's slot is free and takes it.
func (l *Limiter) Wait(ctx context.Context, domain string, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	start := time.Now()
	if err := l.get(domain, delay, start).Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait %s: %w", domain, err)
	}
	l.touch(domain, time.Now())
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessWait(domain, waited)
	}
	return nil
}
