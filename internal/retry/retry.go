// Package retry provides the bounded-retry helper shared by every network-facing
// component, together with the error classification that decides what is retried.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/metrics"
)

// Policy describes a bounded retry budget.
type Policy struct {
	// Name labels log lines and metrics
	Name string

	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int

	// BaseDelay is the wait before the first retry
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth of the wait
	MaxDelay time.Duration

	// Jitter is the relative random spread applied to each wait, e.g. 0.1 for ±10%
	Jitter float64

	// Fixed disables the exponential growth: every wait is BaseDelay
	Fixed bool
}

var (
	// Critical is used for operations the user is actively waiting on.
	Critical = Policy{
		Name:        "critical",
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}

	// Normal is used for best-effort background refreshes.
	Normal = Policy{
		Name:        "normal",
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.1,
	}
)

type policyKey struct{}

// WithPolicy returns a context asking network clients to apply p to requests
// made with it, e.g. Critical while the user waits on the answer.
func WithPolicy(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, policyKey{}, p)
}

// PolicyFrom returns the policy set by WithPolicy, if any.
func PolicyFrom(ctx context.Context) (Policy, bool) {
	p, ok := ctx.Value(policyKey{}).(Policy)
	return p, ok
}

// FixedPolicy returns a policy with a constant delay between attempts.
func FixedPolicy(name string, attempts int, delay time.Duration) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: attempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Fixed:       true,
	}
}

// attempts normalises MaxAttempts so that at least one attempt is made.
func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// newBackOff builds the backoff schedule for a single Do call.
func (p Policy) newBackOff() backoff.BackOff {
	if p.Fixed {
		return backoff.NewConstantBackOff(p.BaseDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	// The attempt count bounds the budget, not wall time
	b.MaxElapsedTime = 0
	return b
}

// Delay returns the wait before retry n (0-based): min(base × 2^n, max) ± jitter.
func (p Policy) Delay(n int) time.Duration {
	if p.Fixed || n < 0 {
		return p.BaseDelay
	}
	d := p.MaxDelay
	if n < 31 {
		if grown := p.BaseDelay << uint(n); grown > 0 && grown < p.MaxDelay {
			d = grown
		}
	}
	if p.Jitter <= 0 {
		return d
	}
	spread := p.Jitter * (2*rand.Float64() - 1)
	return time.Duration(float64(d) * (1 + spread))
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget of p is exhausted. The last error from op is returned as-is.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(p.newBackOff(), uint64(p.attempts()-1)),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(p.Name).Inc()
		logrus.WithFields(logrus.Fields{
			"policy":  p.Name,
			"attempt": attempt,
			"of":      p.attempts(),
			"wait":    wait,
		}).WithError(err).Debug("Retrying failed operation")
	})
}
