package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gigdeal/internal/domain/negotiation"
)

type Backoff string

const (
	Linear      Backoff = "linear"
	Exponential Backoff = "exponential"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// ParseBackoff accepts "linear" or "exponential"; empty means linear.
func ParseBackoff(raw string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Linear:
		return Linear, nil
	case Exponential:
		return Exponential, nil
	default:
		return "", fmt.Errorf("retry: unknown backoff %q", raw)
	}
}

// Policy wraps one operation with bounded retries. Unauthorized failures are
// never retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     Backoff
	// MaxDelay caps a single wait when positive.
	MaxDelay time.Duration
	// Retryable narrows which failures are retried. Nil retries everything
	// except Unauthorized.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep replaces the wait, mostly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, Backoff: Linear}
}

// With returns a copy of p using a different retry classifier.
func (p Policy) With(retryable func(error) bool) Policy {
	p.Retryable = retryable
	return p
}

// Delay is the wait after failed attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	var d time.Duration
	switch p.Backoff {
	case Exponential:
		shift := n - 1
		if shift > 30 {
			shift = 30
		}
		d = base << shift
	default:
		d = base * time.Duration(n)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) shouldRetry(err error) bool {
	if errors.Is(err, negotiation.ErrUnauthorized) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, fails permanently or attempts run out. The
// last operation error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	max := p.attempts()
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= max || !p.shouldRetry(err) {
			return zero, err
		}
		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, errors.Join(err, sleepErr)
		}
	}
}
