// Package retry provides bounded exponential backoff with jitter,
// with room for an explicit server-supplied delay hint to override the
// computed backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes the retry behavior.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultPolicy is a single attempt: no retries unless configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.JitterFactor <= 0 {
		p.JitterFactor = 0.2
	}
	return p
}

// Delay computes the pause before the next attempt. attempt counts
// from 1. A positive hint (e.g. a Retry-After header) overrides the
// computed backoff but is still capped at MaxBackoff.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	p = p.normalized()

	if hint > 0 {
		if hint > p.MaxBackoff {
			return p.MaxBackoff
		}
		return hint
	}

	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}

	backoff = applyJitter(backoff, p.JitterFactor)
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do executes fn until it succeeds, attempts run out, or the context
// is cancelled.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = fn(); err == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		if sleepErr := Sleep(ctx, p.Delay(attempt, 0)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

// Sleep pauses for d or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

func applyJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}
