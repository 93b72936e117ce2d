// ABOUTME: Bounded exponential retry for upstream calls using cenkalti/backoff
// ABOUTME: Only transient network failures are retried inline; Retry-After hints stretch the wait
package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	cerrors "github.com/harperreed/contactsync/errors"
)

// Policy bounds inline retries of a single upstream call.
type Policy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns four attempts starting at 200ms and capped at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// hintBackOff waits at least as long as the last Retry-After hint.
type hintBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (h *hintBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > next {
		next = h.hint
		if h.max > 0 && next > h.max {
			next = h.max
		}
	}
	h.hint = 0
	return next
}

func (p Policy) backOff(ctx context.Context) *hintBackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	return &hintBackOff{BackOff: bounded, max: exp.MaxInterval}
}

// Retry runs op until it succeeds, fails permanently, or the policy is exhausted.
// The last error is returned unchanged so callers can classify it.
func Retry(ctx context.Context, p Policy, logger zerolog.Logger, op func(ctx context.Context) error) error {
	b := p.backOff(ctx)
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if !cerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if d, ok := cerrors.RetryAfter(err); ok {
			b.hint = d
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying upstream call")
	}
	return backoff.RetryNotify(operation, b, notify)
}
