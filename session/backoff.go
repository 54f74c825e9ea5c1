package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBackoff is a bounded exponential policy for ReconnectWithBackoff.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(time.Minute),
	)
	return backoff.WithMaxRetries(b, 5)
}

// ReconnectWithBackoff calls Reconnect until it succeeds, the policy gives up, or ctx is done.
// It only runs when a consumer asks for it; the session itself never retries in the background.
func (s *Session) ReconnectWithBackoff(ctx context.Context, policy backoff.BackOff) error {
	if policy == nil {
		policy = DefaultBackoff()
	}
	attempt := 0
	op := func() error {
		attempt++
		err := s.Reconnect(ctx)
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotOpened) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Debugw("reconnect attempt failed", "Attempt", attempt, "Error", err, "Next", next)
	}
	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
}
