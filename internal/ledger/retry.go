package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
)

// Default retry settings for ledger writes on a shared filesystem.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// RetryPolicy is a bounded retry with a fixed delay between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration

	// OnRetry is called before each retry. Optional.
	OnRetry func(op string, attempt int, err error)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
	}
}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// are exhausted. Exhaustion yields a *domain.TransientIOError.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		logger.Warn("Ledger operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", p.Delay),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}

		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}

	return &domain.TransientIOError{Op: op, Attempts: attempts, Err: lastErr}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent wraps err so that RetryPolicy.Do returns it immediately.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}
