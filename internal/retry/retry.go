// Package retry bounds storage and notifier calls with a per-attempt timeout
// and a short exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"wace-auth/internal/apperr"
	"wace-auth/internal/util"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether another attempt could succeed. Domain errors
// (validation, not found, credentials) and caller cancellation are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindStorage, apperr.KindNotifier, apperr.KindInternal:
			return true
		default:
			return false
		}
	}
	return true
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts
// run out. Each attempt gets its own timeout derived from ctx.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	backoff := goretry.WithMaxRetries(uint64(p.MaxAttempts-1), goretry.NewExponential(p.BaseDelay))

	attempt := 0
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		util.Debug("Retrying operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	if attempt >= p.MaxAttempts {
		util.Warn("Operation failed after retries",
			zap.String("op", op),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}
