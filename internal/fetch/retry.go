package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"paperlens/internal/config"
)

const (
	defaultAttempts = 3
	defaultTimeout  = 30 * time.Second
	defaultBase     = time.Second
)

// Error reports a remote resource that stayed unreachable after every attempt.
type Error struct {
	Locator  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Locator, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying. Do returns it unwrapped on the first attempt.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retrier runs an operation with a per-attempt timeout and exponential delays between attempts.
type Retrier struct {
	Attempts int
	Timeout  time.Duration
	Base     time.Duration

	logger zerolog.Logger
}

// NewRetrier builds a retrier from the fetch config section.
func NewRetrier(cfg config.FetchConfig, logger zerolog.Logger) *Retrier {
	return &Retrier{
		Attempts: cfg.MaxAttempts,
		Timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		Base:     time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		logger:   logger.With().Str("component", "fetch").Logger(),
	}
}

func (r *Retrier) policy(ctx context.Context) backoff.BackOffContext {
	base := r.Base
	if base <= 0 {
		base = defaultBase
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = base << 10
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.attempts()-1)), ctx)
}

func (r *Retrier) attempts() int {
	if r.Attempts <= 0 {
		return defaultAttempts
	}
	return r.Attempts
}

// Do calls fn until it succeeds, returns a Permanent error, or runs out of attempts.
// Each call gets its own deadline derived from ctx.
func (r *Retrier) Do(ctx context.Context, locator string, fn func(ctx context.Context) error) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil {
			lastErr = err
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("locator", locator).
			Int("attempt", attempt).
			Int("max_attempts", r.attempts()).
			Dur("retry_in", next).
			Msg("fetch attempt failed")
	}

	err := backoff.RetryNotify(operation, r.policy(ctx), notify)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	r.logger.Warn().
		Err(lastErr).
		Str("locator", locator).
		Int("attempt", attempt).
		Int("max_attempts", r.attempts()).
		Msg("fetch gave up")
	return &Error{Locator: locator, Attempts: attempt, Err: lastErr}
}
