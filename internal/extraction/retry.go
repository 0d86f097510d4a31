package extraction

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds every upstream call with a deadline and a small number
// of attempts
type RetryPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries a transient failure once
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:     30 * time.Second,
		MaxAttempts: 2,
		Backoff:     500 * time.Millisecond,
	}
}

// do runs call until it succeeds, fails permanently, or attempts run out.
// Only transient upstream errors are retried, and never after the caller's
// context is done.
func (p RetryPolicy) do(ctx context.Context, stage Stage, call func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.attempt(ctx, call)
		if err == nil {
			return nil
		}

		var extErr *Error
		if !errors.As(err, &extErr) || !extErr.Transient() || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		slog.Warn("Retrying upstream call",
			"stage", stage,
			"attempt", attempt,
			"status", extErr.Status,
			"error", err,
		)
		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(p.Backoff):
			}
		}
	}
	return err
}

func (p RetryPolicy) attempt(ctx context.Context, call func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return call(ctx)
}
