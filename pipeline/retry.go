package pipeline

import (
	"context"
	"errors"

	"github.com/c360studio/semstreams/pkg/retry"

	"github.com/c360studio/buildforge/llm"
)

// ErrAttemptEmitted stops a retry: the failed attempt already streamed output to
// the consumer, so repeating it would duplicate text.
var ErrAttemptEmitted = errors.New("attempt already streamed output")

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff. Every error
// is retried except context cancellation, an expired parent context,
// ErrAttemptEmitted and an aborted build branch. onRetry, if set, is called before each wait.
//
// The returned error is the last attempt's own error, or the context error when
// ctx ended the retry.
func Retry(ctx context.Context, cfg llm.RetryConfig, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	policy := cfg.Policy()

	attempt := 0
	var last error
	err := retry.Do(ctx, policy, func() error {
		attempt++
		err := fn(attempt)
		if err == nil {
			return nil
		}
		last = err
		if !retryable(ctx, err) {
			return retry.NonRetryable(err)
		}
		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case retry.IsNonRetryable(err):
		return last
	case ctx.Err() != nil, last == nil:
		return err
	default:
		return last
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAttemptEmitted) || errors.Is(err, errBranchAborted) {
		return false
	}
	return true
}
