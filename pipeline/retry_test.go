package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buildforge/llm"
)

func quickRetry(attempts int) llm.RetryConfig {
	return llm.RetryConfig{MaxAttempts: attempts, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 2 * time.Millisecond}
}

func TestRetry_StopsAfterMaxAttempts(t *testing.T) {
	calls, retries := 0, 0
	err := Retry(context.Background(), quickRetry(4), func(int) error {
		calls++
		return errUpstream
	}, func(int, error) { retries++ })

	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestRetry_SucceedsEventually(t *testing.T) {
	var seen []int
	err := Retry(context.Background(), quickRetry(4), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errUpstream
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetry_NotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"cancelled", context.Canceled},
		{"wrapped cancel", fmt.Errorf("stream: %w", context.Canceled)},
		{"already streamed", &streamedError{err: errUpstream}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), quickRetry(4), func(int) error {
				calls++
				return tt.err
			}, nil)
			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, tt.err.Error(), err.Error())
		})
	}
}

func TestRetry_ContextEndsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := llm.RetryConfig{MaxAttempts: 4, BackoffBase: time.Hour, BackoffMultiplier: 2}

	calls := 0
	err := Retry(ctx, cfg, func(int) error {
		calls++
		return errUpstream
	}, func(int, error) { cancel() })

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetry_ReturnsAttemptError(t *testing.T) {
	err := Retry(context.Background(), quickRetry(2), func(int) error {
		return errUpstream
	}, nil)
	assert.Equal(t, errUpstream, err)
}

func TestRetry_ContextCancelledDuringAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, quickRetry(4), func(int) error {
		calls++
		cancel()
		return errUpstream
	}, func(int, error) { t.Error("cancelled attempt must not be retried") })

	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 1, calls)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), llm.RetryConfig{}, func(int) error {
		calls++
		return errUpstream
	}, nil)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 1, calls)
}

func TestStreamedError(t *testing.T) {
	err := &streamedError{err: errUpstream}
	assert.True(t, errors.Is(err, ErrAttemptEmitted))
	assert.True(t, errors.Is(err, errUpstream))
	assert.Equal(t, errUpstream.Error(), err.Error())
}
