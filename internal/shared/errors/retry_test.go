package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryWithResultSucceedsAfterTransient(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(fmt.Errorf("busy"), "busy")
		}
		return 42, nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewPermanentError(fmt.Errorf("bad request"), "bad request")
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.True(t, IsPermanent(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError(fmt.Errorf("busy"), "busy")
	}, nil)
	require.Error(t, err)
	require.Equal(t, 3, calls) // initial + 2 retries
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, fastConfig(), func(ctx context.Context) (int, error) {
		return 1, nil
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFromHTTPStatus(t *testing.T) {
	require.True(t, IsTransient(FromHTTPStatus(fmt.Errorf("x"), 503, "unavailable")))
	require.True(t, IsPermanent(FromHTTPStatus(fmt.Errorf("x"), 400, "bad")))
}
