package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

func TestRetrySuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testr.New(t), Intervals(Seconds(0, 0)), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryTwice(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testr.New(t), Intervals(Seconds(0, 0)), func() error {
		calls++
		if calls >= 2 {
			return nil
		}
		return errors.New("boom")
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryFails(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testr.New(t), Intervals(Seconds(0, 0)), func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), testr.New(t), Intervals(Seconds(0, 0)), func() error {
		calls++
		return backoff.Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, testr.New(t), Intervals(Seconds(0, 0)), func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
