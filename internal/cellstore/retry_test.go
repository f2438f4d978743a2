package cellstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithBusyRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), testRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBusyRetryExhaustionIsUnavailable(t *testing.T) {
	cfg := testRetryConfig()
	calls := 0
	err := withBusyRetry(context.Background(), cfg, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, cfg.Attempts, calls)
}

func TestWithBusyRetryPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("no such table: cells")
	calls := 0
	err := withBusyRetry(context.Background(), testRetryConfig(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithBusyRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withBusyRetry(ctx, testRetryConfig(), func() error {
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func testRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 4, MinDelay: 1, MaxDelay: 2}
}
