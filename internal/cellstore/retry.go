package cellstore

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines the busy-retry loop applied to store access while
// another reader or writer holds the SQLite lock.
type RetryConfig struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultRetryConfig bounds the loop at 5 attempts with a short random
// backoff between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		MinDelay: 10 * time.Millisecond,
		MaxDelay: 100 * time.Millisecond,
	}
}

func (c RetryConfig) delay() time.Duration {
	if c.MaxDelay <= c.MinDelay {
		return c.MinDelay
	}
	return c.MinDelay + time.Duration(rand.Int63n(int64(c.MaxDelay-c.MinDelay)))
}

// withBusyRetry runs fn up to cfg.Attempts times, sleeping a small random
// interval between attempts, but only while the error is a transient lock.
// Exhausting the attempts is a hard failure reported as ErrUnavailable.
func withBusyRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(cfg.delay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// isBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
