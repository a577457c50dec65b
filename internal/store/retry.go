package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryPolicy bounds how long a write waits out lock contention.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryPolicy = retryPolicy{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isBusy reports SQLITE_BUSY / SQLITE_LOCKED style failures. SQLite rejects
// the whole statement in these cases, so re-running it cannot double-append.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// withRetry runs fn until it succeeds, fails with a non-busy error, or the
// policy is exhausted.
func withRetry(ctx context.Context, policy retryPolicy, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !isBusy(err) || attempt >= policy.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(policy.delay(attempt)):
		}
	}
}

// delay is baseDelay * 2^attempt capped at maxDelay, plus up to baseDelay of jitter.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d + time.Duration(rand.Int63n(int64(p.baseDelay)))
}
