package channelsync

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is the one backoff policy shared by the snapshot fetcher
// and the remote publisher client. A timeout, rate limit, or 5xx is a
// transient failure retried up to MaxAttempts within a single operation;
// exhaustion surfaces the last error and the next reconciliation tick is
// the retry mechanism beyond that.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Delay returns the wait before the given retry attempt (1-based). An
// upstream Retry-After hint wins over the exponential schedule, capped at
// MaxDelay either way.
func (p RetryPolicy) Delay(attempt int, retryAfterHeader string) time.Duration {
	p = p.withDefaults()
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn, retrying transient failures per the policy. Non-transient
// errors return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, p.Delay(attempt, retryAfterHint(lastErr))); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

type transientError struct {
	err        error
	retryAfter string
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable by RetryPolicy.Do. retryAfter
// carries the upstream Retry-After header value, if any.
func Transient(err error, retryAfter string) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, retryAfter: retryAfter}
}

func IsTransient(err error) bool {
	var te *transientError
	return stderrors.As(err, &te)
}

func retryAfterHint(err error) string {
	var te *transientError
	if stderrors.As(err, &te) {
		return te.retryAfter
	}
	return ""
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
