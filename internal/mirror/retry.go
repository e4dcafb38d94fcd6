package mirror

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultMaxRetries is the retry ceiling for one logical remote operation.
	DefaultMaxRetries = 10
	// DefaultMaxRefreshes bounds token refreshes for one logical operation.
	// Refreshes do not count as retries.
	DefaultMaxRefreshes = 3
)

// RetryCounter counts failed attempts and token refreshes of one logical
// operation. It is never shared between operations.
type RetryCounter struct {
	attempts     int
	ceiling      int
	refreshes    int
	maxRefreshes int
}

// NewRetryCounter returns a counter that allows ceiling retries and
// DefaultMaxRefreshes token refreshes.
func NewRetryCounter(ceiling int) *RetryCounter {
	if ceiling < 0 {
		ceiling = 0
	}
	return &RetryCounter{ceiling: ceiling, maxRefreshes: DefaultMaxRefreshes}
}

// WithMaxRefreshes sets the refresh bound and returns c.
func (c *RetryCounter) WithMaxRefreshes(n int) *RetryCounter {
	if n < 0 {
		n = 0
	}
	c.maxRefreshes = n
	return c
}

// Next records a failed attempt and reports whether another try is allowed.
func (c *RetryCounter) Next() bool {
	c.attempts++
	return c.attempts <= c.ceiling
}

// Attempts returns the number of failures recorded so far.
func (c *RetryCounter) Attempts() int {
	return c.attempts
}

// NextRefresh records a token refresh and reports whether it is allowed.
func (c *RetryCounter) NextRefresh() bool {
	c.refreshes++
	return c.refreshes <= c.maxRefreshes
}

// Refreshes returns the number of token refreshes recorded so far.
func (c *RetryCounter) Refreshes() int {
	return c.refreshes
}

// Verdict is the classifier's decision for a failed call.
type Verdict int

const (
	VerdictRetry Verdict = iota
	VerdictFatal
	// VerdictRefresh asks for a new access token before the call is repeated.
	VerdictRefresh
)

func (v Verdict) String() string {
	switch v {
	case VerdictFatal:
		return "fatal"
	case VerdictRefresh:
		return "refresh"
	}
	return "retry"
}

// Classify decides whether a failed remote call may be retried.
//
// A rejected access token (a 401 response or ErrUnauthenticated) asks for a
// refresh. Transport failures, other decodable remote error responses and
// unrecognised runtime faults are retryable. Contract violations, structural and
// integrity errors, stop requests, cancellation, terminal transfer failures
// and anything wrapped with Permanent are fatal.
func Classify(err error) Verdict {
	if err == nil {
		return VerdictFatal
	}

	for _, fatal := range []error{
		context.Canceled,
		ErrInvalidArgument,
		ErrInconsistent,
		ErrIntegrity,
		ErrSessionGone,
		ErrStopped,
	} {
		if errors.Is(err, fatal) {
			return VerdictFatal
		}
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return VerdictFatal
	}

	var te *TransferError
	if errors.As(err, &te) && !te.Resumable {
		return VerdictFatal
	}

	if errors.Is(err, ErrUnauthenticated) {
		return VerdictRefresh
	}
	return VerdictRetry
}

// Retry runs fn until it succeeds, fails fatally, or the counter's ceiling
// is exceeded. Retries are immediate. When fn reports a rejected token, auth
// is refreshed before the next call; refreshes are bounded by the counter
// and do not use up retries. A nil auth turns refreshes into plain retries.
func Retry[T any](ctx context.Context, counter *RetryCounter, auth Authenticator, logger Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var zero T
		if ctx.Err() != nil {
			return zero, err
		}

		switch Classify(err) {
		case VerdictFatal:
			return zero, err
		case VerdictRefresh:
			if auth == nil {
				break
			}
			if !counter.NextRefresh() {
				return zero, fmt.Errorf("%s: token still rejected after %d refreshes: %w", op, counter.Refreshes()-1, err)
			}
			logger.Info("access token rejected, refreshing", "op", op, "refresh", counter.Refreshes())
			rerr := auth.Refresh(ctx)
			if rerr == nil {
				continue
			}
			logger.Warn("refreshing access token failed", "op", op, "error", rerr)
			err = rerr
		}

		if !counter.Next() {
			return zero, fmt.Errorf("%s: giving up after %d retries: %w", op, counter.Attempts()-1, err)
		}
		logger.Warn("retrying remote operation", "op", op, "attempt", counter.Attempts(), "error", err)
	}
}
