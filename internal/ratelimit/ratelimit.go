// Package ratelimit throttles calls to LLM-backed grading collaborators
// with a process-global limiter that blocks the caller up to a bounded
// wait and then fails with a retryable error.
//
// golang.org/x/time/rate implements a token bucket, not a sliding window,
// but a token bucket refilled continuously at rate r is the standard
// approximation of a sliding window over the same interval, and it is the
// only rate limiting library present anywhere in the retrieved pack.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimitExceeded is returned when Wait could not acquire a token within
// its bounded wait time. It is retryable: the caller's own retry wrapper
// (graph.Retry) should treat it the same as a transient LLM error.
var ErrLimitExceeded = errors.New("ratelimit: exceeded maximum wait for a token")

// SlidingWindowLimiter bounds the rate of LLM calls across an entire
// worker process. It is created once at worker startup and shared by
// every grading node the worker runs, not per-run or per-node.
type SlidingWindowLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// New creates a limiter permitting up to ratePerSecond calls per second,
// with bursts up to burst, and blocking a caller for at most maxWait
// before returning ErrLimitExceeded.
func New(ratePerSecond float64, burst int, maxWait time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxWait: maxWait,
	}
}

// Wait blocks until a token is available, ctx is cancelled, or maxWait
// elapses, whichever comes first. On a bounded timeout it returns
// ErrLimitExceeded rather than a context error, so callers can distinguish
// "the graph itself was cancelled" from "the limiter is saturated".
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	err := l.limiter.Wait(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrLimitExceeded
}

// Allow reports whether a call may proceed right now without blocking,
// consuming a token if so. Useful for callers that want to fail fast
// instead of waiting.
func (l *SlidingWindowLimiter) Allow() bool {
	return l.limiter.Allow()
}
