package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures per-node execution behavior. The engine applies
// Timeout (Options.DefaultNodeTimeout when unset); it does not read
// RetryPolicy, so a node retries only when wrapped in Retry.
type NodePolicy struct {
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for transient node
// failures. gradeflow's grading nodes use DefaultGradingRetryPolicy (3
// attempts, 1s base, x2, 60s cap), matching the orchestrator's published
// retry contract rather than the prior engine's original, looser defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultGradingRetryPolicy is the retry policy grading and collaborator
// nodes use unless overridden: 3 attempts, 1s base delay, doubling, capped
// at 60s, retrying any error (transient LLM/network failures are the norm;
// permanent failures degrade gracefully via Retry's onExhausted instead of
// being filtered out here).
func DefaultGradingRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Retryable:   func(error) bool { return true },
	}
}

// computeBackoff calculates the delay before the next retry attempt:
// min(base*2^attempt, maxDelay) + jitter(0, base), floored against prevDelay
// so that jitter can never pull a later delay below double the previous one
// (capped at maxDelay). Without that floor, independent jitter draws on
// consecutive attempts can make delay(i+1) < delay(i)*2 even though each
// individual draw falls within its own attempt's bounds — jitter is an
// addition on top of the exponential schedule, not a substitute for it.
// prevDelay is zero for the first attempt, where no such floor applies.
func computeBackoff(attempt int, prevDelay, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponential := base * (1 << attempt)
	if maxDelay > 0 && exponential > maxDelay {
		exponential = maxDelay
	}

	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security-sensitive
		}
	}

	delay := exponential + jitter

	if attempt > 0 && prevDelay > 0 {
		floor := prevDelay * 2
		if maxDelay > 0 && floor > maxDelay {
			floor = maxDelay
		}
		if delay < floor {
			delay = floor
		}
	}

	return delay
}

// Validate reports whether the policy's bounds are internally consistent.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}
