package graph

import "errors"

// Sentinel errors returned by Engine.Run/Resume. Orchestrator-level errors
// (idempotency conflicts, not-found, not-paused) live in the orchestrator
// package; these describe engine-internal failure modes only.
var (
	// ErrMaxStepsExceeded is returned when a run exceeds Options.MaxSteps
	// without reaching a terminal node. Guards against missing exit edges.
	ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

	// ErrNoProgress indicates the frontier emptied with no active fan-out
	// and no terminal Command was ever returned — a malformed graph.
	ErrNoProgress = errors.New("no progress: no runnable nodes in frontier")

	// ErrMaxAttemptsExceeded reports an exhausted RetryPolicy. Retry does
	// not return it: with no onExhausted fallback, Retry returns the node's
	// last error unchanged.
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy: MaxAttempts must be >= 1 and MaxDelay >= BaseDelay")

	// ErrNotInterrupted reports that a run has no pending interrupt to
	// deliver a resume payload to. Resume does not return it: without a
	// pending interrupt it continues from a pending intent or the latest
	// committed checkpoint.
	ErrNotInterrupted = errors.New("run has no pending interrupt")

	// ErrUnknownNode is returned when a Command references a node ID that
	// was never registered with Add.
	ErrUnknownNode = errors.New("unknown node id")
)

// EngineError represents a structured error from Engine configuration or
// execution (distinct from errors a Node itself returns via NodeResult.Err).
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// InterruptError is returned by Run/Resume when a node pauses the run via
// Interrupt. Callers (the orchestrator) inspect Payload to surface it to a
// human reviewer, then call Engine.Resume with the reviewer's decision.
type InterruptError struct {
	RunID   string
	NodeID  string
	Payload any
}

func (e *InterruptError) Error() string {
	return "run " + e.RunID + " interrupted at node " + e.NodeID
}
