package graph

import (
	"context"
	"time"
)

// CheckpointStore is the generic, execution-facing persistence contract the
// Engine depends on. A store.RunStore (JSON, non-generic, shared across the
// three graph State types) is adapted into a CheckpointStore[S] per graph
// via a small generic JSON-marshaling adapter — see store.NewCheckpointAdapter.
//
// The engine persists an intent record via SaveIntent before invoking a
// node and a post-state checkpoint via CommitStep after it returns;
// CommitStep clears the intent in the same underlying transaction. This closes the gap the prior engine's
// "checkpoint only after success" design leaves open: if the process dies
// mid-node, LoadPendingIntent reports the in-flight node so Resume can
// re-invoke exactly that node exactly once, satisfying crash-recovery
// idempotency.
type CheckpointStore[S any] interface {
	// SaveIntent records that nodeID is about to run with input, before
	// invocation. Must be durable before Run calls node.Run.
	SaveIntent(ctx context.Context, runID string, nodeID string, attempt int, input S) error

	// CommitStep persists the post-node state and clears the matching
	// intent, atomically. Called after a node completes successfully.
	CommitStep(ctx context.Context, runID string, nodeID string, state S) error

	// LoadLatest returns the most recently committed state for a run, for
	// resuming from the last clean step.
	LoadLatest(ctx context.Context, runID string) (state S, nodeID string, found bool, err error)

	// LoadPendingIntent returns an intent with no matching CommitStep, if
	// the process crashed between SaveIntent and CommitStep.
	LoadPendingIntent(ctx context.Context, runID string) (nodeID string, attempt int, input S, found bool, err error)

	// SaveInterrupt records that the run paused inside nodeID with state
	// and payload for a human/external system to inspect.
	SaveInterrupt(ctx context.Context, runID string, nodeID string, state S, payload any) error

	// LoadInterrupt returns the pending interrupt for a run, if any.
	LoadInterrupt(ctx context.Context, runID string) (nodeID string, state S, payload any, found bool, err error)

	// ClearInterrupt removes the pending interrupt once Resume has
	// delivered its resume payload back into the node.
	ClearInterrupt(ctx context.Context, runID string) error
}

// NodeIntent is a lightweight record of an in-flight node invocation,
// mirrored by CheckpointStore.SaveIntent/LoadPendingIntent implementations.
type NodeIntent struct {
	RunID     string
	NodeID    string
	Attempt   int
	CreatedAt time.Time
}
