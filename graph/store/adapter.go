package store

import (
	"context"
	"encoding/json"

	"github.com/dshills/gradeflow/graph"
)

// CheckpointAdapter bridges the non-generic RunStore (shared across all
// three graph State types, since runs/attempts/checkpoints are one table
// each) into graph.CheckpointStore[S], the generic interface Engine[S]
// actually depends on. State is carried as JSON, mirroring how the prior engine's
// SQLiteStore/MySQLStore marshal state for their own (generic) Store[S].
type CheckpointAdapter[S any] struct {
	store RunStore
}

// NewCheckpointAdapter returns a graph.CheckpointStore[S] backed by store.
func NewCheckpointAdapter[S any](store RunStore) *CheckpointAdapter[S] {
	return &CheckpointAdapter[S]{store: store}
}

func (a *CheckpointAdapter[S]) SaveIntent(ctx context.Context, runID string, nodeID string, attempt int, input S) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return a.store.SaveIntent(ctx, runID, nodeID, attempt, raw)
}

func (a *CheckpointAdapter[S]) CommitStep(ctx context.Context, runID string, nodeID string, state S) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return a.store.CommitStep(ctx, runID, nodeID, raw)
}

func (a *CheckpointAdapter[S]) LoadLatest(ctx context.Context, runID string) (S, string, bool, error) {
	var zero S
	raw, nodeID, found, err := a.store.LoadLatest(ctx, runID)
	if err != nil || !found {
		return zero, nodeID, found, err
	}
	var state S
	if err := json.Unmarshal(raw, &state); err != nil {
		return zero, "", false, err
	}
	return state, nodeID, true, nil
}

func (a *CheckpointAdapter[S]) LoadPendingIntent(ctx context.Context, runID string) (string, int, S, bool, error) {
	var zero S
	nodeID, attempt, raw, found, err := a.store.LoadPendingIntent(ctx, runID)
	if err != nil || !found {
		return nodeID, attempt, zero, found, err
	}
	var input S
	if err := json.Unmarshal(raw, &input); err != nil {
		return "", 0, zero, false, err
	}
	return nodeID, attempt, input, true, nil
}

func (a *CheckpointAdapter[S]) SaveInterrupt(ctx context.Context, runID string, nodeID string, state S, payload any) error {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.store.SaveInterrupt(ctx, runID, nodeID, stateRaw, payloadRaw)
}

func (a *CheckpointAdapter[S]) LoadInterrupt(ctx context.Context, runID string) (string, S, any, bool, error) {
	var zero S
	nodeID, stateRaw, payloadRaw, found, err := a.store.LoadInterrupt(ctx, runID)
	if err != nil || !found {
		return nodeID, zero, nil, found, err
	}
	var state S
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return "", zero, nil, false, err
	}
	var payload any
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return "", zero, nil, false, err
		}
	}
	return nodeID, state, payload, true, nil
}

func (a *CheckpointAdapter[S]) ClearInterrupt(ctx context.Context, runID string) error {
	return a.store.ClearInterrupt(ctx, runID)
}

var _ graph.CheckpointStore[struct{}] = (*CheckpointAdapter[struct{}])(nil)
