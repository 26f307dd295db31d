package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/examgraph"
)

// BatchGradingRunner adapts examgraph.BuildBatchGradingGraph to GraphRunner.
type BatchGradingRunner struct {
	Deps *examgraph.BatchDeps
}

func (r *BatchGradingRunner) GraphName() store.GraphName { return store.GraphBatchGrading }

func (r *BatchGradingRunner) engine() (*graph.Engine[examgraph.BatchState], error) {
	adapter := store.NewCheckpointAdapter[examgraph.BatchState](r.Deps.RunStore)
	return examgraph.BuildBatchGradingGraph(r.Deps, adapter, r.Deps.Emitter)
}

func (r *BatchGradingRunner) Run(ctx context.Context, runID string, inputPayload []byte) ([]byte, error) {
	var initial examgraph.BatchState
	if err := json.Unmarshal(inputPayload, &initial); err != nil {
		return nil, fmt.Errorf("worker: decode batch_grading input: %w", err)
	}
	e, err := r.engine()
	if err != nil {
		return nil, err
	}
	final, runErr := e.Run(ctx, runID, initial)
	if runErr != nil {
		return nil, runErr
	}
	return json.Marshal(final)
}

func (r *BatchGradingRunner) Resume(ctx context.Context, runID string, resumePayload []byte) ([]byte, error) {
	var decision examgraph.BatchBoundaryDecision
	if err := decodeResumeEnvelope(resumePayload, &decision); err != nil {
		return nil, fmt.Errorf("worker: decode batch_grading boundary decision: %w", err)
	}
	e, err := r.engine()
	if err != nil {
		return nil, err
	}
	final, runErr := e.Resume(ctx, runID, decision)
	if runErr != nil {
		return nil, runErr
	}
	return json.Marshal(final)
}

// IsRejected always reports false: BatchGrading has no top-level rejection
// marker of its own — a low-confidence student boundary or a rejected
// nested ExamPaper sub-run is recorded per-student in StudentResults, not
// as an outcome of the batch run as a whole.
func (r *BatchGradingRunner) IsRejected([]byte) bool { return false }
