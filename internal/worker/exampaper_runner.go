package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/examgraph"
)

// ExamPaperRunner adapts examgraph.BuildExamPaperGraph to GraphRunner.
type ExamPaperRunner struct {
	Deps    *examgraph.Deps
	Store   store.RunStore
	Emitter emit.Emitter
}

func (r *ExamPaperRunner) GraphName() store.GraphName { return store.GraphExamPaper }

func (r *ExamPaperRunner) engine() (*graph.Engine[examgraph.ExamState], error) {
	adapter := store.NewCheckpointAdapter[examgraph.ExamState](r.Store)
	return examgraph.BuildExamPaperGraph(r.Deps, adapter, r.Emitter)
}

func (r *ExamPaperRunner) Run(ctx context.Context, runID string, inputPayload []byte) ([]byte, error) {
	var initial examgraph.ExamState
	if err := json.Unmarshal(inputPayload, &initial); err != nil {
		return nil, fmt.Errorf("worker: decode exam_paper input: %w", err)
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

func (r *ExamPaperRunner) Resume(ctx context.Context, runID string, resumePayload []byte) ([]byte, error) {
	var decision examgraph.ReviewDecision
	if err := decodeResumeEnvelope(resumePayload, &decision); err != nil {
		return nil, fmt.Errorf("worker: decode exam_paper review decision: %w", err)
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

func (r *ExamPaperRunner) IsRejected(output []byte) bool {
	var final examgraph.ExamState
	if err := json.Unmarshal(output, &final); err != nil {
		return false
	}
	return final.Rejected
}
