package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/collab"
	"github.com/dshills/gradeflow/internal/examgraph"
)

// RuleUpgradeRunner adapts examgraph.BuildRuleUpgradeGraph to GraphRunner.
type RuleUpgradeRunner struct {
	Collaborator collab.RuleUpgradeCollaborator
	Store        store.RunStore
	Emitter      emit.Emitter
}

func (r *RuleUpgradeRunner) GraphName() store.GraphName { return store.GraphRuleUpgrade }

func (r *RuleUpgradeRunner) engine() (*graph.Engine[examgraph.RuleUpgradeState], error) {
	adapter := store.NewCheckpointAdapter[examgraph.RuleUpgradeState](r.Store)
	return examgraph.BuildRuleUpgradeGraph(r.Collaborator, adapter, r.Emitter)
}

func (r *RuleUpgradeRunner) Run(ctx context.Context, runID string, inputPayload []byte) ([]byte, error) {
	var initial examgraph.RuleUpgradeState
	if err := json.Unmarshal(inputPayload, &initial); err != nil {
		return nil, fmt.Errorf("worker: decode rule_upgrade input: %w", err)
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

func (r *RuleUpgradeRunner) Resume(ctx context.Context, runID string, resumePayload []byte) ([]byte, error) {
	var decision examgraph.RuleUpgradeApprovalDecision
	if err := decodeResumeEnvelope(resumePayload, &decision); err != nil {
		return nil, fmt.Errorf("worker: decode rule_upgrade approval decision: %w", err)
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

func (r *RuleUpgradeRunner) IsRejected(output []byte) bool {
	var final examgraph.RuleUpgradeState
	if err := json.Unmarshal(output, &final); err != nil {
		return false
	}
	return final.Rejected
}
