package examgraph

import (
	"context"
	"fmt"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/internal/collab"
)

// RuleUpgradeApprovalAction is the resume_payload.action value SendEvent
// delivers to a paused await_approval node.
type RuleUpgradeApprovalAction string

const (
	ApprovalApprove RuleUpgradeApprovalAction = "APPROVE"
	ApprovalReject  RuleUpgradeApprovalAction = "REJECT"
)

// RuleUpgradeApprovalDecision is the shape resume_payload.event_data must
// unmarshal into for await_approval.
type RuleUpgradeApprovalDecision struct {
	Action RuleUpgradeApprovalAction
}

// RuleUpgradeState is the RuleUpgrade graph's state: a
// linear pipeline, so every channel is "replace", no list-append channel
// is needed the way ExamState/BatchState need one for fan-out results.
type RuleUpgradeState struct {
	Input map[string]any

	Mined      collab.MinedRules
	Generated  collab.GeneratedRules
	Regression *collab.RegressionReport
	Approved   bool

	DeploymentID string
	Monitor      *collab.MonitorReport
	RolledBack   bool

	// Rejected is set by await_approval on an ApprovalReject ("REJECT")
	// resume decision — the graph still reaches a terminal Command, but the
	// run's business outcome is a rejection rather than a deployed
	// upgrade, the same convention as ExamState.Rejected.
	Rejected bool

	Progress ProgressMarker
	Errors   []ErrorRecord
}

// ReduceRuleUpgrade merges delta into prev: list-append for Errors,
// replace-if-nonzero for everything else, same convention as Reduce and
// ReduceBatch.
func ReduceRuleUpgrade(prev, delta RuleUpgradeState) RuleUpgradeState {
	out := prev
	if delta.Input != nil {
		out.Input = delta.Input
	}
	if delta.Mined != nil {
		out.Mined = delta.Mined
	}
	if delta.Generated != nil {
		out.Generated = delta.Generated
	}
	if delta.Regression != nil {
		out.Regression = delta.Regression
	}
	if delta.Approved {
		out.Approved = true
	}
	if delta.DeploymentID != "" {
		out.DeploymentID = delta.DeploymentID
	}
	if delta.Monitor != nil {
		out.Monitor = delta.Monitor
	}
	if delta.RolledBack {
		out.RolledBack = true
	}
	if delta.Rejected {
		out.Rejected = true
	}
	if delta.Progress != (ProgressMarker{}) {
		out.Progress = delta.Progress
	}
	if len(delta.Errors) > 0 {
		merged := make([]ErrorRecord, 0, len(out.Errors)+len(delta.Errors))
		merged = append(merged, out.Errors...)
		merged = append(merged, delta.Errors...)
		out.Errors = merged
	}
	return out
}

func ruleNodeErr(nodeID string, err error) *graph.NodeError {
	return &graph.NodeError{Message: err.Error(), NodeID: nodeID, Cause: err}
}

func mineNode(collaborator collab.RuleUpgradeCollaborator) graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		mined, err := collaborator.Mine(ctx, s.Input)
		if err != nil {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("mine", err)}
		}
		return graph.NodeResult[RuleUpgradeState]{Command: graph.Update(RuleUpgradeState{
			Mined:    mined,
			Progress: ProgressMarker{Stage: "mined", Fraction: 0.15},
		})}
	})
}

func generateNode(collaborator collab.RuleUpgradeCollaborator) graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		generated, err := collaborator.Generate(ctx, s.Mined)
		if err != nil {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("generate", err)}
		}
		return graph.NodeResult[RuleUpgradeState]{Command: graph.Update(RuleUpgradeState{
			Generated: generated,
			Progress:  ProgressMarker{Stage: "generated", Fraction: 0.3},
		})}
	})
}

func regressionTestNode(collaborator collab.RuleUpgradeCollaborator) graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		report, err := collaborator.RegressionTest(ctx, s.Generated)
		if err != nil {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("regression_test", err)}
		}
		return graph.NodeResult[RuleUpgradeState]{Command: graph.Update(RuleUpgradeState{
			Regression: &report,
			Progress:   ProgressMarker{Stage: "regression_tested", Fraction: 0.45},
		})}
	})
}

// awaitApprovalNode suspends after a passing regression run so an operator
// can sign off before deploy; a failing regression run never reaches this
// node (the conditional edge below routes straight to END).
func awaitApprovalNode() graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		resumeValue, ok := graph.ResumeValue(ctx)
		if !ok {
			return graph.NodeResult[RuleUpgradeState]{Command: graph.Interrupt(RuleUpgradeState{}, map[string]any{
				"regression": s.Regression,
			})}
		}
		decision, ok := resumeValue.(RuleUpgradeApprovalDecision)
		if !ok {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("await_approval", fmt.Errorf("resume value is %T, want RuleUpgradeApprovalDecision", resumeValue))}
		}
		switch decision.Action {
		case ApprovalApprove:
			return graph.NodeResult[RuleUpgradeState]{Command: graph.Update(RuleUpgradeState{Approved: true})}
		case ApprovalReject:
			return graph.NodeResult[RuleUpgradeState]{Command: graph.StopCmd(RuleUpgradeState{
				Rejected: true,
				Progress: ProgressMarker{Stage: "rejected", Fraction: 1.0},
			})}
		default:
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("await_approval", fmt.Errorf("unknown approval action %q", decision.Action))}
		}
	})
}

func deployNode(collaborator collab.RuleUpgradeCollaborator) graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		id, err := collaborator.Deploy(ctx, s.Generated)
		if err != nil {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("deploy", err)}
		}
		return graph.NodeResult[RuleUpgradeState]{Command: graph.Update(RuleUpgradeState{
			DeploymentID: id,
			Progress:     ProgressMarker{Stage: "deployed", Fraction: 0.7},
		})}
	})
}

func monitorNode(collaborator collab.RuleUpgradeCollaborator) graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		report, err := collaborator.Monitor(ctx, s.DeploymentID)
		if err != nil {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("monitor", err)}
		}
		return graph.NodeResult[RuleUpgradeState]{Command: graph.Update(RuleUpgradeState{
			Monitor:  &report,
			Progress: ProgressMarker{Stage: "monitored", Fraction: 0.9},
		})}
	})
}

func rollbackNode(collaborator collab.RuleUpgradeCollaborator) graph.Node[RuleUpgradeState] {
	return graph.NodeFunc[RuleUpgradeState](func(ctx context.Context, s RuleUpgradeState) graph.NodeResult[RuleUpgradeState] {
		if err := collaborator.Rollback(ctx, s.DeploymentID); err != nil {
			return graph.NodeResult[RuleUpgradeState]{Err: ruleNodeErr("rollback", err)}
		}
		return graph.NodeResult[RuleUpgradeState]{Command: graph.StopCmd(RuleUpgradeState{
			RolledBack: true,
			Progress:   ProgressMarker{Stage: "rolled_back", Fraction: 1.0},
		})}
	})
}

// BuildRuleUpgradeGraph wires the linear mine -> generate ->
// regression_test -> [await_approval] -> deploy -> monitor -> [rollback]
// pipeline, backed entirely by collaborator, which owns
// every stage's substance.
func BuildRuleUpgradeGraph(collaborator collab.RuleUpgradeCollaborator, store graph.CheckpointStore[RuleUpgradeState], emitter emit.Emitter, opts ...graph.Option) (*graph.Engine[RuleUpgradeState], error) {
	e := graph.New[RuleUpgradeState](ReduceRuleUpgrade, store, emitter, opts...)

	if err := e.Add("mine", mineNode(collaborator), nil); err != nil {
		return nil, err
	}
	if err := e.Add("generate", generateNode(collaborator), nil); err != nil {
		return nil, err
	}
	if err := e.Add("regression_test", regressionTestNode(collaborator), nil); err != nil {
		return nil, err
	}
	if err := e.Add("await_approval", awaitApprovalNode(), nil); err != nil {
		return nil, err
	}
	if err := e.Add("deploy", deployNode(collaborator), nil); err != nil {
		return nil, err
	}
	if err := e.Add("monitor", monitorNode(collaborator), nil); err != nil {
		return nil, err
	}
	if err := e.Add("rollback", rollbackNode(collaborator), nil); err != nil {
		return nil, err
	}

	if err := e.StartAt("mine"); err != nil {
		return nil, err
	}
	if err := e.Connect("mine", "generate", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("generate", "regression_test", nil); err != nil {
		return nil, err
	}
	// Failing regression never reaches await_approval: no edge is
	// registered for that case, so the run ends there with Regression.Passed
	// == false left in the final state for the caller to inspect.
	if err := e.Connect("regression_test", "await_approval", func(s RuleUpgradeState) bool { return s.Regression != nil && s.Regression.Passed }); err != nil {
		return nil, err
	}
	if err := e.Connect("await_approval", "deploy", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("deploy", "monitor", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("monitor", "rollback", func(s RuleUpgradeState) bool { return s.Monitor != nil && !s.Monitor.Healthy }); err != nil {
		return nil, err
	}

	return e, nil
}
