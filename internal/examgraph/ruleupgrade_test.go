package examgraph

import (
	"context"
	"testing"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/collab"
)

func newTestRuleUpgradeEngine(t *testing.T, collaborator collab.RuleUpgradeCollaborator) *graph.Engine[RuleUpgradeState] {
	t.Helper()
	adapter := store.NewCheckpointAdapter[RuleUpgradeState](store.NewMemRunStore())
	e, err := BuildRuleUpgradeGraph(collaborator, adapter, emit.NullEmitter{})
	if err != nil {
		t.Fatalf("BuildRuleUpgradeGraph: %v", err)
	}
	return e
}

func TestRuleUpgradeGraphPassingRegressionWaitsForApproval(t *testing.T) {
	mock := &collab.MockRuleUpgradeCollaborator{
		Mined:      collab.MinedRules{"rule": "x"},
		Generated:  collab.GeneratedRules{"rule": "y"},
		Regression: collab.RegressionReport{Passed: true},
	}
	e := newTestRuleUpgradeEngine(t, mock)

	_, err := e.Run(context.Background(), "upgrade-1", RuleUpgradeState{Input: map[string]any{"source": "logs"}})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("err = %v (%T), want *graph.InterruptError at await_approval", err, err)
	}
}

func TestRuleUpgradeGraphFailingRegressionEndsWithoutApproval(t *testing.T) {
	mock := &collab.MockRuleUpgradeCollaborator{
		Mined:      collab.MinedRules{"rule": "x"},
		Generated:  collab.GeneratedRules{"rule": "y"},
		Regression: collab.RegressionReport{Passed: false, FailureCount: 3},
	}
	e := newTestRuleUpgradeEngine(t, mock)

	final, err := e.Run(context.Background(), "upgrade-2", RuleUpgradeState{Input: map[string]any{"source": "logs"}})
	if err != nil {
		t.Fatalf("Run: %v, want the run to end quietly at regression_test", err)
	}
	if final.Approved {
		t.Error("Approved = true on a failing regression run")
	}
	if final.DeploymentID != "" {
		t.Error("DeploymentID set despite failing regression")
	}
}

func TestRuleUpgradeGraphApproveDeploysAndMonitorsHealthy(t *testing.T) {
	mock := &collab.MockRuleUpgradeCollaborator{
		Regression:   collab.RegressionReport{Passed: true},
		DeploymentID: "deploy-123",
		Monitored:    collab.MonitorReport{Healthy: true},
	}
	e := newTestRuleUpgradeEngine(t, mock)

	_, err := e.Run(context.Background(), "upgrade-3", RuleUpgradeState{Input: map[string]any{"source": "logs"}})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt at await_approval, got %v", err)
	}

	final, err := e.Resume(context.Background(), "upgrade-3", RuleUpgradeApprovalDecision{Action: ApprovalApprove})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.DeploymentID != "deploy-123" {
		t.Errorf("DeploymentID = %q, want deploy-123", final.DeploymentID)
	}
	if final.RolledBack {
		t.Error("RolledBack = true on a healthy deployment")
	}
}

func TestRuleUpgradeGraphUnhealthyMonitorTriggersRollback(t *testing.T) {
	mock := &collab.MockRuleUpgradeCollaborator{
		Regression:   collab.RegressionReport{Passed: true},
		DeploymentID: "deploy-456",
		Monitored:    collab.MonitorReport{Healthy: false},
	}
	e := newTestRuleUpgradeEngine(t, mock)

	_, err := e.Run(context.Background(), "upgrade-4", RuleUpgradeState{Input: map[string]any{"source": "logs"}})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt at await_approval, got %v", err)
	}

	final, err := e.Resume(context.Background(), "upgrade-4", RuleUpgradeApprovalDecision{Action: ApprovalApprove})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !final.RolledBack {
		t.Error("RolledBack = false despite unhealthy monitor report")
	}
	if len(mock.RolledBackIDs) != 1 || mock.RolledBackIDs[0] != "deploy-456" {
		t.Errorf("RolledBackIDs = %v, want [deploy-456]", mock.RolledBackIDs)
	}
}

func TestRuleUpgradeGraphRejectStopsBeforeDeploy(t *testing.T) {
	mock := &collab.MockRuleUpgradeCollaborator{
		Regression: collab.RegressionReport{Passed: true},
	}
	e := newTestRuleUpgradeEngine(t, mock)

	_, err := e.Run(context.Background(), "upgrade-5", RuleUpgradeState{Input: map[string]any{"source": "logs"}})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt at await_approval, got %v", err)
	}

	final, err := e.Resume(context.Background(), "upgrade-5", RuleUpgradeApprovalDecision{Action: ApprovalReject})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.DeploymentID != "" {
		t.Error("DeploymentID set despite rejected approval")
	}
}

func TestRuleUpgradeGraphMineFailureIsFatal(t *testing.T) {
	mock := &collab.MockRuleUpgradeCollaborator{ErrStage: "mine", Err: context.DeadlineExceeded}
	e := newTestRuleUpgradeEngine(t, mock)

	_, err := e.Run(context.Background(), "upgrade-6", RuleUpgradeState{Input: map[string]any{"source": "logs"}})
	if err == nil {
		t.Fatal("expected mine failure to fail the run")
	}
}

func TestReduceRuleUpgradeMergesRegressionPointer(t *testing.T) {
	prev := RuleUpgradeState{}
	delta := RuleUpgradeState{Regression: &collab.RegressionReport{Passed: true}}
	out := ReduceRuleUpgrade(prev, delta)
	if out.Regression == nil || !out.Regression.Passed {
		t.Fatalf("Regression = %+v, want a passing report", out.Regression)
	}
}
