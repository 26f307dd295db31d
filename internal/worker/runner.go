// Package worker implements gradeflow's Worker Pool: the
// long-lived claim -> run -> release loop that picks PENDING/resumable
// runs off the State Store and drives them through a Graph Engine to
// completion, suspension, or failure.
package worker

import (
	"context"
	"encoding/json"

	"github.com/dshills/gradeflow/graph/store"
)

// GraphRunner bridges one named graph's typed Engine into the Pool's
// generic claim/run/release loop, carrying the run row's opaque
// input_payload/output_payload/resume_payload JSON across the boundary
// into the graph's own state and resume-decision types. One GraphRunner
// per store.GraphName is registered with the Pool.
type GraphRunner interface {
	GraphName() store.GraphName

	// Run starts a fresh attempt at runID from the graph's entry node,
	// decoding inputPayload into the graph's initial state. A returned
	// *graph.InterruptError means the run paused; any other non-nil error
	// means the run failed terminally. A nil error's []byte is the run's
	// output_payload.
	Run(ctx context.Context, runID string, inputPayload []byte) ([]byte, error)

	// Resume continues runID — either replaying a crashed intent or
	// delivering resumePayload to the
	// node that interrupted it. Same error contract as Run.
	Resume(ctx context.Context, runID string, resumePayload []byte) ([]byte, error)

	// IsRejected inspects a successful Run/Resume's output payload for a
	// rejection marker — a REJECT review decision reaches a terminal
	// Command with a nil error like any other successful completion, so
	// the Pool cannot tell a rejected run from a graded/approved one from
	// the error alone. Returns false for graphs with no rejection marker.
	IsRejected(output []byte) bool
}

// resumeEnvelope mirrors orchestrator.SendEvent's wire shape so a runner
// can recover the typed decision an interrupted node expects.
type resumeEnvelope struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
}

// decodeResumeEnvelope decodes resumePayload's event_data into out. An
// empty resumePayload (the crash-recovery resume path, where there is no
// SendEvent decision to deliver — the engine ignores the resume value
// unless a checkpointed interrupt is actually pending) leaves out
// untouched rather than erroring.
func decodeResumeEnvelope(resumePayload []byte, out any) error {
	if len(resumePayload) == 0 {
		return nil
	}
	var env resumeEnvelope
	if err := json.Unmarshal(resumePayload, &env); err != nil {
		return err
	}
	if len(env.EventData) == 0 {
		return nil
	}
	return json.Unmarshal(env.EventData, out)
}
