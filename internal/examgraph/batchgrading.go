package examgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/cache"
	"github.com/dshills/gradeflow/internal/collab"
)

// BatchBoundaryAction is the resume_payload.action value SendEvent
// delivers to a paused detect_student_boundaries node, mirroring
// ReviewAction for the single-exam review gate.
type BatchBoundaryAction string

const (
	BoundaryConfirm BatchBoundaryAction = "CONFIRM"
	BoundaryAdjust  BatchBoundaryAction = "ADJUST"
	BoundaryReject  BatchBoundaryAction = "REJECT"
)

// BatchBoundaryDecision is the shape resume_payload.event_data must
// unmarshal into for detect_student_boundaries.
type BatchBoundaryDecision struct {
	Action    BatchBoundaryAction
	Corrected []collab.StudentBoundary // used only by ADJUST
}

// StudentResult is one nested ExamPaper sub-run's outcome, folded into
// BatchState.StudentResults (list-append reducer).
type StudentResult struct {
	SubmissionID  string
	TotalScore    float64
	MaxTotalScore float64
	NeedsReview   bool
	Rejected      bool
	Error         string
}

// BatchState is the BatchGrading graph's state.
type BatchState struct {
	BatchID string
	// FileRefs is the full, un-partitioned multi-student page stream.
	FileRefs []string
	Rubric   string

	Boundaries []collab.StudentBoundary

	// StudentResults uses a list-append reducer, same convention as
	// ExamState.GradingResults.
	StudentResults []StudentResult

	Progress ProgressMarker
	Errors   []ErrorRecord

	NeedsBoundaryReview bool
	MinBoundaryConf     float64
	// MinBoundaryConfSet marks that a delta explicitly carries a
	// MinBoundaryConf value, the same dirty-bit convention as
	// ExamState.MinConfidenceSet — a zero sentinel can't tell "unset" from
	// a legitimate 0-confidence boundary detection.
	MinBoundaryConfSet bool
}

// ReduceBatch merges delta into prev with the same replace-if-nonzero /
// list-append convention as examgraph.Reduce.
func ReduceBatch(prev, delta BatchState) BatchState {
	out := prev
	if delta.BatchID != "" {
		out.BatchID = delta.BatchID
	}
	if len(delta.FileRefs) > 0 {
		out.FileRefs = delta.FileRefs
	}
	if delta.Rubric != "" {
		out.Rubric = delta.Rubric
	}
	if len(delta.Boundaries) > 0 {
		out.Boundaries = delta.Boundaries
	}
	if len(delta.StudentResults) > 0 {
		merged := make([]StudentResult, 0, len(out.StudentResults)+len(delta.StudentResults))
		merged = append(merged, out.StudentResults...)
		merged = append(merged, delta.StudentResults...)
		out.StudentResults = merged
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
	if delta.NeedsBoundaryReview {
		out.NeedsBoundaryReview = true
	}
	if delta.MinBoundaryConfSet {
		out.MinBoundaryConf = delta.MinBoundaryConf
		out.MinBoundaryConfSet = true
	}
	return out
}

// BatchDeps bundles the BatchGrading graph's collaborators: the boundary
// detector it owns directly, plus the full ExamDeps every nested
// ExamPaper sub-run needs, and the RunStore the graph uses to build each
// sub-run's own CheckpointStore[ExamState] (the nested run is a distinct
// thread: the design unifies run_id/thread_id, and a student slice's nested
// run gets its own, BatchID-prefixed, thread).
type BatchDeps struct {
	Boundary collab.BoundaryDetector
	ExamDeps *Deps
	RunStore store.RunStore
	Emitter  emit.Emitter

	BoundaryReviewThreshold float64
}

func batchNodeErr(nodeID string, err error) *graph.NodeError {
	return &graph.NodeError{Message: err.Error(), NodeID: nodeID, Cause: err}
}

// detectStudentBoundariesNode partitions FileRefs into per-student slices
// and, below threshold confidence, interrupts for teacher confirmation
// using the same interrupt/resume pattern as
// waitForReviewNode.
func detectStudentBoundariesNode(deps *BatchDeps) graph.Node[BatchState] {
	return graph.NodeFunc[BatchState](func(ctx context.Context, s BatchState) graph.NodeResult[BatchState] {
		resumeValue, resuming := graph.ResumeValue(ctx)
		if resuming {
			decision, ok := resumeValue.(BatchBoundaryDecision)
			if !ok {
				return graph.NodeResult[BatchState]{Err: batchNodeErr("detect_student_boundaries", fmt.Errorf("resume value is %T, want BatchBoundaryDecision", resumeValue))}
			}
			switch decision.Action {
			case BoundaryConfirm:
				return graph.NodeResult[BatchState]{Command: graph.Update(BatchState{Boundaries: s.Boundaries})}
			case BoundaryAdjust:
				return graph.NodeResult[BatchState]{Command: graph.Update(BatchState{Boundaries: decision.Corrected})}
			case BoundaryReject:
				return graph.NodeResult[BatchState]{Command: graph.StopCmd(BatchState{
					Progress: ProgressMarker{Stage: "boundaries_rejected", Fraction: 1.0},
				})}
			default:
				return graph.NodeResult[BatchState]{Err: batchNodeErr("detect_student_boundaries", fmt.Errorf("unknown boundary action %q", decision.Action))}
			}
		}

		boundaries, err := deps.Boundary.DetectBoundaries(ctx, s.FileRefs)
		if err != nil {
			return graph.NodeResult[BatchState]{Err: batchNodeErr("detect_student_boundaries", err)}
		}

		minConf := 1.0
		for _, b := range boundaries {
			if b.Confidence < minConf {
				minConf = b.Confidence
			}
		}
		if len(boundaries) == 0 {
			minConf = 1.0
		}

		if minConf < deps.BoundaryReviewThreshold {
			return graph.NodeResult[BatchState]{Command: graph.Interrupt(BatchState{
				Boundaries:          boundaries,
				NeedsBoundaryReview: true,
				MinBoundaryConf:     minConf,
				MinBoundaryConfSet:  true,
			}, map[string]any{
				"needs_boundary_review": true,
				"min_confidence":        minConf,
				"boundaries":            boundaries,
			})}
		}

		return graph.NodeResult[BatchState]{Command: graph.Update(BatchState{
			Boundaries:         boundaries,
			MinBoundaryConf:    minConf,
			MinBoundaryConfSet: true,
			Progress:           ProgressMarker{Stage: "boundaries_detected", Fraction: 0.2},
		})}
	})
}

// boundaryFanoutRouterNode dispatches one run_student_exam child per
// confirmed boundary, mirroring gradeFanoutRouterNode's zero-regions
// short-circuit.
func boundaryFanoutRouterNode() graph.Node[BatchState] {
	return graph.NodeFunc[BatchState](func(_ context.Context, s BatchState) graph.NodeResult[BatchState] {
		if len(s.Boundaries) == 0 {
			return graph.NodeResult[BatchState]{Command: graph.Update(BatchState{
				Progress: ProgressMarker{Stage: "no_students", Fraction: 0.4},
			})}
		}
		sends := make([]graph.SendOne[BatchState], len(s.Boundaries))
		for i, b := range s.Boundaries {
			sends[i] = graph.SendOne[BatchState]{
				Node: "run_student_exam",
				State: BatchState{
					BatchID:    s.BatchID,
					Rubric:     s.Rubric,
					Boundaries: []collab.StudentBoundary{b},
				},
			}
		}
		return graph.NodeResult[BatchState]{Command: graph.Send(sends...)}
	})
}

// runStudentExamNode drives one student slice through a full, nested
// ExamPaper graph on its own thread (BatchID:SubmissionID), folding the sub-run's
// outcome back as one StudentResult. A sub-run error or interrupt does not
// fail the parent batch — it is recorded per-student, same graceful-
// isolation principle as grade_question's per-region retry.
func runStudentExamNode(deps *BatchDeps) graph.Node[BatchState] {
	return graph.NodeFunc[BatchState](func(ctx context.Context, s BatchState) graph.NodeResult[BatchState] {
		if len(s.Boundaries) != 1 {
			return graph.NodeResult[BatchState]{Err: batchNodeErr("run_student_exam", fmt.Errorf("expected exactly one boundary, got %d", len(s.Boundaries)))}
		}
		boundary := s.Boundaries[0]
		childThreadID := s.BatchID + ":" + boundary.SubmissionID

		adapter := store.NewCheckpointAdapter[ExamState](deps.RunStore)
		examEngine, err := BuildExamPaperGraph(deps.ExamDeps, adapter, deps.Emitter)
		if err != nil {
			return graph.NodeResult[BatchState]{Err: batchNodeErr("run_student_exam", err)}
		}

		final, runErr := examEngine.Run(ctx, childThreadID, ExamState{
			SubmissionID: boundary.SubmissionID,
			FileRefs:     boundary.FileRefs,
			Rubric:       s.Rubric,
			RubricHash:   cache.RubricHash(s.Rubric),
		})

		result := StudentResult{
			SubmissionID:  boundary.SubmissionID,
			TotalScore:    final.TotalScore,
			MaxTotalScore: final.MaxTotalScore,
			NeedsReview:   final.NeedsReview,
			Rejected:      final.Rejected,
		}
		if runErr != nil {
			if _, interrupted := runErr.(*graph.InterruptError); interrupted {
				result.NeedsReview = true
			} else {
				result.Error = runErr.Error()
			}
		}

		return graph.NodeResult[BatchState]{Command: graph.Update(BatchState{
			StudentResults: []StudentResult{result},
		})}
	})
}

// aggregateBatchNode rolls every nested sub-run's outcome into the batch's
// own progress/errors channels.
func aggregateBatchNode() graph.Node[BatchState] {
	return graph.NodeFunc[BatchState](func(_ context.Context, s BatchState) graph.NodeResult[BatchState] {
		var errs []ErrorRecord
		for _, r := range s.StudentResults {
			if r.Error != "" {
				errs = append(errs, ErrorRecord{NodeID: "run_student_exam", Message: r.Error, OccurredAt: time.Now().UTC()})
			}
		}
		return graph.NodeResult[BatchState]{Command: graph.Update(BatchState{
			Errors:   errs,
			Progress: ProgressMarker{Stage: "batch_aggregated", Fraction: 0.9},
		})}
	})
}

// notifyBatchNode fires a single completion event for the whole batch
// submission and ends the run.
func notifyBatchNode(notifier collab.Notifier) graph.Node[BatchState] {
	return graph.NodeFunc[BatchState](func(ctx context.Context, s BatchState) graph.NodeResult[BatchState] {
		if notifier != nil {
			if err := notifier.Notify(ctx, s.BatchID, "batch_graded"); err != nil {
				return graph.NodeResult[BatchState]{Err: batchNodeErr("notify_batch", err)}
			}
		}
		return graph.NodeResult[BatchState]{Command: graph.StopCmd(BatchState{
			Progress: ProgressMarker{Stage: "batch_notified", Fraction: 1.0},
		})}
	})
}

// BuildBatchGradingGraph wires detect_student_boundaries ->
// boundary_fanout_router -> (Send x N run_student_exam) ->
// aggregate_batch -> notify_batch.
func BuildBatchGradingGraph(deps *BatchDeps, store graph.CheckpointStore[BatchState], emitter emit.Emitter, opts ...graph.Option) (*graph.Engine[BatchState], error) {
	if deps.BoundaryReviewThreshold == 0 {
		deps.BoundaryReviewThreshold = 0.75
	}

	e := graph.New[BatchState](ReduceBatch, store, emitter, opts...)

	if err := e.Add("detect_student_boundaries", detectStudentBoundariesNode(deps), nil); err != nil {
		return nil, err
	}
	if err := e.Add("boundary_fanout_router", boundaryFanoutRouterNode(), nil); err != nil {
		return nil, err
	}
	if err := e.Add("run_student_exam", runStudentExamNode(deps), &graph.NodePolicy{Timeout: 10 * time.Minute}); err != nil {
		return nil, err
	}
	if err := e.Add("aggregate_batch", aggregateBatchNode(), nil); err != nil {
		return nil, err
	}
	if err := e.Add("notify_batch", notifyBatchNode(deps.ExamDeps.Notifier), nil); err != nil {
		return nil, err
	}

	if err := e.StartAt("detect_student_boundaries"); err != nil {
		return nil, err
	}
	if err := e.Connect("detect_student_boundaries", "boundary_fanout_router", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("boundary_fanout_router", "aggregate_batch", func(s BatchState) bool { return len(s.Boundaries) == 0 }); err != nil {
		return nil, err
	}
	if err := e.Connect("run_student_exam", "aggregate_batch", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("aggregate_batch", "notify_batch", nil); err != nil {
		return nil, err
	}

	return e, nil
}
