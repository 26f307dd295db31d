// Package examgraph implements the ExamPaper, BatchGrading, and
// RuleUpgrade graphs over the generic engine in
// package graph, wiring in the collab collaborator contracts, the
// semantic cache, and the rate limiter as node dependencies.
package examgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/internal/cache"
	"github.com/dshills/gradeflow/internal/collab"
)

// ReviewAction is the resume_payload.action value SendEvent delivers to a
// paused wait_for_review node.
type ReviewAction string

const (
	ReviewApprove  ReviewAction = "APPROVE"
	ReviewOverride ReviewAction = "OVERRIDE"
	ReviewReject   ReviewAction = "REJECT"
)

// ReviewDecision is the shape resume_payload.event_data must unmarshal
// into for wait_for_review.
type ReviewDecision struct {
	Action    ReviewAction
	Overrides map[string]ReviewOverride
}

// ReviewOverride replaces one question's score and feedback, keyed by
// question_id in ReviewDecision.Overrides.
type ReviewOverride struct {
	Score        float64
	FeedbackText string
}

// Deps bundles every external collaborator and policy knob the ExamPaper
// graph's nodes need. One Deps is built per worker process and shared by
// every run the worker drives, mirroring how ratelimit.SlidingWindowLimiter
// and the Cache are process-global.
type Deps struct {
	Layout      collab.LayoutAnalysis
	Persistence collab.Persistence
	Notifier    collab.Notifier
	ImageHash   collab.ImageHash
	Cache       *cache.Cache

	// Graders maps a closed question-type enum to the grader that scores
	// it. GraderFor resolves QuestionUnknown to the ESSAY entry.
	Graders map[collab.QuestionType]collab.Grader

	SegmentTimeout time.Duration
	GradeTimeout   time.Duration

	ReviewThreshold float64
	CacheThreshold  float64
}

// GraderFor looks up the grader for qt, falling back to the ESSAY grader
// for QuestionUnknown or any type with no registered entry.
func (d *Deps) GraderFor(qt collab.QuestionType) (collab.Grader, error) {
	if g, ok := d.Graders[qt]; ok {
		return g, nil
	}
	if g, ok := d.Graders[collab.QuestionEssay]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("examgraph: no grader registered for %q and no ESSAY fallback", qt)
}

func nodeErr(nodeID string, err error) *graph.NodeError {
	return &graph.NodeError{Message: err.Error(), NodeID: nodeID, Cause: err}
}

// segmentNode calls the layout-analysis collaborator over every page in
// FileRefs and emits the resulting QuestionRegions. Failure after retries
// is fatal to the run.
func segmentNode(deps *Deps) graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(ctx context.Context, s ExamState) graph.NodeResult[ExamState] {
		var regions []collab.QuestionRegion
		for _, ref := range s.FileRefs {
			rs, err := deps.Layout.Segment(ctx, ref)
			if err != nil {
				return graph.NodeResult[ExamState]{Err: nodeErr("segment", err)}
			}
			regions = append(regions, rs...)
		}
		return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{
			Regions:  regions,
			Progress: ProgressMarker{Stage: "segmented", Fraction: 0.2},
		})}
	})
}

// gradeFanoutRouterNode dispatches one grade_question child per region.
// With zero regions it returns a plain state update so the engine's
// default edge to aggregate fires without ever invoking grade_question.
func gradeFanoutRouterNode() graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(_ context.Context, s ExamState) graph.NodeResult[ExamState] {
		if len(s.Regions) == 0 {
			return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{
				Progress: ProgressMarker{Stage: "no_regions", Fraction: 0.4},
			})}
		}
		sends := make([]graph.SendOne[ExamState], len(s.Regions))
		for i, region := range s.Regions {
			sends[i] = graph.SendOne[ExamState]{
				Node: "grade_question",
				State: ExamState{
					SubmissionID: s.SubmissionID,
					Rubric:       s.Rubric,
					RubricHash:   s.RubricHash,
					Regions:      []collab.QuestionRegion{region},
				},
			}
		}
		return graph.NodeResult[ExamState]{Command: graph.Send(sends...)}
	})
}

// gradeQuestionNode scores the single region carried in its sub-state:
// cache lookup first, then the type-routed grader on a miss, caching
// high-confidence results back. It is wrapped by
// graph.Retry at registration time, not here, so the degradation callback
// has access to the *outer* Deps and the region for building a properly
// shaped degraded result.
func gradeQuestionNode(deps *Deps) graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(ctx context.Context, s ExamState) graph.NodeResult[ExamState] {
		if len(s.Regions) != 1 {
			return graph.NodeResult[ExamState]{Err: nodeErr("grade_question", fmt.Errorf("expected exactly one region, got %d", len(s.Regions)))}
		}
		region := s.Regions[0]

		if result, ok := lookupCache(ctx, deps, s.RubricHash, region); ok {
			return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{
				GradingResults: []collab.GradingResult{result},
			})}
		}

		grader, err := deps.GraderFor(region.QuestionType)
		if err != nil {
			return graph.NodeResult[ExamState]{Err: nodeErr("grade_question", err)}
		}
		result, err := grader.Grade(ctx, region.ImageRef, s.Rubric, region.QuestionType)
		if err != nil {
			return graph.NodeResult[ExamState]{Err: nodeErr("grade_question", err)}
		}
		result.QuestionID = region.QuestionID
		result.MaxScore = region.MaxScore

		storeCache(ctx, deps, s.RubricHash, region, result)

		return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{
			GradingResults: []collab.GradingResult{result},
		})}
	})
}

func lookupCache(ctx context.Context, deps *Deps, rubricHash string, region collab.QuestionRegion) (collab.GradingResult, bool) {
	if deps.Cache == nil || deps.ImageHash == nil {
		return collab.GradingResult{}, false
	}
	imgHash, err := deps.ImageHash.Perceptual(ctx, region.ImageRef)
	if err != nil {
		return collab.GradingResult{}, false
	}
	cached, hit := deps.Cache.Lookup(ctx, cache.Key{RubricHash: rubricHash, ImageHash: asPhash(imgHash)})
	if !hit {
		return collab.GradingResult{}, false
	}
	return collab.GradingResult{
		QuestionID:   region.QuestionID,
		Score:        cached.Score,
		MaxScore:     region.MaxScore,
		Confidence:   cached.Confidence,
		AgentType:    "cache",
		FeedbackText: cached.Feedback,
	}, true
}

func storeCache(ctx context.Context, deps *Deps, rubricHash string, region collab.QuestionRegion, result collab.GradingResult) {
	if deps.Cache == nil || deps.ImageHash == nil {
		return
	}
	if result.Confidence <= deps.CacheThreshold {
		return
	}
	imgHash, err := deps.ImageHash.Perceptual(ctx, region.ImageRef)
	if err != nil {
		return
	}
	deps.Cache.Store(ctx, cache.Key{RubricHash: rubricHash, ImageHash: asPhash(imgHash)}, cache.Result{
		Score:      result.Score,
		Confidence: result.Confidence,
		Feedback:   result.FeedbackText,
	})
}

// degradedGradeResult builds the graceful-degradation placeholder required
// on retry exhaustion: score 0, confidence 0, a fixed feedback string, and
// an error record appended to the run's Errors channel so the fatal cause
// is auditable without failing the run.
func degradedGradeResult(region collab.QuestionRegion, lastErr error, attempt int) ExamState {
	return ExamState{
		GradingResults: []collab.GradingResult{{
			QuestionID:   region.QuestionID,
			Score:        0,
			MaxScore:     region.MaxScore,
			Confidence:   0,
			AgentType:    "degraded",
			FeedbackText: "needs human review",
		}},
		Errors: []ErrorRecord{{
			NodeID:     "grade_question",
			Message:    lastErr.Error(),
			Attempt:    attempt,
			OccurredAt: time.Now().UTC(),
		}},
	}
}

// aggregateNode sums scores across every grading result and flags the
// review gate.
func aggregateNode() graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(_ context.Context, s ExamState) graph.NodeResult[ExamState] {
		var total, maxTotal float64
		minConf := 1.0
		for _, r := range s.GradingResults {
			total += r.Score
			maxTotal += r.MaxScore
			if r.Confidence < minConf {
				minConf = r.Confidence
			}
		}
		if len(s.GradingResults) == 0 {
			minConf = 1.0
		}
		return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{
			TotalScore:       total,
			TotalScoreSet:    true,
			MaxTotalScore:    maxTotal,
			MaxTotalScoreSet: true,
			MinConfidence:    minConf,
			MinConfidenceSet: true,
			NeedsReview:      minConf < reviewThresholdOrDefault(s),
			Progress:         ProgressMarker{Stage: "aggregated", Fraction: 0.8},
		})}
	})
}

// reviewThresholdOrDefault exists only so aggregateNode's closure doesn't
// need to capture Deps by value; the actual threshold is applied by
// needsReviewPredicate below, which does have Deps. aggregateNode always
// computes NeedsReview against the published default so that state alone
// (without Deps) stays meaningful for inspection/logging; the edge
// predicate is the actual gate.
func reviewThresholdOrDefault(_ ExamState) float64 { return 0.75 }

// needsReviewPredicate is the real review_check conditional edge,
// evaluated against the configured threshold rather than the 0.75 default
// aggregateNode stamps into state.
func needsReviewPredicate(deps *Deps) graph.Predicate[ExamState] {
	return func(s ExamState) bool {
		if len(s.GradingResults) == 0 {
			return false
		}
		return s.MinConfidence < deps.ReviewThreshold
	}
}

// waitForReviewNode suspends the run on first entry and, on resume,
// applies the reviewer's decision.
func waitForReviewNode() graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(ctx context.Context, s ExamState) graph.NodeResult[ExamState] {
		resumeValue, ok := graph.ResumeValue(ctx)
		if !ok {
			return graph.NodeResult[ExamState]{Command: graph.Interrupt(ExamState{}, map[string]any{
				"needs_review":    true,
				"min_confidence":  s.MinConfidence,
				"grading_results": s.GradingResults,
			})}
		}

		decision, ok := resumeValue.(ReviewDecision)
		if !ok {
			return graph.NodeResult[ExamState]{Err: nodeErr("wait_for_review", fmt.Errorf("resume value is %T, want ReviewDecision", resumeValue))}
		}

		switch decision.Action {
		case ReviewApprove:
			return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{})}
		case ReviewOverride:
			return graph.NodeResult[ExamState]{Command: graph.Update(applyOverrides(s, decision.Overrides))}
		case ReviewReject:
			return graph.NodeResult[ExamState]{Command: graph.StopCmd(ExamState{Rejected: true})}
		default:
			return graph.NodeResult[ExamState]{Err: nodeErr("wait_for_review", fmt.Errorf("unknown review action %q", decision.Action))}
		}
	})
}

// applyOverrides replaces the score/feedback of every overridden question
// in place, recomputing TotalScore so P3's invariant still holds after an
// OVERRIDE resume. The returned delta sets ReplaceGradingResults so Reduce
// replaces the accumulated list instead of appending beside it.
func applyOverrides(s ExamState, overrides map[string]ReviewOverride) ExamState {
	results := make([]collab.GradingResult, len(s.GradingResults))
	copy(results, s.GradingResults)

	var total float64
	for i, r := range results {
		if ov, ok := overrides[r.QuestionID]; ok {
			r.Score = ov.Score
			r.FeedbackText = ov.FeedbackText
			results[i] = r
		}
		total += results[i].Score
	}

	return ExamState{
		GradingResults:        results,
		ReplaceGradingResults: true,
		TotalScore:            total,
		TotalScoreSet:         true,
	}
}

// persistNode writes the final grading results to durable storage.
func persistNode(deps *Deps) graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(ctx context.Context, s ExamState) graph.NodeResult[ExamState] {
		if err := deps.Persistence.SaveResults(ctx, s.SubmissionID, s.GradingResults); err != nil {
			return graph.NodeResult[ExamState]{Err: nodeErr("persist", err)}
		}
		return graph.NodeResult[ExamState]{Command: graph.Update(ExamState{
			Progress: ProgressMarker{Stage: "persisted", Fraction: 0.95},
		})}
	})
}

// notifyNode fires the submission's completion event
// and ends the run.
func notifyNode(deps *Deps) graph.Node[ExamState] {
	return graph.NodeFunc[ExamState](func(ctx context.Context, s ExamState) graph.NodeResult[ExamState] {
		eventType := "graded"
		if s.NeedsReview {
			eventType = "graded_after_review"
		}
		if err := deps.Notifier.Notify(ctx, s.SubmissionID, eventType); err != nil {
			return graph.NodeResult[ExamState]{Err: nodeErr("notify", err)}
		}
		return graph.NodeResult[ExamState]{Command: graph.StopCmd(ExamState{
			Progress: ProgressMarker{Stage: "notified", Fraction: 1.0},
		})}
	})
}

// BuildExamPaperGraph wires the seven named nodes and edges onto a fresh
// engine: segment -> grade_fanout_router -> (Send x N grade_question) ->
// aggregate -> [wait_for_review] -> persist -> notify. review_check has no
// node of its own — it is the conditional edge leaving aggregate.
func BuildExamPaperGraph(deps *Deps, store graph.CheckpointStore[ExamState], emitter emit.Emitter, opts ...graph.Option) (*graph.Engine[ExamState], error) {
	if deps.SegmentTimeout == 0 {
		deps.SegmentTimeout = 300 * time.Second
	}
	if deps.GradeTimeout == 0 {
		deps.GradeTimeout = 120 * time.Second
	}
	if deps.ReviewThreshold == 0 {
		deps.ReviewThreshold = 0.75
	}
	if deps.CacheThreshold == 0 {
		deps.CacheThreshold = 0.90
	}

	e := graph.New[ExamState](Reduce, store, emitter, opts...)

	segment := graph.Retry[ExamState](segmentNode(deps), nil, nil)
	gradeQuestion := graph.Retry[ExamState](gradeQuestionNode(deps), nil, func(s ExamState, lastErr error) graph.Command[ExamState] {
		region := s.Regions[0]
		return graph.Update(degradedGradeResult(region, lastErr, graph.DefaultGradingRetryPolicy().MaxAttempts))
	})

	if err := e.Add("segment", segment, &graph.NodePolicy{Timeout: deps.SegmentTimeout}); err != nil {
		return nil, err
	}
	if err := e.Add("grade_fanout_router", gradeFanoutRouterNode(), nil); err != nil {
		return nil, err
	}
	if err := e.Add("grade_question", gradeQuestion, &graph.NodePolicy{Timeout: deps.GradeTimeout}); err != nil {
		return nil, err
	}
	if err := e.Add("aggregate", aggregateNode(), nil); err != nil {
		return nil, err
	}
	if err := e.Add("wait_for_review", waitForReviewNode(), nil); err != nil {
		return nil, err
	}
	if err := e.Add("persist", persistNode(deps), nil); err != nil {
		return nil, err
	}
	if err := e.Add("notify", notifyNode(deps), nil); err != nil {
		return nil, err
	}

	if err := e.StartAt("segment"); err != nil {
		return nil, err
	}

	if err := e.Connect("segment", "grade_fanout_router", nil); err != nil {
		return nil, err
	}
	// No-regions path: gradeFanoutRouterNode returns a plain StateUpdate,
	// so the engine evaluates edges from grade_fanout_router itself.
	if err := e.Connect("grade_fanout_router", "aggregate", func(s ExamState) bool { return len(s.Regions) == 0 }); err != nil {
		return nil, err
	}
	// Fan-out path: the Send fan-in evaluates edges from the child node
	// name (grade_question), per engine.go's executeSend continuation.
	if err := e.Connect("grade_question", "aggregate", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("aggregate", "wait_for_review", needsReviewPredicate(deps)); err != nil {
		return nil, err
	}
	if err := e.Connect("aggregate", "persist", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("wait_for_review", "persist", nil); err != nil {
		return nil, err
	}
	if err := e.Connect("persist", "notify", nil); err != nil {
		return nil, err
	}

	return e, nil
}

func asPhash(h uint64) interface{ Uint64() uint64 } { return uint64Hash(h) }

// uint64Hash adapts collab.ImageHash's plain uint64 return into the
// cache.Key.ImageHash field's phash.Hash type without the cache package
// importing collab (it would invert the dependency direction: collab is
// the external-facing contracts package, cache is a support service below
// it).
type uint64Hash uint64

func (h uint64Hash) Uint64() uint64 { return uint64(h) }
