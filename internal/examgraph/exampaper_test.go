package examgraph

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/gradeflow/graph"
	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/cache"
	"github.com/dshills/gradeflow/internal/collab"
)

func testDeps(t *testing.T, grader collab.Grader) *Deps {
	t.Helper()
	return &Deps{
		Layout: &collab.MockLayoutAnalysis{Regions: []collab.QuestionRegion{
			{QuestionID: "q1", ImageRef: "img1", QuestionType: collab.QuestionEssay, MaxScore: 10},
			{QuestionID: "q2", ImageRef: "img2", QuestionType: collab.QuestionEssay, MaxScore: 10},
		}},
		Persistence: &collab.MockPersistence{},
		Notifier:    &collab.MockNotifier{},
		Graders:     map[collab.QuestionType]collab.Grader{collab.QuestionEssay: grader},
	}
}

func newTestEngine(t *testing.T, deps *Deps) *graph.Engine[ExamState] {
	t.Helper()
	adapter := store.NewCheckpointAdapter[ExamState](store.NewMemRunStore())
	e, err := BuildExamPaperGraph(deps, adapter, emit.NullEmitter{})
	if err != nil {
		t.Fatalf("BuildExamPaperGraph: %v", err)
	}
	return e
}

func TestExamPaperGraphGradesAndCompletes(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 8, Confidence: 0.95, FeedbackText: "good"},
		{Score: 9, Confidence: 0.92, FeedbackText: "great"},
	}}
	deps := testDeps(t, grader)
	e := newTestEngine(t, deps)

	final, err := e.Run(context.Background(), "run-1", ExamState{
		SubmissionID: "sub-1",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.TotalScore != 17 {
		t.Errorf("TotalScore = %v, want 17", final.TotalScore)
	}
	if final.MaxTotalScore != 20 {
		t.Errorf("MaxTotalScore = %v, want 20", final.MaxTotalScore)
	}
	if final.NeedsReview {
		t.Error("NeedsReview = true, want false (confidence above threshold)")
	}
	if grader.CallCount() != 2 {
		t.Errorf("grader called %d times, want 2", grader.CallCount())
	}
}

func TestExamPaperGraphLowConfidenceTriggersReview(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 3, Confidence: 0.4, FeedbackText: "unsure"},
		{Score: 9, Confidence: 0.9, FeedbackText: "great"},
	}}
	deps := testDeps(t, grader)
	e := newTestEngine(t, deps)

	_, err := e.Run(context.Background(), "run-2", ExamState{
		SubmissionID: "sub-2",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err == nil {
		t.Fatal("expected an InterruptError from wait_for_review, got nil")
	}
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("err = %T, want *graph.InterruptError", err)
	}
}

func TestExamPaperGraphReviewApprovalResumes(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 3, Confidence: 0.4, FeedbackText: "unsure"},
		{Score: 9, Confidence: 0.9, FeedbackText: "great"},
	}}
	deps := testDeps(t, grader)
	e := newTestEngine(t, deps)

	_, err := e.Run(context.Background(), "run-3", ExamState{
		SubmissionID: "sub-3",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt, got %v", err)
	}

	final, err := e.Resume(context.Background(), "run-3", ReviewDecision{Action: ReviewApprove})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final.Rejected {
		t.Error("Rejected = true after APPROVE")
	}
	notifier := deps.Notifier.(*collab.MockNotifier)
	if len(notifier.Events) != 1 || notifier.Events[0].EventType != "graded_after_review" {
		t.Errorf("notifier events = %+v, want one graded_after_review", notifier.Events)
	}
}

func TestExamPaperGraphReviewOverrideReplacesOnlyTargetedQuestion(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 3, Confidence: 0.4, FeedbackText: "unsure"},
		{Score: 9, Confidence: 0.9, FeedbackText: "great"},
	}}
	deps := testDeps(t, grader)
	e := newTestEngine(t, deps)

	_, err := e.Run(context.Background(), "run-override", ExamState{
		SubmissionID: "sub-override",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt, got %v", err)
	}

	final, err := e.Resume(context.Background(), "run-override", ReviewDecision{
		Action: ReviewOverride,
		Overrides: map[string]ReviewOverride{
			"q1": {Score: 7, FeedbackText: "reviewer corrected"},
		},
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(final.GradingResults) != 2 {
		t.Fatalf("len(GradingResults) = %d, want 2 (override must replace, not append)", len(final.GradingResults))
	}
	var q1, q2 collab.GradingResult
	for _, r := range final.GradingResults {
		switch r.QuestionID {
		case "q1":
			q1 = r
		case "q2":
			q2 = r
		}
	}
	if q1.Score != 7 || q1.FeedbackText != "reviewer corrected" {
		t.Errorf("q1 = %+v, want overridden score 7", q1)
	}
	if q2.Score != 9 {
		t.Errorf("q2.Score = %v, want unchanged 9", q2.Score)
	}
	if final.TotalScore != 16 {
		t.Errorf("TotalScore = %v, want 16 (7+9)", final.TotalScore)
	}
}

func TestExamPaperGraphReviewOverrideToAllZeroScoresUpdatesTotalScore(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 3, Confidence: 0.4, FeedbackText: "unsure"},
		{Score: 9, Confidence: 0.9, FeedbackText: "great"},
	}}
	deps := testDeps(t, grader)
	e := newTestEngine(t, deps)

	_, err := e.Run(context.Background(), "run-override-zero", ExamState{
		SubmissionID: "sub-override-zero",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt, got %v", err)
	}

	final, err := e.Resume(context.Background(), "run-override-zero", ReviewDecision{
		Action: ReviewOverride,
		Overrides: map[string]ReviewOverride{
			"q1": {Score: 0, FeedbackText: "no credit"},
			"q2": {Score: 0, FeedbackText: "no credit"},
		},
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// P3: TotalScore must track the override even when every overridden
	// score is exactly 0 — a zero-value sentinel in the reducer would
	// silently keep the pre-override total instead.
	if final.TotalScore != 0 {
		t.Errorf("TotalScore = %v, want 0 after overriding every question to 0", final.TotalScore)
	}
}

func TestExamPaperGraphReviewRejectStopsRun(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 3, Confidence: 0.4, FeedbackText: "unsure"},
	}}
	deps := testDeps(t, grader)
	deps.Layout = &collab.MockLayoutAnalysis{Regions: []collab.QuestionRegion{
		{QuestionID: "q1", ImageRef: "img1", QuestionType: collab.QuestionEssay, MaxScore: 10},
	}}
	e := newTestEngine(t, deps)

	_, err := e.Run(context.Background(), "run-4", ExamState{
		SubmissionID: "sub-4",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if _, ok := err.(*graph.InterruptError); !ok {
		t.Fatalf("expected interrupt, got %v", err)
	}

	final, err := e.Resume(context.Background(), "run-4", ReviewDecision{Action: ReviewReject})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !final.Rejected {
		t.Error("Rejected = false after REJECT")
	}
}

func TestExamPaperGraphGradingFailureDegrades(t *testing.T) {
	grader := &collab.MockGrader{Err: context.DeadlineExceeded}
	deps := testDeps(t, grader)
	e := newTestEngine(t, deps)

	final, err := e.Run(context.Background(), "run-5", ExamState{
		SubmissionID: "sub-5",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err != nil {
		t.Fatalf("Run: %v, want graceful degradation (no error)", err)
	}
	for _, r := range final.GradingResults {
		if r.AgentType != "degraded" || r.Score != 0 || r.Confidence != 0 {
			t.Errorf("result = %+v, want a degraded placeholder", r)
		}
	}
	if len(final.Errors) == 0 {
		t.Error("Errors is empty, want a recorded failure per degraded question")
	}
}

func TestExamPaperGraphSegmentFailureIsFatal(t *testing.T) {
	deps := testDeps(t, &collab.MockGrader{})
	deps.Layout = &collab.MockLayoutAnalysis{Err: context.DeadlineExceeded}
	e := newTestEngine(t, deps)

	_, err := e.Run(context.Background(), "run-6", ExamState{
		SubmissionID: "sub-6",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err == nil {
		t.Fatal("expected segment failure to fail the run")
	}
}

func TestExamPaperGraphCacheHitSkipsGrader(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 8, Confidence: 0.95, FeedbackText: "good"},
	}}
	deps := testDeps(t, grader)
	deps.Layout = &collab.MockLayoutAnalysis{Regions: []collab.QuestionRegion{
		{QuestionID: "q1", ImageRef: "img1", QuestionType: collab.QuestionEssay, MaxScore: 10},
	}}
	deps.ImageHash = &collab.MockImageHash{}
	deps.Cache = cache.New(cache.NewLRUCache(100, time.Hour), 30*24*time.Hour, 0.90)
	e := newTestEngine(t, deps)

	first, err := e.Run(context.Background(), "run-cache-1", ExamState{
		SubmissionID: "sub-cache-1",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err != nil {
		t.Fatalf("Run (first submission): %v", err)
	}
	if grader.CallCount() != 1 {
		t.Fatalf("grader called %d times on first submission, want 1", grader.CallCount())
	}

	// Identical image bytes (same ImageRef) and identical rubric under a
	// second submission: grade_question must hit the cache and perform
	// zero external grader calls (spec's scenario 6).
	second, err := e.Run(context.Background(), "run-cache-2", ExamState{
		SubmissionID: "sub-cache-2",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err != nil {
		t.Fatalf("Run (second submission): %v", err)
	}
	if grader.CallCount() != 1 {
		t.Errorf("grader called %d times after cache hit, want still 1", grader.CallCount())
	}
	if second.TotalScore != first.TotalScore {
		t.Errorf("TotalScore = %v, want %v (equal to first run's)", second.TotalScore, first.TotalScore)
	}
	if second.GradingResults[0].AgentType != "cache" {
		t.Errorf("AgentType = %q, want %q", second.GradingResults[0].AgentType, "cache")
	}
}

func TestExamPaperGraphCacheBackendFailureStillCompletes(t *testing.T) {
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 8, Confidence: 0.95, FeedbackText: "good"},
	}}
	deps := testDeps(t, grader)
	deps.Layout = &collab.MockLayoutAnalysis{Regions: []collab.QuestionRegion{
		{QuestionID: "q1", ImageRef: "img1", QuestionType: collab.QuestionEssay, MaxScore: 10},
	}}
	deps.ImageHash = &collab.MockImageHash{Err: context.DeadlineExceeded}
	deps.Cache = cache.New(cache.NewLRUCache(100, time.Hour), 30*24*time.Hour, 0.90)
	e := newTestEngine(t, deps)

	final, err := e.Run(context.Background(), "run-cache-3", ExamState{
		SubmissionID: "sub-cache-3",
		FileRefs:     []string{"page1"},
		Rubric:       "rubric text",
	})
	if err != nil {
		t.Fatalf("Run: %v, want COMPLETED despite cache backend failure", err)
	}
	if final.TotalScore != 8 {
		t.Errorf("TotalScore = %v, want 8", final.TotalScore)
	}
}

func TestReduceListAppendsGradingResults(t *testing.T) {
	prev := ExamState{GradingResults: []collab.GradingResult{{QuestionID: "q1"}}}
	delta := ExamState{GradingResults: []collab.GradingResult{{QuestionID: "q2"}}}
	out := Reduce(prev, delta)
	if len(out.GradingResults) != 2 {
		t.Fatalf("len(GradingResults) = %d, want 2", len(out.GradingResults))
	}
}
