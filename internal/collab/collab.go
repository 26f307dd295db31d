// Package collab defines the contracts the exam-grading graphs call out
// to, and the domain value types that cross those boundaries. Per the
// system these graphs sit inside, the PDF-to-image pipeline, object
// storage, the LLM clients, the notification channel, and the rule-mining
// subsystem are all external collaborators — this package describes only
// the shape the graph nodes expect from them, not how they're implemented.
package collab

import "context"

// QuestionType classifies a QuestionRegion so grade_question can route to
// a type-specific grading routine. UNKNOWN falls back to the ESSAY
// routine.
type QuestionType string

const (
	QuestionObjective QuestionType = "OBJECTIVE"
	QuestionStepwise  QuestionType = "STEPWISE"
	QuestionEssay     QuestionType = "ESSAY"
	QuestionLabDesign QuestionType = "LAB_DESIGN"
	QuestionUnknown   QuestionType = "UNKNOWN"
)

// BoundingBox is an integer pixel rectangle within a page image.
type BoundingBox struct {
	X, Y, Width, Height int
}

// QuestionRegion is one segmented question within a scanned exam page.
type QuestionRegion struct {
	QuestionID   string
	PageIndex    int
	BoundingBox  BoundingBox
	ImageRef     string
	QuestionType QuestionType
	MaxScore     float64
	RubricRef    string
}

// EvidenceStep records one scored point within a GradingResult's
// evidence_chain.
type EvidenceStep struct {
	ScoringPoint    string
	ImageRegion     BoundingBox
	Reasoning       string
	RubricReference string
	PointsAwarded   float64
}

// GradingResult is the outcome of grading a single QuestionRegion.
// Invariant: for STEPWISE results, the evidence chain's points sum to
// Score (spec's P5).
type GradingResult struct {
	QuestionID        string
	Score             float64
	MaxScore          float64
	Confidence        float64
	AgentType         string
	EvidenceChain     []EvidenceStep
	VisualAnnotations []BoundingBox
	FeedbackText      string
}

// LayoutAnalysis segments a scanned page into question regions.
type LayoutAnalysis interface {
	Segment(ctx context.Context, imageRef string) ([]QuestionRegion, error)
}

// Grader scores a single question image against a rubric. Distinct
// question types may be served by distinct Grader implementations or by
// one implementation that branches internally — grade_question only needs
// this one shape.
type Grader interface {
	Grade(ctx context.Context, imageRef string, rubric string, questionType QuestionType) (GradingResult, error)
}

// Persistence durably stores a submission's final grading results,
// external to the run/attempt/checkpoint tables the engine itself owns.
type Persistence interface {
	SaveResults(ctx context.Context, submissionID string, results []GradingResult) error
}

// Notifier fires an event for a submission to an external channel
// (email, webhook, pub/sub — unspecified here).
type Notifier interface {
	Notify(ctx context.Context, submissionID string, eventType string) error
}

// ImageHash computes the perceptual fingerprint of an image referenced by
// imageRef, used as half of the semantic cache key.
type ImageHash interface {
	Perceptual(ctx context.Context, imageRef string) (uint64, error)
}

// StudentBoundary is one candidate student-paper slice within a multi-
// student page stream, per the BatchGrading graph.
type StudentBoundary struct {
	SubmissionID string
	FileRefs     []string
	Confidence   float64
}

// BoundaryDetector partitions a multi-student exam stream into per-student
// slices. It is external to the core the same way LayoutAnalysis is: the
// actual page-clustering logic is out of scope.
type BoundaryDetector interface {
	DetectBoundaries(ctx context.Context, fileRefs []string) ([]StudentBoundary, error)
}

// MinedRules, GeneratedRules, RegressionReport, and MonitorReport are
// opaque payloads the RuleUpgrade graph threads through its collaborator
//.
type MinedRules map[string]any

// GeneratedRules is the candidate rule set produced from MinedRules.
type GeneratedRules map[string]any

// RegressionReport summarizes a generated rule set's regression run.
type RegressionReport struct {
	Passed       bool
	FailureCount int
	Details      map[string]any
}

// MonitorReport summarizes a deployed rule set's post-deploy health.
type MonitorReport struct {
	Healthy bool
	Details map[string]any
}

// RuleUpgradeCollaborator is the external rule-learning subsystem the
// RuleUpgrade graph drives through mine -> generate -> regression_test ->
// deploy -> monitor -> [rollback]. The graph only owns
// sequencing, the interrupt-for-approval pause, and the conditional
// rollback edge; every step's substance is this collaborator's.
type RuleUpgradeCollaborator interface {
	Mine(ctx context.Context, input map[string]any) (MinedRules, error)
	Generate(ctx context.Context, mined MinedRules) (GeneratedRules, error)
	RegressionTest(ctx context.Context, generated GeneratedRules) (RegressionReport, error)
	Deploy(ctx context.Context, generated GeneratedRules) (deploymentID string, err error)
	Monitor(ctx context.Context, deploymentID string) (MonitorReport, error)
	Rollback(ctx context.Context, deploymentID string) error
}
