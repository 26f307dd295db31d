// Package examgraph implements the ExamPaper, BatchGrading, and
// RuleUpgrade graphs over the generic engine in package graph, wiring in
// the collab collaborator contracts, the semantic cache, and the rate
// limiter as node dependencies.
package examgraph

import (
	"time"

	"github.com/dshills/gradeflow/internal/collab"
)

// ProgressMarker is the engine-required progress channel: a stage label
// plus completion fraction in [0.0, 1.0].
type ProgressMarker struct {
	Stage    string
	Fraction float64
}

// ErrorRecord is one entry in the engine-required errors channel,
// recorded even for transient errors the retry wrapper ultimately
// recovered from.
type ErrorRecord struct {
	NodeID     string
	Message    string
	Attempt    int
	OccurredAt time.Time
}

// ExamState is the ExamPaper graph's state.
// Zero-value fields mean "unset" for the Reduce merge convention: a node's
// delta only needs to populate the channels it actually changes.
type ExamState struct {
	SubmissionID string
	FileRefs     []string
	Rubric       string
	RubricHash   string

	Regions []collab.QuestionRegion

	// GradingResults uses a list-append reducer: each delta's entries are
	// appended to, never replace, the accumulated list.
	GradingResults []collab.GradingResult

	Progress ProgressMarker

	// Errors uses a list-append reducer, same as GradingResults.
	Errors []ErrorRecord

	NeedsReview   bool
	TotalScore    float64
	MaxTotalScore float64
	MinConfidence float64

	// TotalScoreSet/MaxTotalScoreSet/MinConfidenceSet mark that a delta
	// explicitly carries a value for the corresponding float field above.
	// A zero-value sentinel can't distinguish "unset" from "set to exactly
	// 0", which a REVIEW OVERRIDE that zeroes every question's score would
	// hit — these flags are the dirty bits Reduce checks instead.
	TotalScoreSet    bool
	MaxTotalScoreSet bool
	MinConfidenceSet bool

	CancelRequested bool

	// Rejected is set by wait_for_review on a REJECT resume decision —
	// the graph still reaches a terminal Command, but the run's business
	// outcome is a rejection rather than a successfully persisted grade.
	Rejected bool

	// ReplaceGradingResults marks a delta's GradingResults as a full
	// replacement of the accumulated list rather than a tail to append.
	// Only wait_for_review's OVERRIDE decision sets this — it rewrites
	// existing entries in place and must not re-append them.
	ReplaceGradingResults bool
}

// Reduce merges delta into prev: list-append for GradingResults/Errors,
// replace-if-nonzero for every other field, monotonic OR for the boolean
// flags (they are only ever set to true by the node that owns them).
func Reduce(prev, delta ExamState) ExamState {
	out := prev

	if delta.SubmissionID != "" {
		out.SubmissionID = delta.SubmissionID
	}
	if len(delta.FileRefs) > 0 {
		out.FileRefs = delta.FileRefs
	}
	if delta.Rubric != "" {
		out.Rubric = delta.Rubric
	}
	if delta.RubricHash != "" {
		out.RubricHash = delta.RubricHash
	}
	if len(delta.Regions) > 0 {
		out.Regions = delta.Regions
	}
	if delta.ReplaceGradingResults {
		out.GradingResults = delta.GradingResults
	} else if len(delta.GradingResults) > 0 {
		merged := make([]collab.GradingResult, 0, len(out.GradingResults)+len(delta.GradingResults))
		merged = append(merged, out.GradingResults...)
		merged = append(merged, delta.GradingResults...)
		out.GradingResults = merged
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
	if delta.NeedsReview {
		out.NeedsReview = true
	}
	if delta.TotalScoreSet {
		out.TotalScore = delta.TotalScore
		out.TotalScoreSet = true
	}
	if delta.MaxTotalScoreSet {
		out.MaxTotalScore = delta.MaxTotalScore
		out.MaxTotalScoreSet = true
	}
	if delta.MinConfidenceSet {
		out.MinConfidence = delta.MinConfidence
		out.MinConfidenceSet = true
	}
	if delta.CancelRequested {
		out.CancelRequested = true
	}
	if delta.Rejected {
		out.Rejected = true
	}
	return out
}
