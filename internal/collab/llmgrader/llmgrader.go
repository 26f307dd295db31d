// Package llmgrader adapts graph/model's provider-agnostic ChatModel into
// collab.Grader, so grade_question can call Anthropic, OpenAI, or Gemini
// interchangeably. It treats image_ref as an opaque handle referenced
// textually in the prompt — actually fetching pixel data from object
// storage is another external collaborator's job, out of scope here, so
// the grader's job starts once it has a string it can put in a message.
package llmgrader

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/gradeflow/graph/model"
	"github.com/dshills/gradeflow/internal/collab"
	"github.com/dshills/gradeflow/internal/ratelimit"
)

// Grader wraps a model.ChatModel and a per-question-type prompt template
// to implement collab.Grader. One Grader instance is shared across every
// grade_question invocation in a worker process.
type Grader struct {
	model   model.ChatModel
	limiter *ratelimit.SlidingWindowLimiter
	agent   string
}

// New creates a Grader backed by chat, rate-limited by limiter (nil
// disables limiting, e.g. in tests), identifying itself as agent in
// GradingResult.AgentType.
func New(chat model.ChatModel, limiter *ratelimit.SlidingWindowLimiter, agent string) *Grader {
	return &Grader{model: chat, limiter: limiter, agent: agent}
}

// scoreSchema is the JSON shape every grading prompt asks the model to
// return, regardless of question type — grade_question only ever sees
// collab.GradingResult, so the provider-specific prompt differences stay
// inside this package.
type scoreSchema struct {
	Score        float64               `json:"score"`
	Confidence   float64               `json:"confidence"`
	Feedback     string                `json:"feedback"`
	EvidenceStep []scoreEvidenceSchema `json:"evidence,omitempty"`
}

type scoreEvidenceSchema struct {
	ScoringPoint    string  `json:"scoring_point"`
	Reasoning       string  `json:"reasoning"`
	RubricReference string  `json:"rubric_reference"`
	PointsAwarded   float64 `json:"points_awarded"`
}

// Grade implements collab.Grader.
func (g *Grader) Grade(ctx context.Context, imageRef string, rubric string, questionType collab.QuestionType) (collab.GradingResult, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return collab.GradingResult{}, err
		}
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: systemPromptFor(questionType)},
		{Role: model.RoleUser, Content: userPrompt(imageRef, rubric)},
	}

	out, err := g.model.Chat(ctx, messages, nil)
	if err != nil {
		return collab.GradingResult{}, fmt.Errorf("llmgrader: chat: %w", err)
	}

	var parsed scoreSchema
	if err := json.Unmarshal([]byte(out.Text), &parsed); err != nil {
		return collab.GradingResult{}, fmt.Errorf("llmgrader: parse model output: %w", err)
	}

	evidence := make([]collab.EvidenceStep, len(parsed.EvidenceStep))
	for i, e := range parsed.EvidenceStep {
		evidence[i] = collab.EvidenceStep{
			ScoringPoint:    e.ScoringPoint,
			Reasoning:       e.Reasoning,
			RubricReference: e.RubricReference,
			PointsAwarded:   e.PointsAwarded,
		}
	}

	return collab.GradingResult{
		Score:         parsed.Score,
		Confidence:    parsed.Confidence,
		AgentType:     g.agent,
		EvidenceChain: evidence,
		FeedbackText:  parsed.Feedback,
	}, nil
}

func systemPromptFor(qt collab.QuestionType) string {
	base := "You are an exam grader. Score the student's answer strictly against the " +
		"rubric and respond with JSON matching {score, confidence, feedback, evidence[]}."
	switch qt {
	case collab.QuestionStepwise:
		return base + " This is a stepwise problem: award partial credit per step and " +
			"ensure the evidence entries' points_awarded sum exactly to score."
	case collab.QuestionObjective:
		return base + " This is an objective question: score is either 0 or max_score."
	case collab.QuestionLabDesign:
		return base + " This is a lab design question: weigh methodology soundness alongside correctness."
	default:
		return base + " Use your best judgment for free-response answers."
	}
}

func userPrompt(imageRef, rubric string) string {
	return fmt.Sprintf("Rubric:\n%s\n\nStudent answer image: %s", rubric, imageRef)
}

var _ collab.Grader = (*Grader)(nil)
