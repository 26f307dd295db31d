package llmgrader

import (
	"github.com/dshills/gradeflow/graph/model/anthropic"
	"github.com/dshills/gradeflow/graph/model/google"
	"github.com/dshills/gradeflow/graph/model/openai"
	"github.com/dshills/gradeflow/internal/ratelimit"
)

// NewAnthropic builds a Grader backed by Claude.
func NewAnthropic(apiKey, modelName string, limiter *ratelimit.SlidingWindowLimiter) *Grader {
	return New(anthropic.NewChatModel(apiKey, modelName), limiter, "anthropic:"+modelName)
}

// NewOpenAI builds a Grader backed by GPT.
func NewOpenAI(apiKey, modelName string, limiter *ratelimit.SlidingWindowLimiter) *Grader {
	return New(openai.NewChatModel(apiKey, modelName), limiter, "openai:"+modelName)
}

// NewGemini builds a Grader backed by Gemini.
func NewGemini(apiKey, modelName string, limiter *ratelimit.SlidingWindowLimiter) *Grader {
	return New(google.NewChatModel(apiKey, modelName), limiter, "google:"+modelName)
}
