// Package llm defines the LLM client contract consumed by the agent run
// loop and its two concrete adapters: an OpenAI-compatible chat-completions
// client (D1, grounded on the teacher's agent chat proxy) and a Google
// Gemini client (D2, grounded on the generative-ai-go SDK usage in the
// pack). Both are wrapped with internal/retry at construction time so the
// run loop calls a single retrying Generate.
package llm

import (
	"context"

	"ema/internal/models"
)

// Response is what the run loop receives from one model turn.
type Response struct {
	Message      models.Message
	FinishReason string
	TotalTokens  int
}

// Client generates the next model turn given the conversation so far. An
// empty systemPrompt means no system instruction is sent. tools may be nil.
type Client interface {
	Generate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*Response, error)
}
