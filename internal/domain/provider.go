package domain

import "context"

// ChatMessage is a single turn in a provider conversation.
type ChatMessage struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the provider's reply.
type ChatResponse struct {
	Content   string
	LatencyMs int64
}

// Provider is the LLM backend collaborator. Wire encoding, retry of
// individual HTTP calls, and model specifics live behind this interface.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Healthy(ctx context.Context) error
}
