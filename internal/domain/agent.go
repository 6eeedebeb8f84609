package domain

import "context"

// RunOptions tunes a single agent-loop invocation.
type RunOptions struct {
	System    string
	MaxRounds int
}

// AgentRunner is the conversational agent-loop collaborator. It either
// returns the final reply text or an error; retry and circuit-breaking are
// its own concern.
type AgentRunner interface {
	Run(ctx context.Context, provider Provider, messages []ChatMessage, opts RunOptions) (string, error)
}
