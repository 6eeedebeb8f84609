package agent

import (
	"context"
	"fmt"
	"log/slog"

	"concierge/internal/domain"

	"golang.org/x/time/rate"
)

// Runner executes one provider round per invocation, throttled by a shared
// rate limiter so a burst of chats cannot flood the backend.
type Runner struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRunner creates a runner allowing rps requests per second with the
// given burst.
func NewRunner(rps float64, burst int, logger *slog.Logger) *Runner {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 2
	}
	return &Runner{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Run performs a completion with an optional system prompt prepended.
func (r *Runner) Run(ctx context.Context, provider domain.Provider, messages []domain.ChatMessage, opts domain.RunOptions) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	req := domain.ChatRequest{}
	if opts.System != "" {
		req.Messages = append(req.Messages, domain.ChatMessage{Role: "system", Content: opts.System})
	}
	req.Messages = append(req.Messages, messages...)

	resp, err := provider.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", provider.Name(), err)
	}

	r.logger.Debug("agent run complete", "provider", provider.Name(), "latency_ms", resp.LatencyMs)
	return resp.Content, nil
}
