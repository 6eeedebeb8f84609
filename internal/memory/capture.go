package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"concierge/internal/bus"
	"concierge/internal/domain"

	"github.com/google/uuid"
)

const capturePrompt = `Condense the following chat transcript into a short list of durable facts worth remembering (names, preferences, commitments, open questions). Output one fact per line. If nothing is worth remembering, output NOTHING.`

// Capturer condenses archived chat history into long-term memories once a
// chat accumulates enough uncaptured turns. At most one capture job runs
// per chat at a time; failures are logged and the counter is left intact
// so the next turn retries.
type Capturer struct {
	store     *Store
	provider  domain.Provider
	events    *bus.EventBus
	logger    *slog.Logger
	threshold int
	window    int

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewCapturer(store *Store, provider domain.Provider, events *bus.EventBus, logger *slog.Logger, threshold, window int) *Capturer {
	if threshold < 1 {
		threshold = 25
	}
	if window < 1 {
		window = 50
	}
	return &Capturer{
		store:     store,
		provider:  provider,
		events:    events,
		logger:    logger,
		threshold: threshold,
		window:    window,
		inFlight:  make(map[string]bool),
	}
}

// MaybeCapture kicks off a background capture job when the chat's
// uncaptured counter has reached the threshold. It never blocks the caller.
func (c *Capturer) MaybeCapture(chatID string, uncaptured int) {
	if uncaptured < c.threshold {
		return
	}

	c.mu.Lock()
	if c.inFlight[chatID] {
		c.mu.Unlock()
		return
	}
	c.inFlight[chatID] = true
	c.mu.Unlock()

	jobID := uuid.NewString()
	c.events.Emit(bus.Event{
		Type:    bus.EventCaptureStarted,
		Source:  "capturer",
		Payload: map[string]any{"chat_id": chatID, "job_id": jobID, "turns": uncaptured},
	})

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, chatID)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := c.capture(ctx, chatID); err != nil {
			c.logger.Warn("memory capture failed", "chat", chatID, "job", jobID, "error", err)
		}
	}()
}

func (c *Capturer) capture(ctx context.Context, chatID string) error {
	entries, err := c.store.RecentHistory(ctx, chatID, c.window)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		return c.store.ResetUncaptured(ctx, chatID)
	}

	var transcript strings.Builder
	for _, e := range entries {
		name := e.SenderID
		if name == "" {
			name = e.Role
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, e.Content)
	}

	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: capturePrompt},
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return fmt.Errorf("condense: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary != "" && !strings.EqualFold(summary, "NOTHING") {
		if err := c.store.SaveMemory(ctx, chatID, summary); err != nil {
			return fmt.Errorf("save memory: %w", err)
		}
	}

	return c.store.ResetUncaptured(ctx, chatID)
}
