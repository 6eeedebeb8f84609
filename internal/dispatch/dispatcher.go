package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"concierge/internal/agent"
	"concierge/internal/auth"
	"concierge/internal/bus"
	"concierge/internal/config"
	"concierge/internal/domain"
	"concierge/internal/memory"
	"concierge/internal/pending"
)

// Dispatcher is the conversational hub: every adapter delivers its
// normalized messages here, and every reply goes back out through the
// adapter that produced the message.
type Dispatcher struct {
	cfg      *config.Config
	store    *memory.Store
	gate     *auth.Gate
	pendings *pending.Store
	registry *agent.Registry
	runner   domain.AgentRunner
	capturer *memory.Capturer
	events   *bus.EventBus
	pause    *PauseTracker
	logger   *slog.Logger

	mu       sync.RWMutex
	adapters map[string]domain.PlatformAdapter
}

type Deps struct {
	Config   *config.Config
	Store    *memory.Store
	Gate     *auth.Gate
	Pendings *pending.Store
	Registry *agent.Registry
	Runner   domain.AgentRunner
	Capturer *memory.Capturer
	Events   *bus.EventBus
	Logger   *slog.Logger
}

func New(d Deps) *Dispatcher {
	return &Dispatcher{
		cfg:      d.Config,
		store:    d.Store,
		gate:     d.Gate,
		pendings: d.Pendings,
		registry: d.Registry,
		runner:   d.Runner,
		capturer: d.Capturer,
		events:   d.Events,
		pause:    NewPauseTracker(),
		logger:   d.Logger,
		adapters: make(map[string]domain.PlatformAdapter),
	}
}

// RegisterPlatform makes an adapter addressable for outbound sends
// (reminders, approvals requested by background jobs).
func (d *Dispatcher) RegisterPlatform(a domain.PlatformAdapter) {
	d.mu.Lock()
	d.adapters[a.Name()] = a
	d.mu.Unlock()
}

// AdapterFor returns the registered adapter for a platform, or nil.
func (d *Dispatcher) AdapterFor(platform string) domain.PlatformAdapter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adapters[platform]
}

// ModeFor is the mode lookup handed to the bridge adapter so it can
// classify at ingest. Unknown chats default to silent.
func (d *Dispatcher) ModeFor(chatID string) domain.ChatMode {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	meta, err := d.store.ChatMeta(ctx, chatID)
	if err != nil || meta == nil {
		return domain.ModeSilent
	}
	return meta.Mode
}

// HandleMessage is the single entry point for inbound messages. It is safe
// to call from multiple adapter goroutines.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	d.events.Emit(bus.Event{
		Type:   bus.EventMessageReceived,
		Source: msg.Platform,
		Payload: map[string]any{
			"platform": msg.Platform, "chat_id": msg.ChatID,
			"sender_id": msg.SenderID, "route": string(msg.RouteAs),
		},
	})

	d.recordChat(ctx, msg)

	// Pending flows only respond to inputs from the controlling identity.
	if msg.RouteAs == domain.RouteCommand || msg.RouteAs == domain.RouteNatural {
		if d.handlePending(ctx, msg, adapter) {
			return
		}
	}

	switch msg.RouteAs {
	case domain.RouteOff:
		d.logger.Debug("message dropped, chat is off", "chat", msg.ChatID)

	case domain.RouteSilent:
		d.archiveUser(ctx, msg)

	case domain.RouteNatural:
		if !d.naturalAllowed(ctx, msg) {
			d.logger.Warn("natural message from unpaired sender ignored",
				"platform", msg.Platform, "sender", msg.SenderID)
			return
		}
		d.converse(ctx, msg, adapter, domain.ModeNatural, "")

	case domain.RouteBusiness:
		d.handleBusiness(ctx, msg, adapter)

	case domain.RouteCommand:
		d.handleCommandText(ctx, msg, adapter)
	}
}

// recordChat keeps chat metadata fresh without touching mode or agent.
func (d *Dispatcher) recordChat(ctx context.Context, msg domain.Message) {
	personal := msg.Platform == domain.PlatformBridge && msg.IsSelf &&
		(msg.RouteAs == domain.RouteNatural || msg.RouteAs == domain.RouteCommand)
	err := d.store.UpsertChatMeta(ctx, domain.ChatMeta{
		ChatID:   msg.ChatID,
		Platform: msg.Platform,
		Name:     msg.ChatName,
		Personal: personal,
	})
	if err != nil {
		d.logger.Warn("chat meta update failed", "chat", msg.ChatID, "error", err)
	}
}

func (d *Dispatcher) naturalAllowed(ctx context.Context, msg domain.Message) bool {
	if msg.IsSelf {
		return true
	}
	paired, err := d.gate.IsPaired(ctx, msg.SenderID)
	if err != nil {
		d.logger.Warn("pairing check failed", "sender", msg.SenderID, "error", err)
		return false
	}
	return paired
}

// handleBusiness applies the admin-presence rule: when the owner speaks in
// a business chat, automated replies stand down for a while. Customer
// messages during the pause are archived silently.
func (d *Dispatcher) handleBusiness(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	if msg.IsSelf {
		d.archiveUser(ctx, msg)
		pauseFor := time.Duration(d.cfg.General.AdminPauseMinutes) * time.Minute
		d.pause.Pause(msg.ChatID, pauseFor)
		d.events.Emit(bus.Event{
			Type:   bus.EventAdminPause,
			Source: "dispatch",
			Payload: map[string]any{
				"platform": msg.Platform, "chat_id": msg.ChatID,
				"minutes": d.cfg.General.AdminPauseMinutes,
			},
		})
		d.logger.Info("admin present, pausing business replies",
			"chat", msg.ChatID, "for", pauseFor)
		return
	}

	if d.pause.Paused(msg.ChatID) {
		d.archiveUser(ctx, msg)
		return
	}

	system := d.businessSystemPrompt(ctx)
	d.converse(ctx, msg, adapter, domain.ModeBusiness, system)
}

func (d *Dispatcher) businessSystemPrompt(ctx context.Context) string {
	profile, err := d.store.BusinessProfile(ctx)
	if err != nil || profile == nil {
		return "You are a polite business assistant answering customers on behalf of the owner. Keep replies short and helpful."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the customer-facing assistant for %s.\n", profile.Name)
	if profile.Greeting != "" {
		fmt.Fprintf(&b, "Greet new conversations with: %q\n", profile.Greeting)
	}
	if len(profile.Topics) > 0 {
		fmt.Fprintf(&b, "You may discuss: %s.\n", strings.Join(profile.Topics, "; "))
	}
	if len(profile.Rules) > 0 {
		fmt.Fprintf(&b, "Rules you must follow: %s.\n", strings.Join(profile.Rules, "; "))
	}
	b.WriteString("If a question falls outside these topics, say the owner will follow up personally.")
	return b.String()
}

// archiveUser persists an inbound turn and kicks the capturer when the
// chat has accumulated enough uncaptured history.
func (d *Dispatcher) archiveUser(ctx context.Context, msg domain.Message) {
	uncaptured, err := d.store.AppendHistory(ctx, domain.HistoryEntry{
		Platform: msg.Platform,
		ChatID:   msg.ChatID,
		Role:     "user",
		SenderID: msg.SenderID,
		Content:  msg.Text,
	})
	if err != nil {
		d.logger.Warn("history append failed", "chat", msg.ChatID, "error", err)
		return
	}
	d.capturer.MaybeCapture(msg.ChatID, uncaptured)
}

// converse archives the inbound turn, resolves the agent, generates a
// reply from recent history, and sends it back on the same chat. Provider
// failures are reported into the chat and never propagate.
func (d *Dispatcher) converse(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, mode domain.ChatMode, system string) {
	chatAgent := ""
	if meta, err := d.store.ChatMeta(ctx, msg.ChatID); err == nil && meta != nil {
		chatAgent = meta.Agent
	}

	resolved, stripped := d.registry.Resolve(msg.Text, chatAgent, mode)
	archived := msg
	archived.Text = stripped
	d.archiveUser(ctx, archived)

	history, err := d.store.RecentHistory(ctx, msg.ChatID, d.cfg.Memory.HistoryLimit)
	if err != nil {
		d.logger.Warn("history load failed", "chat", msg.ChatID, "error", err)
		history = nil
	}

	messages := make([]domain.ChatMessage, 0, len(history)+1)
	for _, e := range history {
		role := "user"
		if e.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, domain.ChatMessage{Role: role, Content: e.Content})
	}
	if len(messages) == 0 {
		messages = append(messages, domain.ChatMessage{Role: "user", Content: stripped})
	}

	if system == "" {
		system = resolved.Persona
	} else if resolved.Persona != "" {
		system = resolved.Persona + "\n\n" + system
	}

	reply, err := d.runner.Run(ctx, resolved.Provider, messages, domain.RunOptions{System: system})
	if err != nil {
		d.logger.Error("agent run failed", "chat", msg.ChatID, "agent", resolved.Name, "error", err)
		d.events.Emit(bus.Event{
			Type:    bus.EventLLMError,
			Source:  "dispatch",
			Payload: map[string]any{"chat_id": msg.ChatID, "error": err.Error()},
		})
		d.send(ctx, adapter, msg.ChatID, "LLM error: "+err.Error())
		return
	}

	if _, err := d.store.AppendHistory(ctx, domain.HistoryEntry{
		Platform: msg.Platform,
		ChatID:   msg.ChatID,
		Role:     "assistant",
		SenderID: resolved.Name,
		Content:  reply,
	}); err != nil {
		d.logger.Warn("assistant history append failed", "chat", msg.ChatID, "error", err)
	}

	if d.registry.Multi() {
		reply = "[" + resolved.Name + "] " + reply
	}

	d.send(ctx, adapter, msg.ChatID, reply)
	d.events.Emit(bus.Event{
		Type:   bus.EventMessageDispatched,
		Source: "dispatch",
		Payload: map[string]any{
			"platform": msg.Platform, "chat_id": msg.ChatID, "agent": resolved.Name,
		},
	})
}

func (d *Dispatcher) send(ctx context.Context, adapter domain.PlatformAdapter, chatID, text string) {
	if err := adapter.Send(ctx, chatID, text); err != nil {
		d.logger.Error("send failed", "platform", adapter.Name(), "chat", chatID, "error", err)
	}
}

// RequestApproval prompts the sender with a yes/no question and blocks
// until they answer, the prompt expires, or ctx is cancelled. Background
// collaborators use this before destructive actions.
func (d *Dispatcher) RequestApproval(ctx context.Context, platform, chatID, senderID, prompt string) (bool, error) {
	adapter := d.AdapterFor(platform)
	if adapter == nil {
		return false, fmt.Errorf("no adapter registered for platform %q", platform)
	}

	decision := make(chan bool, 1)
	d.pendings.SetApproval(senderID, &pending.Approval{
		Prompt:   prompt,
		Decision: decision,
	})
	d.send(ctx, adapter, chatID, prompt+"\n\nReply yes or no.")

	ttl := time.Duration(d.cfg.Security.PendingTTLMinutes) * time.Minute
	select {
	case ok := <-decision:
		return ok, nil
	case <-time.After(ttl):
		d.pendings.ClearApproval(senderID)
		d.send(ctx, adapter, chatID, "Approval timed out. Action denied.")
		return false, nil
	case <-ctx.Done():
		d.pendings.ClearApproval(senderID)
		return false, ctx.Err()
	}
}
