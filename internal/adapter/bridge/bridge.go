package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"concierge/internal/domain"
)

// ModeLookup reports the persisted operating mode of a chat. The adapter
// uses it to classify messages at ingest time.
type ModeLookup func(chatID string) domain.ChatMode

// Adapter implements domain.PlatformAdapter over the desktop bridge's poll
// API. The bridge exposes the user's own messaging account, so inbound
// traffic includes the user's outgoing messages; classification into routes
// happens here, at ingest.
type Adapter struct {
	cfg    Config
	client *Client
	logger *slog.Logger

	handler domain.MessageHandler
	modeFor ModeLookup

	mu       sync.Mutex
	selfIDs  map[string]bool
	personal map[string]bool
	lastSeen map[string]int64

	// suppressed tracks consecutive poll failures so a flaky bridge logs
	// once per outage instead of once per tick.
	suppressed bool
	errCount   int
}

type Config struct {
	BaseURL        string
	TokenFile      string
	PollInterval   time.Duration
	RecentMessages int
	ChatListLimit  int
	ResponseMarker string
	CommandPrefix  string
	Logger         *slog.Logger
	ModeFor        ModeLookup
}

func New(cfg Config) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RecentMessages < 1 {
		cfg.RecentMessages = 20
	}
	if cfg.ChatListLimit < 1 {
		cfg.ChatListLimit = 30
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "/"
	}
	return &Adapter{
		cfg:      cfg,
		logger:   cfg.Logger,
		modeFor:  cfg.ModeFor,
		selfIDs:  make(map[string]bool),
		personal: make(map[string]bool),
		lastSeen: make(map[string]int64),
	}
}

func (a *Adapter) Name() string { return domain.PlatformBridge }

func (a *Adapter) OnMessage(handler domain.MessageHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Start loads the bridge token, discovers the self accounts, seeds the
// last-seen watermark for every visible chat (so history is never replayed
// on boot), and then polls until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	token, err := os.ReadFile(a.cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("bridge token file %s: %w", a.cfg.TokenFile, err)
	}
	a.client = NewClient(a.cfg.BaseURL, strings.TrimSpace(string(token)), a.logger)

	accounts, err := a.client.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("bridge account discovery: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("bridge reports no signed-in accounts")
	}
	for _, acct := range accounts {
		a.selfIDs[acct.ID] = true
	}
	a.logger.Info("bridge connected", "accounts", len(accounts))

	if err := a.seed(ctx); err != nil {
		return fmt.Errorf("bridge seed: %w", err)
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.logger.Info("bridge polling started", "interval", a.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("bridge adapter stopping")
			return nil
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Adapter) Stop() error { return nil }

// Send posts text into a chat, prefixed with the response marker so the
// poll loop recognizes and skips it on the next tick.
func (a *Adapter) Send(ctx context.Context, chatID string, text string) error {
	return a.client.SendMessage(ctx, chatID, a.cfg.ResponseMarker+text)
}

// seed records the newest message ID of every visible chat without
// dispatching anything.
func (a *Adapter) seed(ctx context.Context) error {
	chats, err := a.client.Chats(ctx, a.cfg.ChatListLimit)
	if err != nil {
		return err
	}
	for _, chat := range chats {
		a.classifyChat(chat)
		msgs, err := a.client.Messages(ctx, chat.ID, 1)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			a.lastSeen[chat.ID] = msgs[0].ID
		}
	}
	a.logger.Info("bridge seeded", "chats", len(chats))
	return nil
}

// classifyChat marks a chat as personal when every participant is one of
// the bridge's own accounts (the "message yourself" chat).
func (a *Adapter) classifyChat(chat Chat) {
	personal := len(chat.Participants) > 0
	for _, p := range chat.Participants {
		if !a.selfIDs[p] {
			personal = false
			break
		}
	}
	a.personal[chat.ID] = personal
}

func (a *Adapter) poll(ctx context.Context) {
	chats, err := a.client.Chats(ctx, a.cfg.ChatListLimit)
	if err != nil {
		a.pollFailed(err)
		return
	}

	for _, chat := range chats {
		a.classifyChat(chat)

		msgs, err := a.client.Messages(ctx, chat.ID, a.cfg.RecentMessages)
		if err != nil {
			a.pollFailed(err)
			return
		}

		// Listings are newest-first; walk backwards so dispatch order is
		// chronological.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.ID <= a.lastSeen[chat.ID] {
				continue
			}
			// Advance the watermark before dispatch so a handler panic or
			// crash cannot cause the same message to run twice.
			a.lastSeen[chat.ID] = m.ID

			if a.cfg.ResponseMarker != "" && strings.HasPrefix(m.Text, a.cfg.ResponseMarker) {
				continue
			}

			a.dispatch(ctx, chat, m)
		}
	}

	a.pollRecovered()
}

// pollFailed logs the first failure of an outage and counts the rest.
func (a *Adapter) pollFailed(err error) {
	if !a.suppressed {
		a.logger.Error("bridge poll failed, suppressing repeats", "error", err)
		a.suppressed = true
		a.errCount = 1
		return
	}
	a.errCount++
}

func (a *Adapter) pollRecovered() {
	if a.suppressed {
		a.logger.Info("bridge poll recovered", "suppressed_errors", a.errCount)
		a.suppressed = false
		a.errCount = 0
	}
}

func (a *Adapter) dispatch(ctx context.Context, chat Chat, m ChatMessage) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	isSelf := a.selfIDs[m.SenderID]
	msg := domain.Message{
		ID:         fmt.Sprintf("br:%s:%d", chat.ID, m.ID),
		Platform:   domain.PlatformBridge,
		ChatID:     chat.ID,
		ChatName:   chat.Name,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		IsSelf:     isSelf,
		Text:       m.Text,
		RouteAs:    a.route(chat.ID, isSelf, m.Text),
		Timestamp:  time.UnixMilli(m.Timestamp),
	}

	// One misbehaving message must not take the poll loop down.
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("bridge handler panic", "chat", chat.ID, "msg", m.ID, "panic", r)
		}
	}()
	handler(ctx, msg, a)
}

// route classifies a message at ingest:
//   - own prefixed text in the personal chat is a command;
//   - own prefixed text anywhere else is archived silently (commands are
//     never executed from shared chats);
//   - own plain text in the personal chat gets a natural reply;
//   - everything else follows the chat's mode: off drops, business engages
//     the business persona, and any other mode archives silently.
func (a *Adapter) route(chatID string, isSelf bool, text string) domain.Route {
	personal := a.personal[chatID]

	if isSelf && strings.HasPrefix(text, a.cfg.CommandPrefix) {
		if personal {
			return domain.RouteCommand
		}
		return domain.RouteSilent
	}

	if isSelf && personal {
		return domain.RouteNatural
	}

	switch a.modeFor(chatID) {
	case domain.ModeOff:
		return domain.RouteOff
	case domain.ModeBusiness:
		return domain.RouteBusiness
	default:
		return domain.RouteSilent
	}
}
