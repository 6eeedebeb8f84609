package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"concierge/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxMsgLen      = 4000
	maxSendRetries = 3
)

// Adapter implements domain.PlatformAdapter over the Telegram bot API.
// Telegram is the push transport: every sender is an external identity, so
// messages are emitted with the zero RouteAs (the command path).
type Adapter struct {
	token     string
	parseMode string

	bot     *tgbotapi.BotAPI
	logger  *slog.Logger
	handler domain.MessageHandler
	mu      sync.RWMutex
}

type Config struct {
	Token     string
	ParseMode string
	Logger    *slog.Logger
}

func New(cfg Config) *Adapter {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Adapter{
		token:     cfg.Token,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (a *Adapter) Name() string { return domain.PlatformTelegram }

func (a *Adapter) OnMessage(handler domain.MessageHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	a.bot = bot
	a.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	a.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("telegram adapter stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (a *Adapter) Stop() error { return nil }

func (a *Adapter) Send(ctx context.Context, chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	return a.sendMessage(id, text)
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	from := update.Message.From

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		return
	}

	a.logger.Info("telegram message received",
		"user_id", from.ID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = a.bot.Send(typing)

	msg := domain.Message{
		ID:         "tg:" + strconv.Itoa(update.Message.MessageID),
		Platform:   domain.PlatformTelegram,
		ChatID:     strconv.FormatInt(chatID, 10),
		ChatName:   update.Message.Chat.Title,
		SenderID:   strconv.FormatInt(from.ID, 10),
		SenderName: from.UserName,
		Text:       text,
		RouteAs:    domain.RouteCommand,
		Timestamp:  time.Unix(int64(update.Message.Date), 0),
	}

	handler(ctx, msg, a)
}

func (a *Adapter) sendMessage(chatID int64, text string) error {
	// Telegram has a 4096 char limit per message.
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMsgLen {
			cutAt := strings.LastIndex(chunk[:maxMsgLen], "\n")
			if cutAt < maxMsgLen/2 {
				cutAt = maxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		if err := a.sendChunk(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Strategy: try Markdown first, on parse error fall back to plain text,
// retry transient errors with backoff.
func (a *Adapter) sendChunk(chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && a.parseMode != "" {
			msg.ParseMode = a.parseMode
		}

		_, err := a.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		errStr := err.Error()

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			a.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Markdown parse error on first attempt: immediately retry plain.
		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			a.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", a.parseMode,
			)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := a.bot.Send(plainMsg); err2 == nil {
				return nil
			}
		}

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			a.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
	}

	a.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", maxSendRetries+1)
	return fmt.Errorf("telegram send: %w", lastErr)
}
