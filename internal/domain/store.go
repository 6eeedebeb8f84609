package domain

import "time"

// HistoryEntry is one archived turn of a chat.
type HistoryEntry struct {
	ID        int64
	Platform  string
	ChatID    string
	Role      string // "user" | "assistant"
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// ChatMeta is the persisted per-chat state: operating mode, optional agent
// assignment, and whether the chat is personal (self-only participants).
type ChatMeta struct {
	ChatID    string
	Platform  string
	Name      string
	Mode      ChatMode
	Agent     string
	Personal  bool
	UpdatedAt time.Time
}

// BusinessProfile is the persona produced by the business setup wizard.
type BusinessProfile struct {
	Name     string
	Greeting string
	Topics   []string
	Rules    []string
}

// AuditEntry records a security-relevant or user-visible action.
type AuditEntry struct {
	Action   string
	Platform string
	ChatID   string
	SenderID string
	Details  string
}
