package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"concierge/internal/domain"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed persistence layer: chat history and metadata,
// owner/pairing records, PIN state, the business profile, captured memories,
// and the audit log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		platform    TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		role        TEXT NOT NULL,
		sender_id   TEXT,
		content     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_chat ON chat_history(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_meta (
		chat_id     TEXT PRIMARY KEY,
		platform    TEXT,
		name        TEXT,
		mode        TEXT NOT NULL DEFAULT 'silent',
		agent       TEXT NOT NULL DEFAULT '',
		personal    INTEGER NOT NULL DEFAULT 0,
		uncaptured  INTEGER NOT NULL DEFAULT 0,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS owner (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		sender_id  TEXT NOT NULL,
		paired_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS paired_users (
		sender_id  TEXT PRIMARY KEY,
		paired_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS auth_state (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		pin_hash  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		sender_id         TEXT PRIMARY KEY,
		authenticated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_fails (
		sender_id     TEXT PRIMARY KEY,
		count         INTEGER NOT NULL DEFAULT 0,
		locked_until  DATETIME
	);

	CREATE TABLE IF NOT EXISTS business_profile (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		name         TEXT NOT NULL,
		greeting     TEXT,
		topics_json  TEXT,
		rules_json   TEXT,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS memories (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id     TEXT NOT NULL,
		content     TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(chat_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action      TEXT NOT NULL,
		platform    TEXT,
		chat_id     TEXT,
		sender_id   TEXT,
		details     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Chat history ---

// AppendHistory archives one turn and bumps the chat's uncaptured counter.
// It returns the counter's new value so the caller can decide whether a
// memory capture is due.
func (s *Store) AppendHistory(ctx context.Context, e domain.HistoryEntry) (int, error) {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (platform, chat_id, role, sender_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Platform, e.ChatID, e.Role, e.SenderID, e.Content, e.CreatedAt,
	)
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_meta (chat_id, platform, uncaptured, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET uncaptured = uncaptured + 1, updated_at = ?`,
		e.ChatID, e.Platform, now, now,
	)
	if err != nil {
		return 0, err
	}

	var uncaptured int
	err = s.db.QueryRowContext(ctx,
		`SELECT uncaptured FROM chat_meta WHERE chat_id = ?`, e.ChatID,
	).Scan(&uncaptured)
	return uncaptured, err
}

// RecentHistory returns the last N turns of a chat in chronological order.
func (s *Store) RecentHistory(ctx context.Context, chatID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, chat_id, role, sender_id, content, created_at
		 FROM chat_history WHERE chat_id = ?
		 ORDER BY id DESC LIMIT ?`, chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var senderID, content sql.NullString
		if err := rows.Scan(&e.ID, &e.Platform, &e.ChatID, &e.Role, &senderID, &content, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SenderID = senderID.String
		e.Content = content.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ClearHistory drops a chat's archived turns and capture counter.
func (s *Store) ClearHistory(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_history WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	return s.ResetUncaptured(ctx, chatID)
}

// ResetUncaptured zeroes the capture counter after a capture has been kicked off.
func (s *Store) ResetUncaptured(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_meta SET uncaptured = 0 WHERE chat_id = ?`, chatID)
	return err
}

// --- Chat metadata ---

func (s *Store) ChatMeta(ctx context.Context, chatID string) (*domain.ChatMeta, error) {
	var m domain.ChatMeta
	var platform, name sql.NullString
	var personal int
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, platform, name, mode, agent, personal, updated_at
		 FROM chat_meta WHERE chat_id = ?`, chatID,
	).Scan(&m.ChatID, &platform, &name, (*string)(&m.Mode), &m.Agent, &personal, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Platform = platform.String
	m.Name = name.String
	m.Personal = personal != 0
	return &m, nil
}

// UpsertChatMeta records a chat's identity without disturbing its mode,
// agent assignment, or capture counter.
func (s *Store) UpsertChatMeta(ctx context.Context, m domain.ChatMeta) error {
	personal := 0
	if m.Personal {
		personal = 1
	}
	mode := m.Mode
	if mode == "" {
		mode = domain.ModeSilent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_meta (chat_id, platform, name, mode, personal, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET platform = excluded.platform,
		     name = excluded.name, personal = excluded.personal, updated_at = excluded.updated_at`,
		m.ChatID, m.Platform, m.Name, mode, personal, time.Now(),
	)
	return err
}

func (s *Store) SetChatMode(ctx context.Context, chatID string, mode domain.ChatMode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_meta (chat_id, mode, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		chatID, mode, time.Now(),
	)
	return err
}

func (s *Store) SetChatAgent(ctx context.Context, chatID, agent string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_meta (chat_id, agent, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET agent = excluded.agent, updated_at = excluded.updated_at`,
		chatID, agent, time.Now(),
	)
	return err
}

// ListChats returns chats ordered by most recent activity.
func (s *Store) ListChats(ctx context.Context, limit int) ([]domain.ChatMeta, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, platform, name, mode, agent, personal, updated_at
		 FROM chat_meta ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.ChatMeta
	for rows.Next() {
		var m domain.ChatMeta
		var platform, name sql.NullString
		var personal int
		if err := rows.Scan(&m.ChatID, &platform, &name, (*string)(&m.Mode), &m.Agent, &personal, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Platform = platform.String
		m.Name = name.String
		m.Personal = personal != 0
		chats = append(chats, m)
	}
	return chats, rows.Err()
}

// --- Owner & pairing ---

// Owner returns the owning sender ID, or "" if nobody has paired yet.
func (s *Store) Owner(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT sender_id FROM owner WHERE id = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (s *Store) SetOwner(ctx context.Context, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO owner (id, sender_id) VALUES (1, ?)`, senderID)
	return err
}

func (s *Store) IsPaired(ctx context.Context, senderID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paired_users WHERE sender_id = ?`, senderID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Pair(ctx context.Context, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO paired_users (sender_id) VALUES (?)`, senderID)
	return err
}

// --- PIN state ---

func (s *Store) PINHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT pin_hash FROM auth_state WHERE id = 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

func (s *Store) SetPINHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_state (id, pin_hash) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET pin_hash = excluded.pin_hash`, hash)
	return err
}

func (s *Store) Session(ctx context.Context, senderID string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT authenticated_at FROM auth_sessions WHERE sender_id = ?`, senderID,
	).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *Store) SetSession(ctx context.Context, senderID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (sender_id, authenticated_at) VALUES (?, ?)
		 ON CONFLICT(sender_id) DO UPDATE SET authenticated_at = excluded.authenticated_at`,
		senderID, at)
	return err
}

func (s *Store) ClearSession(ctx context.Context, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE sender_id = ?`, senderID)
	return err
}

func (s *Store) FailState(ctx context.Context, senderID string) (int, time.Time, error) {
	var count int
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT count, locked_until FROM auth_fails WHERE sender_id = ?`, senderID,
	).Scan(&count, &lockedUntil)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, lockedUntil.Time, nil
}

func (s *Store) SetFailState(ctx context.Context, senderID string, count int, lockedUntil time.Time) error {
	var locked any
	if !lockedUntil.IsZero() {
		locked = lockedUntil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_fails (sender_id, count, locked_until) VALUES (?, ?, ?)
		 ON CONFLICT(sender_id) DO UPDATE SET count = excluded.count, locked_until = excluded.locked_until`,
		senderID, count, locked)
	return err
}

func (s *Store) ResetFails(ctx context.Context, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_fails WHERE sender_id = ?`, senderID)
	return err
}

// --- Business profile ---

func (s *Store) BusinessProfile(ctx context.Context) (*domain.BusinessProfile, error) {
	var p domain.BusinessProfile
	var greeting, topicsJSON, rulesJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, greeting, topics_json, rules_json FROM business_profile WHERE id = 1`,
	).Scan(&p.Name, &greeting, &topicsJSON, &rulesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Greeting = greeting.String
	if topicsJSON.String != "" {
		_ = json.Unmarshal([]byte(topicsJSON.String), &p.Topics)
	}
	if rulesJSON.String != "" {
		_ = json.Unmarshal([]byte(rulesJSON.String), &p.Rules)
	}
	return &p, nil
}

func (s *Store) SaveBusinessProfile(ctx context.Context, p domain.BusinessProfile) error {
	topics, err := json.Marshal(p.Topics)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO business_profile (id, name, greeting, topics_json, rules_json, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, greeting = excluded.greeting,
		     topics_json = excluded.topics_json, rules_json = excluded.rules_json,
		     updated_at = excluded.updated_at`,
		p.Name, p.Greeting, string(topics), string(rules), time.Now())
	return err
}

// --- Memories ---

func (s *Store) SaveMemory(ctx context.Context, chatID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (chat_id, content) VALUES (?, ?)`, chatID, content)
	return err
}

// Memories returns a chat's captured memories, oldest first.
func (s *Store) Memories(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM memories WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *Store) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, platform, chat_id, sender_id, details)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.Platform, entry.ChatID, entry.SenderID, entry.Details)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
