package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the desktop bridge's local HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Account is one messaging account the bridge is signed into.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Chat is one conversation, newest-activity first in listings.
type Chat struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

// ChatMessage is one message in a chat listing, newest first.
type ChatMessage struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge GET %s: %d: %s", path, resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Accounts lists the bridge's signed-in accounts. These identities are
// treated as "self" when classifying inbound messages.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.get(ctx, "/api/v1/accounts", &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// Chats lists recent conversations, most recently active first.
func (c *Client) Chats(ctx context.Context, limit int) ([]Chat, error) {
	var out struct {
		Chats []Chat `json:"chats"`
	}
	path := fmt.Sprintf("/api/v1/chats?limit=%d", limit)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// Messages lists a chat's recent messages, newest first.
func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	var out struct {
		Messages []ChatMessage `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/chats/%s/messages?limit=%d", url.PathEscape(chatID), limit)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts text into a chat through the bridge.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/api/v1/chats/%s/messages", c.baseURL, url.PathEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, "POST", path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge send: %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
