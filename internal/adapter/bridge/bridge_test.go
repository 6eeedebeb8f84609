package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"concierge/internal/domain"
)

// fakeBridge is a minimal in-memory desktop bridge.
type fakeBridge struct {
	mu       sync.Mutex
	accounts []Account
	chats    []Chat
	messages map[string][]ChatMessage // newest first
	sent     []string
	failing  bool
}

func (f *fakeBridge) addMessage(chatID string, m ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = append([]ChatMessage{m}, f.messages[chatID]...)
}

func (f *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failing {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"accounts": f.accounts})
	})
	mux.HandleFunc("/api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failing {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"chats": f.chats})
	})
	mux.HandleFunc("/api/v1/chats/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failing {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/chats/"), "/")
		chatID := parts[0]
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			var payload map[string]string
			json.Unmarshal(body, &payload)
			f.sent = append(f.sent, payload["text"])
			w.WriteHeader(http.StatusCreated)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": f.messages[chatID]})
	})
	return mux
}

type received struct {
	msg domain.Message
}

func newTestAdapter(t *testing.T, f *fakeBridge, modes map[string]domain.ChatMode) (*Adapter, *[]received) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	a := New(Config{
		BaseURL:        srv.URL,
		ResponseMarker: "​",
		CommandPrefix:  "/",
		Logger:         slog.Default(),
		ModeFor: func(chatID string) domain.ChatMode {
			if m, ok := modes[chatID]; ok {
				return m
			}
			return domain.ModeSilent
		},
	})
	a.client = NewClient(srv.URL, "test-token", slog.Default())
	a.selfIDs["self1"] = true

	var got []received
	a.OnMessage(func(ctx context.Context, msg domain.Message, _ domain.PlatformAdapter) {
		got = append(got, received{msg: msg})
	})
	return a, &got
}

func personalAndGroup() *fakeBridge {
	return &fakeBridge{
		accounts: []Account{{ID: "self1"}},
		chats: []Chat{
			{ID: "chat1", Name: "Personal", Participants: []string{"self1"}},
			{ID: "chat2", Name: "Customers", Participants: []string{"self1", "cust1"}},
		},
		messages: map[string][]ChatMessage{
			"chat1": {{ID: 4, SenderID: "self1", Text: "old"}},
			"chat2": {{ID: 10, SenderID: "cust1", Text: "old"}},
		},
	}
}

func TestSeedSuppressesReplay(t *testing.T) {
	f := personalAndGroup()
	a, got := newTestAdapter(t, f, nil)
	ctx := context.Background()

	if err := a.seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a.poll(ctx)

	if len(*got) != 0 {
		t.Fatalf("pre-existing messages dispatched on boot: %d", len(*got))
	}
}

func TestPollDispatchesChronologicallyAtMostOnce(t *testing.T) {
	f := personalAndGroup()
	a, got := newTestAdapter(t, f, nil)
	ctx := context.Background()

	if err := a.seed(ctx); err != nil {
		t.Fatal(err)
	}

	// Two new messages arrive; the listing is newest-first: [8, 6, 4].
	f.addMessage("chat1", ChatMessage{ID: 6, SenderID: "self1", Text: "six"})
	f.addMessage("chat1", ChatMessage{ID: 8, SenderID: "self1", Text: "eight"})

	a.poll(ctx)
	if len(*got) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(*got))
	}
	if (*got)[0].msg.Text != "six" || (*got)[1].msg.Text != "eight" {
		t.Errorf("wrong order: %q then %q", (*got)[0].msg.Text, (*got)[1].msg.Text)
	}

	// A second tick over the same listing dispatches nothing.
	a.poll(ctx)
	if len(*got) != 2 {
		t.Errorf("messages re-dispatched: %d", len(*got))
	}
}

func TestOwnRepliesAreSkipped(t *testing.T) {
	f := personalAndGroup()
	a, got := newTestAdapter(t, f, nil)
	ctx := context.Background()

	if err := a.seed(ctx); err != nil {
		t.Fatal(err)
	}
	f.addMessage("chat1", ChatMessage{ID: 5, SenderID: "self1", Text: "​I already answered"})
	f.addMessage("chat1", ChatMessage{ID: 6, SenderID: "self1", Text: "real"})

	a.poll(ctx)
	if len(*got) != 1 || (*got)[0].msg.Text != "real" {
		t.Fatalf("marker message not skipped: %+v", *got)
	}
}

func TestRouteClassification(t *testing.T) {
	f := personalAndGroup()
	modes := map[string]domain.ChatMode{
		"chat2": domain.ModeBusiness,
	}
	a, got := newTestAdapter(t, f, modes)
	ctx := context.Background()

	if err := a.seed(ctx); err != nil {
		t.Fatal(err)
	}

	f.addMessage("chat1", ChatMessage{ID: 5, SenderID: "self1", Text: "/status"})
	f.addMessage("chat1", ChatMessage{ID: 6, SenderID: "self1", Text: "what's on today?"})
	f.addMessage("chat2", ChatMessage{ID: 11, SenderID: "self1", Text: "/status"})
	f.addMessage("chat2", ChatMessage{ID: 12, SenderID: "self1", Text: "I'll take over"})
	f.addMessage("chat2", ChatMessage{ID: 13, SenderID: "cust1", Text: "are you open?"})

	a.poll(ctx)
	if len(*got) != 5 {
		t.Fatalf("dispatched %d, want 5", len(*got))
	}

	want := map[string]domain.Route{
		"chat1|/status":          domain.RouteCommand, // own command in the personal chat
		"chat1|what's on today?": domain.RouteNatural,
		"chat2|/status":          domain.RouteSilent, // commands never execute from shared chats
		"chat2|I'll take over":   domain.RouteBusiness,
		"chat2|are you open?":    domain.RouteBusiness,
	}
	for _, r := range *got {
		key := r.msg.ChatID + "|" + r.msg.Text
		if r.msg.RouteAs != want[key] {
			t.Errorf("%s routed as %q, want %q", key, r.msg.RouteAs, want[key])
		}
	}
}

func TestOffModeRoutesOff(t *testing.T) {
	f := personalAndGroup()
	a, got := newTestAdapter(t, f, map[string]domain.ChatMode{"chat2": domain.ModeOff})
	ctx := context.Background()

	if err := a.seed(ctx); err != nil {
		t.Fatal(err)
	}
	f.addMessage("chat2", ChatMessage{ID: 11, SenderID: "cust1", Text: "hello?"})

	a.poll(ctx)
	if len(*got) != 1 || (*got)[0].msg.RouteAs != domain.RouteOff {
		t.Fatalf("off chat message: %+v", *got)
	}
}

func TestPollErrorSuppression(t *testing.T) {
	f := personalAndGroup()
	a, _ := newTestAdapter(t, f, nil)
	ctx := context.Background()

	if err := a.seed(ctx); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.failing = true
	f.mu.Unlock()

	a.poll(ctx)
	a.poll(ctx)
	a.poll(ctx)
	if !a.suppressed || a.errCount != 3 {
		t.Fatalf("suppression state = %v/%d, want true/3", a.suppressed, a.errCount)
	}

	f.mu.Lock()
	f.failing = false
	f.mu.Unlock()

	a.poll(ctx)
	if a.suppressed || a.errCount != 0 {
		t.Errorf("recovery did not reset suppression: %v/%d", a.suppressed, a.errCount)
	}
}

func TestSendPrependsMarker(t *testing.T) {
	f := personalAndGroup()
	a, _ := newTestAdapter(t, f, nil)

	if err := a.Send(context.Background(), "chat1", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 1 || f.sent[0] != "​hello" {
		t.Errorf("sent = %q, want marker-prefixed hello", f.sent)
	}
}
