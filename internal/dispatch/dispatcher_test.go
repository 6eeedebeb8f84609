package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"concierge/internal/agent"
	"concierge/internal/auth"
	"concierge/internal/bus"
	"concierge/internal/config"
	"concierge/internal/domain"
	"concierge/internal/memory"
	"concierge/internal/pending"
)

type fakeAdapter struct {
	name string
	mu   sync.Mutex
	sent []string // "chatID|text"
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) Start(context.Context) error     { return nil }
func (f *fakeAdapter) Stop() error                     { return nil }
func (f *fakeAdapter) OnMessage(domain.MessageHandler) {}
func (f *fakeAdapter) Send(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Content: "stub"}, nil
}
func (s *stubProvider) Healthy(context.Context) error { return nil }

type stubRunner struct {
	reply string
	err   error
}

func (s *stubRunner) Run(context.Context, domain.Provider, []domain.ChatMessage, domain.RunOptions) (string, error) {
	return s.reply, s.err
}

type harness struct {
	d        *Dispatcher
	store    *memory.Store
	gate     *auth.Gate
	pendings *pending.Store
	adapter  *fakeAdapter
	runner   *stubRunner
}

func newHarness(t *testing.T, specs []agent.AgentSpec) *harness {
	t.Helper()
	logger := slog.Default()

	cfg := config.Defaults()
	cfg.Security.PairingCode = "123456"

	store, err := memory.NewStore(filepath.Join(t.TempDir(), "d.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	events := bus.NewEventBus(logger)
	gate := auth.NewGate(store, events, logger, auth.Options{
		PairingCode: "123456",
		PINLength:   6,
		MaxFailures: 3,
		Lockout:     time.Hour,
	})

	prov := &stubProvider{name: "stub"}
	registry := agent.BuildRegistry(specs, map[string]string{}, prov, "stub-model", nil, logger)
	runner := &stubRunner{reply: "canned reply"}
	pendings := pending.NewStore(time.Minute)

	d := New(Deps{
		Config:   cfg,
		Store:    store,
		Gate:     gate,
		Pendings: pendings,
		Registry: registry,
		Runner:   runner,
		Capturer: memory.NewCapturer(store, prov, events, logger, 1000, 50),
		Events:   events,
		Logger:   logger,
	})

	adapter := &fakeAdapter{name: domain.PlatformTelegram}
	d.RegisterPlatform(adapter)
	return &harness{d: d, store: store, gate: gate, pendings: pendings, adapter: adapter, runner: runner}
}

func (h *harness) pairOwner(t *testing.T, sender string) {
	t.Helper()
	res, err := h.gate.Pair(context.Background(), sender, "123456")
	if err != nil || res != auth.PairAccepted {
		t.Fatalf("pairing failed: %v %v", res, err)
	}
}

func tgMsg(chat, sender, text string) domain.Message {
	return domain.Message{
		ID: "tg:1", Platform: domain.PlatformTelegram,
		ChatID: chat, SenderID: sender, Text: text,
		RouteAs: domain.RouteCommand, Timestamp: time.Now(),
	}
}

func bridgeMsg(chat, sender, text string, route domain.Route, isSelf bool) domain.Message {
	return domain.Message{
		ID: "br:" + chat, Platform: domain.PlatformBridge,
		ChatID: chat, SenderID: sender, IsSelf: isSelf,
		Text: text, RouteAs: route, Timestamp: time.Now(),
	}
}

func TestUnpairedSenderGetsPairingHint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.d.HandleMessage(ctx, tgMsg("c1", "stranger", "hello"), h.adapter)
	if !strings.Contains(h.adapter.last(), "/start") {
		t.Errorf("expected pairing hint, got %q", h.adapter.last())
	}
}

func TestStartPairsAndImplicitAskWorks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/start 123456"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Paired") {
		t.Fatalf("pairing reply: %q", h.adapter.last())
	}

	// Plain text on the push platform is an implicit ask.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "what's the weather"), h.adapter)
	if !strings.Contains(h.adapter.last(), "canned reply") {
		t.Errorf("expected agent reply, got %q", h.adapter.last())
	}
}

func TestWrongPairingCodeRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.d.HandleMessage(context.Background(), tgMsg("c1", "mallory", "/start 000000"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Invalid") {
		t.Errorf("expected rejection, got %q", h.adapter.last())
	}
}

func TestSensitiveCommandStagedBehindPIN(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")
	if err := h.gate.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}

	// /pause is sensitive: prompt for PIN instead of running.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pause 10"), h.adapter)
	if !strings.Contains(h.adapter.last(), "PIN") {
		t.Fatalf("expected PIN prompt, got %q", h.adapter.last())
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "000000"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Wrong PIN") {
		t.Fatalf("expected wrong-PIN reply, got %q", h.adapter.last())
	}

	// Correct PIN unlocks and replays the staged command exactly once.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "482913"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Paused automated replies here for 10 minutes") {
		t.Fatalf("staged command not replayed: %q", h.adapter.last())
	}
	if !h.d.pause.Paused("c1") {
		t.Error("pause not applied after replay")
	}

	// Session now open: the next sensitive command runs immediately.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pause 0"), h.adapter)
	if !strings.Contains(h.adapter.last(), "resumed") {
		t.Errorf("expected immediate run with open session, got %q", h.adapter.last())
	}
}

func TestLockoutReportedOnSensitiveCommand(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")
	if err := h.gate.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pause 5"), h.adapter)
	for i := 0; i < 3; i++ {
		h.d.HandleMessage(ctx, tgMsg("c1", "alice", "000000"), h.adapter)
	}
	if !strings.Contains(h.adapter.last(), "Locked") {
		t.Fatalf("expected lockout message, got %q", h.adapter.last())
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pause 5"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Locked out") {
		t.Errorf("expected lockout report, got %q", h.adapter.last())
	}
}

func TestModePickerFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	// Two known chats, newest activity last so ListChats ordering is stable.
	if err := h.store.UpsertChatMeta(ctx, domain.ChatMeta{ChatID: "shop", Platform: "bridge", Name: "Shop"}); err != nil {
		t.Fatal(err)
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/mode business"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Reply with a number") {
		t.Fatalf("expected picker prompt, got %q", h.adapter.last())
	}

	// Out of range re-prompts.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "99"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Out of range") {
		t.Fatalf("expected range error, got %q", h.adapter.last())
	}

	// Valid selection applies the mode.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "1"), h.adapter)
	if !strings.Contains(h.adapter.last(), "business mode") {
		t.Fatalf("expected confirmation, got %q", h.adapter.last())
	}

	metas, err := h.store.ListChats(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range metas {
		if m.Mode == domain.ModeBusiness {
			found = true
		}
	}
	if !found {
		t.Error("no chat ended up in business mode")
	}
}

func TestPickerCancelledByCommand(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")
	h.store.UpsertChatMeta(ctx, domain.ChatMeta{ChatID: "c1", Platform: "telegram"})

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/mode silent"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Reply with a number") {
		t.Fatalf("picker not started: %q", h.adapter.last())
	}

	// A slash command cancels the picker and runs in the same turn.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/help"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Commands:") {
		t.Fatalf("command after cancel did not run: %q", h.adapter.last())
	}

	// Picker is gone: a number now goes to the agent, not the picker.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "2"), h.adapter)
	if strings.Contains(h.adapter.last(), "Out of range") {
		t.Error("picker survived cancellation")
	}
}

func TestBusinessWizardSavesProfile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	steps := []struct{ send, expect string }{
		{"/business", "What is the business called?"},
		{"Corner Bakery", "greeted"},
		{"Hi! Fresh bread daily.", "topics"},
		{"opening hours", "Next topic"},
		{"done", "rules"},
		{"never quote prices", "Next rule"},
		{"done", "Save it?"},
		{"yes", "Saved"},
	}
	for _, s := range steps {
		h.d.HandleMessage(ctx, tgMsg("c1", "alice", s.send), h.adapter)
		if !strings.Contains(h.adapter.last(), s.expect) {
			t.Fatalf("after %q: got %q, want substring %q", s.send, h.adapter.last(), s.expect)
		}
	}

	p, err := h.store.BusinessProfile(ctx)
	if err != nil || p == nil {
		t.Fatalf("profile not saved: %v", err)
	}
	if p.Name != "Corner Bakery" || len(p.Topics) != 1 || len(p.Rules) != 1 {
		t.Errorf("profile mismatch: %+v", p)
	}
}

func TestWizardCancelledByCommand(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/business"), h.adapter)
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/help"), h.adapter)

	if !strings.Contains(h.adapter.last(), "Commands:") {
		t.Fatalf("command after wizard cancel did not run: %q", h.adapter.last())
	}
	if p, _ := h.store.BusinessProfile(ctx); p != nil {
		t.Error("cancelled wizard saved a profile")
	}
}

func TestAdminPresencePausesBusinessReplies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	bridgeAd := &fakeAdapter{name: domain.PlatformBridge}
	h.d.RegisterPlatform(bridgeAd)

	// Customer message in a business chat gets an automated reply.
	h.d.HandleMessage(ctx, bridgeMsg("shop", "cust1", "are you open?", domain.RouteBusiness, false), bridgeAd)
	if !strings.Contains(bridgeAd.last(), "canned reply") {
		t.Fatalf("expected business reply, got %q", bridgeAd.last())
	}

	// The owner speaks: replies stand down.
	before := bridgeAd.count()
	h.d.HandleMessage(ctx, bridgeMsg("shop", "self1", "I'll handle this", domain.RouteBusiness, true), bridgeAd)
	if bridgeAd.count() != before {
		t.Fatalf("owner presence triggered a send: %q", bridgeAd.last())
	}

	// Customer messages during the pause are archived silently.
	h.d.HandleMessage(ctx, bridgeMsg("shop", "cust1", "hello?", domain.RouteBusiness, false), bridgeAd)
	if bridgeAd.count() != before {
		t.Fatalf("reply sent during admin pause: %q", bridgeAd.last())
	}

	entries, err := h.store.RecentHistory(ctx, "shop", 10)
	if err != nil {
		t.Fatal(err)
	}
	archived := false
	for _, e := range entries {
		if e.Content == "hello?" {
			archived = true
		}
	}
	if !archived {
		t.Error("customer message during pause was not archived")
	}
}

func TestSilentMessagesArchivedWithoutReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.d.HandleMessage(ctx, bridgeMsg("group", "someone", "chit chat", domain.RouteSilent, false), h.adapter)
	if h.adapter.count() != 0 {
		t.Fatalf("silent message produced a send: %q", h.adapter.last())
	}

	entries, _ := h.store.RecentHistory(ctx, "group", 10)
	if len(entries) != 1 || entries[0].Content != "chit chat" {
		t.Errorf("silent message not archived: %+v", entries)
	}
}

func TestOffMessagesDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.d.HandleMessage(ctx, bridgeMsg("dead", "someone", "anyone?", domain.RouteOff, false), h.adapter)
	if h.adapter.count() != 0 {
		t.Error("off message produced a send")
	}
	entries, _ := h.store.RecentHistory(ctx, "dead", 10)
	if len(entries) != 0 {
		t.Error("off message was archived")
	}
}

func TestNaturalFromUnpairedIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.d.HandleMessage(ctx, bridgeMsg("c1", "stranger", "hi there", domain.RouteNatural, false), h.adapter)
	if h.adapter.count() != 0 {
		t.Errorf("unpaired natural message answered: %q", h.adapter.last())
	}

	// The bridge's own account needs no pairing.
	h.d.HandleMessage(ctx, bridgeMsg("c1", "self1", "hi there", domain.RouteNatural, true), h.adapter)
	if !strings.Contains(h.adapter.last(), "canned reply") {
		t.Errorf("self natural message not answered: %q", h.adapter.last())
	}
}

func TestProviderErrorReportedToChat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")
	h.runner.err = fmt.Errorf("model overloaded")
	h.runner.reply = ""

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "hello"), h.adapter)
	if !strings.Contains(h.adapter.last(), "LLM error: ") ||
		!strings.Contains(h.adapter.last(), "model overloaded") {
		t.Errorf("expected LLM error report, got %q", h.adapter.last())
	}
}

func TestMultiAgentReplyPrefixAndMention(t *testing.T) {
	specs := []agent.AgentSpec{
		{Name: "jarvis", Persona: "helpful"},
		{Name: "coder", Persona: "writes Go"},
	}
	h := newHarness(t, specs)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "@coder review this"), h.adapter)
	if !strings.Contains(h.adapter.last(), "[coder] canned reply") {
		t.Errorf("expected prefixed reply, got %q", h.adapter.last())
	}
}

func TestSingleAgentReplyHasNoPrefix(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "hello"), h.adapter)
	if strings.Contains(h.adapter.last(), "[") {
		t.Errorf("single-agent reply carries a prefix: %q", h.adapter.last())
	}
}

func TestResetRequiresApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "hello"), h.adapter)
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/reset"), h.adapter)
	if !strings.Contains(h.adapter.last(), "yes or no") {
		t.Fatalf("expected approval prompt, got %q", h.adapter.last())
	}

	// "no" denies and the history survives.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "no"), h.adapter)
	if entries, _ := h.store.RecentHistory(ctx, "c1", 10); len(entries) == 0 {
		t.Fatal("history cleared despite denial")
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/reset"), h.adapter)
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "yes"), h.adapter)
	if !strings.Contains(h.adapter.last(), "cleared") {
		t.Fatalf("expected clear confirmation, got %q", h.adapter.last())
	}
	if entries, _ := h.store.RecentHistory(ctx, "c1", 10); len(entries) != 0 {
		t.Error("history survived approved reset")
	}
}

func TestIndexScopeDigitSelectsAndOtherTextFallsThrough(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/index"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Who should the indexed documents answer for?") {
		t.Fatalf("scope prompt missing: %q", h.adapter.last())
	}

	// Non-digit input abandons the prompt; the message is handled normally.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "actually, a question"), h.adapter)
	if !strings.Contains(h.adapter.last(), "canned reply") {
		t.Fatalf("abandoning text not dispatched normally: %q", h.adapter.last())
	}

	// Only a single exact digit resolves the prompt: "02" falls through too.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/index"), h.adapter)
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "02"), h.adapter)
	if !strings.Contains(h.adapter.last(), "canned reply") {
		t.Fatalf("padded digit not dispatched normally: %q", h.adapter.last())
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/index"), h.adapter)
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "2"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Indexing documents as admin") {
		t.Errorf("scope selection failed: %q", h.adapter.last())
	}
}

func TestIndexScopeSkipDeclinesIndexing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	events := h.d.events
	scoped := 0
	events.On(bus.EventIndexScoped, func(bus.Event) { scoped++ })

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/index"), h.adapter)
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "3"), h.adapter)
	if !strings.Contains(h.adapter.last(), "not indexing") {
		t.Fatalf("skip not acknowledged: %q", h.adapter.last())
	}
	if scoped != 0 {
		t.Error("skip emitted an index event")
	}
	if h.pendings.Scope("alice") != nil {
		t.Error("scope entry survived skip")
	}
}

func TestPINOutranksIndexScope(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")
	if err := h.gate.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}

	// Alice has both a pending PIN prompt and a pending scope prompt.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pause 5"), h.adapter)
	if !strings.Contains(h.adapter.last(), "PIN") {
		t.Fatalf("PIN prompt missing: %q", h.adapter.last())
	}
	h.pendings.SetScope("alice", &pending.IndexScope{})

	// A digit string must resolve the PIN flow, not the scope flow.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "1234"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Wrong PIN") {
		t.Fatalf("digits did not go to the PIN flow: %q", h.adapter.last())
	}
	if h.pendings.Scope("alice") == nil {
		t.Error("scope entry consumed by the PIN reply")
	}
}

func TestRequestApprovalResolvedByReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.d.RequestApproval(ctx, domain.PlatformTelegram, "c1", "alice", "Delete everything?")
		done <- result{ok, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.pendings.Approval("alice") == nil {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "yes"), h.adapter)
	select {
	case r := <-done:
		if r.err != nil || !r.ok {
			t.Errorf("RequestApproval = %v, %v, want true", r.ok, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestApproval did not return after the reply")
	}
}

func TestRequestApprovalTimesOutAsDenial(t *testing.T) {
	h := newHarness(t, nil)
	h.d.cfg.Security.PendingTTLMinutes = 0 // expire immediately

	ok, err := h.d.RequestApproval(context.Background(), domain.PlatformTelegram, "c1", "alice", "Proceed?")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if ok {
		t.Error("timed-out approval reported as granted")
	}
	if !strings.Contains(h.adapter.last(), "timed out") {
		t.Errorf("no timeout notice sent: %q", h.adapter.last())
	}
	if h.pendings.Approval("alice") != nil {
		t.Error("approval entry survived timeout")
	}
}

func TestRequestApprovalCancelledWithContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.d.RequestApproval(ctx, domain.PlatformTelegram, "c1", "alice", "Proceed?")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.pendings.Approval("alice") == nil {
		if time.Now().After(deadline) {
			t.Fatal("approval never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestApproval did not return after cancellation")
	}
	if h.pendings.Approval("alice") != nil {
		t.Error("approval entry survived cancellation")
	}
}

func TestPairedGuestNotPINGated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")
	if err := h.gate.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}
	if res, err := h.gate.Pair(ctx, "bob", "123456"); err != nil || res != auth.PairAccepted {
		t.Fatalf("guest pairing failed: %v %v", res, err)
	}

	// The PIN protects the owner's account. A paired guest runs sensitive
	// commands directly.
	h.d.HandleMessage(ctx, tgMsg("c2", "bob", "/pause 5"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Paused automated replies here for 5 minutes") {
		t.Errorf("guest was PIN-gated: %q", h.adapter.last())
	}

	// The owner still is.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pause 5"), h.adapter)
	if !strings.Contains(h.adapter.last(), "PIN") {
		t.Errorf("owner not PIN-gated: %q", h.adapter.last())
	}
}

func TestPINChangeFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pairOwner(t, "alice")

	// No PIN yet: /pin sets one directly.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pin"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Choose a 6-digit PIN") {
		t.Fatalf("expected new-PIN prompt, got %q", h.adapter.last())
	}
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "482913"), h.adapter)
	if !strings.Contains(h.adapter.last(), "PIN updated") {
		t.Fatalf("PIN not set: %q", h.adapter.last())
	}

	// Changing requires the current PIN first.
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "/pin"), h.adapter)
	if !strings.Contains(h.adapter.last(), "current PIN") {
		t.Fatalf("expected verify prompt, got %q", h.adapter.last())
	}
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "482913"), h.adapter)
	if !strings.Contains(h.adapter.last(), "Enter a new") {
		t.Fatalf("expected new-PIN prompt, got %q", h.adapter.last())
	}
	h.d.HandleMessage(ctx, tgMsg("c1", "alice", "915730"), h.adapter)
	if !strings.Contains(h.adapter.last(), "PIN updated") {
		t.Fatalf("PIN change failed: %q", h.adapter.last())
	}

	ok, err := h.gate.VerifyPIN(ctx, "915730")
	if err != nil || !ok {
		t.Error("new PIN does not verify")
	}
}
