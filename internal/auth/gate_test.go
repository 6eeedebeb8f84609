package auth

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"concierge/internal/bus"
	"concierge/internal/memory"
)

func newTestGate(t *testing.T, opts Options) *Gate {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "auth.db"), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGate(store, bus.NewEventBus(slog.Default()), slog.Default(), opts)
}

func TestPairingFirstSenderBecomesOwner(t *testing.T) {
	g := newTestGate(t, Options{PairingCode: "AB12CD"})
	ctx := context.Background()

	// Case-insensitive match.
	res, err := g.Pair(ctx, "alice", "ab12cd")
	if err != nil {
		t.Fatal(err)
	}
	if res != PairAccepted {
		t.Fatalf("first pair = %v, want accepted", res)
	}
	if owner, _ := g.IsOwner(ctx, "alice"); !owner {
		t.Error("first paired sender is not owner")
	}

	res, _ = g.Pair(ctx, "bob", "AB12CD")
	if res != PairAccepted {
		t.Fatalf("second pair = %v, want accepted", res)
	}
	if owner, _ := g.IsOwner(ctx, "bob"); owner {
		t.Error("second paired sender must not be owner")
	}

	res, _ = g.Pair(ctx, "alice", "AB12CD")
	if res != PairAlready {
		t.Errorf("re-pair = %v, want already", res)
	}
}

func TestPairingRejectsWrongCode(t *testing.T) {
	g := newTestGate(t, Options{PairingCode: "123456"})
	ctx := context.Background()

	res, err := g.Pair(ctx, "mallory", "654321")
	if err != nil {
		t.Fatal(err)
	}
	if res != PairRejected {
		t.Errorf("wrong code = %v, want rejected", res)
	}
	if paired, _ := g.IsPaired(ctx, "mallory"); paired {
		t.Error("rejected sender ended up paired")
	}
}

func TestNeedsAuthWithoutPIN(t *testing.T) {
	g := newTestGate(t, Options{})
	req, err := g.NeedsAuth(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if req != AuthNone {
		t.Errorf("no PIN configured: NeedsAuth = %v, want AuthNone", req)
	}
}

func TestAuthenticateOpensSession(t *testing.T) {
	g := newTestGate(t, Options{PINLength: 6})
	ctx := context.Background()

	if err := g.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}

	if req, _ := g.NeedsAuth(ctx, "alice"); req != AuthRequired {
		t.Fatalf("NeedsAuth before login = %v, want AuthRequired", req)
	}

	ok, err := g.Authenticate(ctx, "alice", "482913")
	if err != nil || !ok {
		t.Fatalf("Authenticate = %v, %v", ok, err)
	}

	if req, _ := g.NeedsAuth(ctx, "alice"); req != AuthNone {
		t.Errorf("NeedsAuth after login = %v, want AuthNone", req)
	}
	// Sessions are per sender.
	if req, _ := g.NeedsAuth(ctx, "bob"); req != AuthRequired {
		t.Errorf("bob inherited alice's session: %v", req)
	}

	if err := g.Logout(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if req, _ := g.NeedsAuth(ctx, "alice"); req != AuthRequired {
		t.Errorf("NeedsAuth after logout = %v, want AuthRequired", req)
	}
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	g := newTestGate(t, Options{PINLength: 6, MaxFailures: 3, Lockout: time.Hour})
	ctx := context.Background()

	if err := g.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ok, err := g.Authenticate(ctx, "alice", "000000")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("wrong PIN accepted")
		}
	}

	if req, _ := g.NeedsAuth(ctx, "alice"); req != AuthLocked {
		t.Fatalf("NeedsAuth after 3 failures = %v, want AuthLocked", req)
	}
	remaining, err := g.LockedFor(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if remaining <= 0 {
		t.Error("no lockout time remaining")
	}

	// The correct PIN is rejected during lockout.
	ok, err := g.Authenticate(ctx, "alice", "482913")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("correct PIN accepted during lockout")
	}

	// Other senders are unaffected.
	if req, _ := g.NeedsAuth(ctx, "bob"); req != AuthRequired {
		t.Errorf("bob affected by alice's lockout: %v", req)
	}
}

func TestExpiredLockoutClears(t *testing.T) {
	g := newTestGate(t, Options{PINLength: 6, MaxFailures: 1, Lockout: 10 * time.Millisecond})
	ctx := context.Background()

	if err := g.SetPIN(ctx, "482913"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := g.Authenticate(ctx, "alice", "000000"); ok {
		t.Fatal("wrong PIN accepted")
	}
	if req, _ := g.NeedsAuth(ctx, "alice"); req != AuthLocked {
		t.Fatalf("expected lockout, got %v", req)
	}

	time.Sleep(20 * time.Millisecond)

	ok, err := g.Authenticate(ctx, "alice", "482913")
	if err != nil || !ok {
		t.Errorf("correct PIN rejected after lockout lapsed: %v, %v", ok, err)
	}
}

func TestSetPINValidatesFormat(t *testing.T) {
	g := newTestGate(t, Options{PINLength: 6})
	ctx := context.Background()

	if err := g.SetPIN(ctx, "12345"); err == nil {
		t.Error("short PIN accepted")
	}
	if err := g.SetPIN(ctx, "12345a"); err == nil {
		t.Error("non-digit PIN accepted")
	}
	if err := g.SetPIN(ctx, "123456"); err != nil {
		t.Errorf("valid PIN rejected: %v", err)
	}
	if has, _ := g.HasPIN(ctx); !has {
		t.Error("HasPIN false after SetPIN")
	}
}
