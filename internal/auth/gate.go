package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"concierge/internal/bus"
	"concierge/internal/memory"
)

// Requirement tells the dispatcher what stands between a sender and a
// sensitive command.
type Requirement int

const (
	// AuthNone means the sender has a live session or no PIN is configured.
	AuthNone Requirement = iota
	// AuthRequired means a PIN prompt must be issued.
	AuthRequired
	// AuthLocked means the sender is inside a lockout window.
	AuthLocked
)

// PairResult describes the outcome of a pairing attempt.
type PairResult int

const (
	PairRejected PairResult = iota
	PairAccepted
	PairAlready
)

// Gate owns pairing and PIN verification. Sessions are cached in memory and
// persisted so a restart does not force everyone to re-authenticate.
type Gate struct {
	store  *memory.Store
	events *bus.EventBus
	logger *slog.Logger

	pairingCode    string
	pinLength      int
	sessionTimeout time.Duration
	maxFailures    int
	lockout        time.Duration

	mu       sync.Mutex
	sessions map[string]time.Time // senderID -> authenticated_at
}

type Options struct {
	PairingCode    string
	PINLength      int
	SessionTimeout time.Duration
	MaxFailures    int
	Lockout        time.Duration
}

func NewGate(store *memory.Store, events *bus.EventBus, logger *slog.Logger, opts Options) *Gate {
	if opts.PINLength < 4 || opts.PINLength > 6 {
		opts.PINLength = 6
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 15 * time.Minute
	}
	if opts.MaxFailures < 1 {
		opts.MaxFailures = 3
	}
	if opts.Lockout <= 0 {
		opts.Lockout = 5 * time.Minute
	}
	return &Gate{
		store:          store,
		events:         events,
		logger:         logger,
		pairingCode:    opts.PairingCode,
		pinLength:      opts.PINLength,
		sessionTimeout: opts.SessionTimeout,
		maxFailures:    opts.MaxFailures,
		lockout:        opts.Lockout,
		sessions:       make(map[string]time.Time),
	}
}

// PINLength is the configured PIN length, used when validating /pin input.
func (g *Gate) PINLength() int { return g.pinLength }

// --- Pairing ---

// Pair matches code against the configured pairing code (case-insensitive).
// The first sender to pair becomes the owner.
func (g *Gate) Pair(ctx context.Context, senderID, code string) (PairResult, error) {
	if paired, err := g.store.IsPaired(ctx, senderID); err != nil {
		return PairRejected, err
	} else if paired {
		return PairAlready, nil
	}

	if g.pairingCode == "" || !strings.EqualFold(strings.TrimSpace(code), g.pairingCode) {
		g.events.Emit(bus.Event{
			Type:    bus.EventPairingRejected,
			Source:  "auth",
			Payload: map[string]any{"sender_id": senderID},
		})
		return PairRejected, nil
	}

	if err := g.store.Pair(ctx, senderID); err != nil {
		return PairRejected, err
	}

	owner, err := g.store.Owner(ctx)
	if err != nil {
		return PairRejected, err
	}
	becameOwner := false
	if owner == "" {
		if err := g.store.SetOwner(ctx, senderID); err != nil {
			return PairRejected, err
		}
		becameOwner = true
	}

	g.events.Emit(bus.Event{
		Type:    bus.EventPairingCompleted,
		Source:  "auth",
		Payload: map[string]any{"sender_id": senderID, "owner": becameOwner},
	})
	return PairAccepted, nil
}

func (g *Gate) IsPaired(ctx context.Context, senderID string) (bool, error) {
	return g.store.IsPaired(ctx, senderID)
}

// IsOwner reports whether senderID is the first-paired account.
func (g *Gate) IsOwner(ctx context.Context, senderID string) (bool, error) {
	owner, err := g.store.Owner(ctx)
	if err != nil {
		return false, err
	}
	return owner != "" && owner == senderID, nil
}

// --- PIN ---

func hashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// HasPIN reports whether a PIN has been configured.
func (g *Gate) HasPIN(ctx context.Context) (bool, error) {
	hash, err := g.store.PINHash(ctx)
	return hash != "", err
}

// SetPIN stores a new PIN. The value must be digits of the configured length.
func (g *Gate) SetPIN(ctx context.Context, pin string) error {
	if len(pin) != g.pinLength || !allDigits(pin) {
		return fmt.Errorf("PIN must be exactly %d digits", g.pinLength)
	}
	if err := g.store.SetPINHash(ctx, hashPIN(pin)); err != nil {
		return err
	}
	g.events.Emit(bus.Event{Type: bus.EventPINChanged, Source: "auth"})
	return nil
}

// VerifyPIN checks a PIN without granting a session. Used by the PIN-change
// flow to confirm the current PIN.
func (g *Gate) VerifyPIN(ctx context.Context, pin string) (bool, error) {
	hash, err := g.store.PINHash(ctx)
	if err != nil {
		return false, err
	}
	return hash != "" && hash == hashPIN(pin), nil
}

// NeedsAuth decides whether senderID may run a sensitive command right now.
func (g *Gate) NeedsAuth(ctx context.Context, senderID string) (Requirement, error) {
	hash, err := g.store.PINHash(ctx)
	if err != nil {
		return AuthRequired, err
	}
	if hash == "" {
		return AuthNone, nil
	}

	if remaining, err := g.LockedFor(ctx, senderID); err != nil {
		return AuthRequired, err
	} else if remaining > 0 {
		return AuthLocked, nil
	}

	now := time.Now()

	g.mu.Lock()
	at, ok := g.sessions[senderID]
	g.mu.Unlock()
	if ok && now.Sub(at) < g.sessionTimeout {
		return AuthNone, nil
	}

	at, ok, err = g.store.Session(ctx, senderID)
	if err != nil {
		return AuthRequired, err
	}
	if ok && now.Sub(at) < g.sessionTimeout {
		g.mu.Lock()
		g.sessions[senderID] = at
		g.mu.Unlock()
		return AuthNone, nil
	}

	return AuthRequired, nil
}

// Authenticate verifies a PIN entry and opens a session on success. A wrong
// PIN increments the failure counter; reaching the limit starts a lockout.
// During a lockout even the correct PIN is rejected.
func (g *Gate) Authenticate(ctx context.Context, senderID, pin string) (bool, error) {
	if remaining, err := g.LockedFor(ctx, senderID); err != nil {
		return false, err
	} else if remaining > 0 {
		return false, nil
	}

	ok, err := g.VerifyPIN(ctx, pin)
	if err != nil {
		return false, err
	}

	if !ok {
		count, _, err := g.store.FailState(ctx, senderID)
		if err != nil {
			return false, err
		}
		count++
		var lockedUntil time.Time
		if count >= g.maxFailures {
			lockedUntil = time.Now().Add(g.lockout)
		}
		if err := g.store.SetFailState(ctx, senderID, count, lockedUntil); err != nil {
			return false, err
		}
		if !lockedUntil.IsZero() {
			g.events.Emit(bus.Event{
				Type:    bus.EventPINLocked,
				Source:  "auth",
				Payload: map[string]any{"sender_id": senderID, "until": lockedUntil.Format(time.RFC3339)},
			})
		} else {
			g.events.Emit(bus.Event{
				Type:    bus.EventPINFailed,
				Source:  "auth",
				Payload: map[string]any{"sender_id": senderID, "failures": count},
			})
		}
		return false, nil
	}

	now := time.Now()
	g.mu.Lock()
	g.sessions[senderID] = now
	g.mu.Unlock()
	if err := g.store.SetSession(ctx, senderID, now); err != nil {
		g.logger.Warn("session persist failed", "sender", senderID, "error", err)
	}
	if err := g.store.ResetFails(ctx, senderID); err != nil {
		g.logger.Warn("fail counter reset failed", "sender", senderID, "error", err)
	}

	g.events.Emit(bus.Event{
		Type:    bus.EventPINVerified,
		Source:  "auth",
		Payload: map[string]any{"sender_id": senderID},
	})
	return true, nil
}

// LockedFor returns how much lockout time remains for senderID, or zero.
// An expired lockout is cleared as a side effect.
func (g *Gate) LockedFor(ctx context.Context, senderID string) (time.Duration, error) {
	_, lockedUntil, err := g.store.FailState(ctx, senderID)
	if err != nil {
		return 0, err
	}
	if lockedUntil.IsZero() {
		return 0, nil
	}
	remaining := time.Until(lockedUntil)
	if remaining <= 0 {
		if err := g.store.ResetFails(ctx, senderID); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return remaining, nil
}

// Logout drops the sender's session, forcing a fresh PIN prompt.
func (g *Gate) Logout(ctx context.Context, senderID string) error {
	g.mu.Lock()
	delete(g.sessions, senderID)
	g.mu.Unlock()
	return g.store.ClearSession(ctx, senderID)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
