package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"concierge/internal/bus"
	"concierge/internal/domain"
	"concierge/internal/pending"
)

var (
	yesWords = map[string]bool{"yes": true, "y": true, "approve": true, "ok": true}
	noWords  = map[string]bool{"no": true, "n": true, "deny": true}
)

// handlePending arbitrates the sender's outstanding interactive flows, in
// priority order: approval, PIN prompt, index scope, mode picker, business
// wizard. It returns true when the message was consumed by a flow.
func (d *Dispatcher) handlePending(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) bool {
	if d.resolveApproval(ctx, msg, adapter) {
		return true
	}
	if d.resolvePIN(ctx, msg, adapter) {
		return true
	}
	if d.resolveScope(ctx, msg, adapter) {
		return true
	}
	if d.resolvePicker(ctx, msg, adapter) {
		return true
	}
	return d.resolveWizard(ctx, msg, adapter)
}

func (d *Dispatcher) resolveApproval(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) bool {
	a := d.pendings.Approval(msg.SenderID)
	if a == nil {
		return false
	}

	word := strings.ToLower(strings.TrimSpace(msg.Text))
	if !yesWords[word] && !noWords[word] {
		d.send(ctx, adapter, msg.ChatID, "Please answer yes or no.")
		return true
	}
	approved := yesWords[word]

	d.pendings.ClearApproval(msg.SenderID)
	d.events.Emit(bus.Event{
		Type:   bus.EventApprovalResolved,
		Source: "dispatch",
		Payload: map[string]any{
			"platform": msg.Platform, "chat_id": msg.ChatID,
			"sender_id": msg.SenderID, "approved": approved,
		},
	})

	if a.Decision != nil {
		select {
		case a.Decision <- approved:
		default:
		}
	}

	if approved {
		d.send(ctx, adapter, msg.ChatID, "Approved.")
		if a.Staged != nil {
			d.runCommand(ctx, a.Staged.Msg, adapter, a.Staged.Name, a.Staged.Args)
		}
	} else {
		d.send(ctx, adapter, msg.ChatID, "Denied.")
	}
	return true
}

func (d *Dispatcher) resolvePIN(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) bool {
	entry, expiredNow := d.pendings.PIN(msg.SenderID)
	if expiredNow {
		d.send(ctx, adapter, msg.ChatID, "PIN prompt expired. Run the command again.")
		return true
	}
	if entry == nil {
		return false
	}

	text := strings.TrimSpace(msg.Text)
	if strings.EqualFold(text, "/cancel") {
		d.pendings.ClearPIN(msg.SenderID)
		d.send(ctx, adapter, msg.ChatID, "Cancelled.")
		return true
	}
	if len(text) < 4 || len(text) > 6 || !allDigits(text) {
		d.send(ctx, adapter, msg.ChatID, "Enter your PIN (digits only), or /cancel.")
		return true
	}

	switch entry.Change {
	case pending.ChangeVerifyCurrent:
		return d.pinChangeVerify(ctx, msg, adapter, entry, text)
	case pending.ChangeEnterNew:
		d.pendings.ClearPIN(msg.SenderID)
		if err := d.gate.SetPIN(ctx, text); err != nil {
			d.send(ctx, adapter, msg.ChatID, "Could not set PIN: "+err.Error())
			return true
		}
		d.send(ctx, adapter, msg.ChatID, "PIN updated.")
		return true
	}

	ok, err := d.gate.Authenticate(ctx, msg.SenderID, text)
	if err != nil {
		d.logger.Error("pin verification failed", "sender", msg.SenderID, "error", err)
		d.send(ctx, adapter, msg.ChatID, "Something went wrong, try again.")
		return true
	}
	if !ok {
		if remaining, _ := d.gate.LockedFor(ctx, msg.SenderID); remaining > 0 {
			d.pendings.ClearPIN(msg.SenderID)
			d.send(ctx, adapter, msg.ChatID,
				fmt.Sprintf("Too many wrong PINs. Locked for %d minutes.", int(remaining.Minutes())+1))
			return true
		}
		d.send(ctx, adapter, msg.ChatID, "Wrong PIN, try again.")
		return true
	}

	d.pendings.ClearPIN(msg.SenderID)
	d.send(ctx, adapter, msg.ChatID, "Unlocked.")
	if entry.Staged != nil {
		d.runCommand(ctx, entry.Staged.Msg, adapter, entry.Staged.Name, entry.Staged.Args)
	}
	return true
}

func (d *Dispatcher) pinChangeVerify(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, entry *pending.PINEntry, text string) bool {
	ok, err := d.gate.Authenticate(ctx, msg.SenderID, text)
	if err != nil {
		d.logger.Error("pin verification failed", "sender", msg.SenderID, "error", err)
		d.send(ctx, adapter, msg.ChatID, "Something went wrong, try again.")
		return true
	}
	if !ok {
		if remaining, _ := d.gate.LockedFor(ctx, msg.SenderID); remaining > 0 {
			d.pendings.ClearPIN(msg.SenderID)
			d.send(ctx, adapter, msg.ChatID,
				fmt.Sprintf("Too many wrong PINs. Locked for %d minutes.", int(remaining.Minutes())+1))
			return true
		}
		d.send(ctx, adapter, msg.ChatID, "Wrong PIN, try again.")
		return true
	}

	d.pendings.SetPIN(msg.SenderID, &pending.PINEntry{Change: pending.ChangeEnterNew})
	d.send(ctx, adapter, msg.ChatID,
		fmt.Sprintf("Current PIN confirmed. Enter a new %d-digit PIN.", d.gate.PINLength()))
	return true
}

// scopeOptions are the visibility choices offered by /index: who may see
// the indexed documents, or skip indexing entirely.
var scopeOptions = []struct {
	Scope string
	Label string
}{
	{"public", "Public (customers can be answered from them)"},
	{"admin", "Admin only (owner questions only)"},
	{"skip", "Skip (don't index)"},
}

func (d *Dispatcher) resolveScope(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) bool {
	sc := d.pendings.Scope(msg.SenderID)
	if sc == nil {
		return false
	}

	// Only an exact single digit 1-3 resolves the prompt. Anything else
	// abandons it and the message continues through normal dispatch.
	text := strings.TrimSpace(msg.Text)
	if len(text) != 1 || text[0] < '1' || text[0] > '0'+byte(len(scopeOptions)) {
		d.pendings.ClearScope(msg.SenderID)
		return false
	}

	d.pendings.ClearScope(msg.SenderID)
	opt := scopeOptions[text[0]-'1']
	if opt.Scope == "skip" {
		d.send(ctx, adapter, msg.ChatID, "Okay, not indexing anything.")
		return true
	}

	d.events.Emit(bus.Event{
		Type:   bus.EventIndexScoped,
		Source: "dispatch",
		Payload: map[string]any{
			"platform": msg.Platform, "chat_id": msg.ChatID,
			"sender_id": msg.SenderID, "scope": opt.Scope,
		},
	})
	d.send(ctx, adapter, msg.ChatID, "Indexing documents as "+opt.Scope+" in the background.")
	return true
}

func (d *Dispatcher) resolvePicker(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) bool {
	p := d.pendings.Picker(msg.ChatID)
	if p == nil {
		return false
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		// A new command cancels the picker and is processed normally.
		d.pendings.ClearPicker(msg.ChatID)
		return false
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		d.send(ctx, adapter, msg.ChatID,
			fmt.Sprintf("Reply with a number between 1 and %d, or start a new command.", len(p.Candidates)))
		return true
	}
	if n < 1 || n > len(p.Candidates) {
		d.send(ctx, adapter, msg.ChatID,
			fmt.Sprintf("Out of range. Pick a number between 1 and %d.", len(p.Candidates)))
		return true
	}

	choice := p.Candidates[n-1]
	if p.Mode == domain.ModeOff && choice.Personal {
		d.pendings.ClearPicker(msg.ChatID)
		d.send(ctx, adapter, msg.ChatID, "The personal chat cannot be switched off.")
		return true
	}

	d.pendings.ClearPicker(msg.ChatID)
	if err := d.store.SetChatMode(ctx, choice.ChatID, p.Mode); err != nil {
		d.logger.Error("mode change failed", "chat", choice.ChatID, "error", err)
		d.send(ctx, adapter, msg.ChatID, "Could not change the mode, try again.")
		return true
	}
	d.events.Emit(bus.Event{
		Type:   bus.EventModeChanged,
		Source: "dispatch",
		Payload: map[string]any{
			"chat_id": choice.ChatID, "mode": string(p.Mode), "sender_id": msg.SenderID,
		},
	})

	confirmation := fmt.Sprintf("%s is now in %s mode.", displayName(choice), p.Mode)
	if p.AssignAgent != "" {
		if err := d.store.SetChatAgent(ctx, choice.ChatID, p.AssignAgent); err != nil {
			d.logger.Error("agent assignment failed", "chat", choice.ChatID, "error", err)
		} else {
			d.events.Emit(bus.Event{
				Type:    bus.EventAgentAssigned,
				Source:  "dispatch",
				Payload: map[string]any{"chat_id": choice.ChatID, "agent": p.AssignAgent},
			})
			confirmation += fmt.Sprintf(" Agent: %s.", p.AssignAgent)
		}
	}
	d.send(ctx, adapter, msg.ChatID, confirmation)
	return true
}

func (d *Dispatcher) resolveWizard(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) bool {
	w := d.pendings.Wizard(msg.SenderID)
	if w == nil {
		return false
	}

	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		d.pendings.ClearWizard(msg.SenderID)
		d.send(ctx, adapter, msg.ChatID, "Business setup cancelled.")
		return false
	}

	d.advanceWizard(ctx, msg, adapter, w)
	return true
}

func displayName(c pending.ChatOption) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ChatID
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
