package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"concierge/internal/auth"
	"concierge/internal/bus"
	"concierge/internal/domain"
	"concierge/internal/pending"
)

// sensitiveCommands must pass the PIN gate before running.
var sensitiveCommands = map[string]bool{
	"mode":  true,
	"reset": true,
	"index": true,
	"pause": true,
}

const helpText = `Commands:
/ask <question> - ask the assistant
/agents - list configured agents
/agent <name> - assign an agent to this chat
/mode <off|silent|natural|business> [agent] - change a chat's mode
/business - set up the business profile
/index [path] - index documents for context
/pin - set or change the PIN
/pause [minutes] - pause automated replies here
/reset - clear this chat's history
/status - show what's running
/help - this message`

// handleCommandText parses a command-path message. Plain text on the push
// platform is treated as an implicit /ask.
func (d *Dispatcher) handleCommandText(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	trimmed := strings.TrimSpace(msg.Text)
	if trimmed == "" {
		return
	}

	var name string
	var args []string
	if strings.HasPrefix(trimmed, "/") {
		fields := strings.Fields(trimmed)
		name = strings.ToLower(strings.TrimPrefix(fields[0], "/"))
		args = fields[1:]
		if name == "ask" {
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
			args = nil
			if rest != "" {
				args = []string{rest}
			}
		}
	} else {
		name = "ask"
		args = []string{trimmed}
	}

	if !d.commandAllowed(ctx, msg, adapter, name) {
		return
	}

	if sensitiveCommands[name] && d.isOwner(ctx, msg) {
		switch req, err := d.gate.NeedsAuth(ctx, msg.SenderID); {
		case err != nil:
			d.logger.Error("auth check failed", "sender", msg.SenderID, "error", err)
			d.send(ctx, adapter, msg.ChatID, "Something went wrong, try again.")
			return
		case req == auth.AuthLocked:
			remaining, _ := d.gate.LockedFor(ctx, msg.SenderID)
			d.send(ctx, adapter, msg.ChatID,
				fmt.Sprintf("Locked out. Try again in %d minutes.", int(remaining.Minutes())+1))
			return
		case req == auth.AuthRequired:
			d.pendings.SetPIN(msg.SenderID, &pending.PINEntry{
				Staged: &pending.StagedCommand{Name: name, Args: args, Msg: msg},
			})
			d.send(ctx, adapter, msg.ChatID, "Enter your PIN to continue.")
			return
		}
	}

	d.runCommand(ctx, msg, adapter, name, args)
}

// isOwner reports whether the message comes from the controlling identity.
// The PIN gate protects the owner's own account; paired guests never set a
// PIN and are not prompted for one.
func (d *Dispatcher) isOwner(ctx context.Context, msg domain.Message) bool {
	if msg.IsSelf {
		return true
	}
	owner, err := d.gate.IsOwner(ctx, msg.SenderID)
	if err != nil {
		d.logger.Warn("owner check failed", "sender", msg.SenderID, "error", err)
		return false
	}
	return owner
}

// commandAllowed enforces the pairing gate: until a sender pairs, only
// /start and /help work. The bridge's own account is always trusted.
func (d *Dispatcher) commandAllowed(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, name string) bool {
	if msg.IsSelf || name == "start" || name == "help" {
		return true
	}
	paired, err := d.gate.IsPaired(ctx, msg.SenderID)
	if err != nil {
		d.logger.Warn("pairing check failed", "sender", msg.SenderID, "error", err)
		return false
	}
	if !paired {
		d.send(ctx, adapter, msg.ChatID, "Not paired. Send /start <code> with your pairing code.")
		return false
	}
	return true
}

func (d *Dispatcher) runCommand(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, name string, args []string) {
	switch name {
	case "start":
		d.cmdStart(ctx, msg, adapter, args)
	case "help":
		d.send(ctx, adapter, msg.ChatID, helpText)
	case "status":
		d.cmdStatus(ctx, msg, adapter)
	case "ask":
		d.cmdAsk(ctx, msg, adapter, args)
	case "agents":
		d.cmdAgents(ctx, msg, adapter)
	case "agent":
		d.cmdAgent(ctx, msg, adapter, args)
	case "mode":
		d.cmdMode(ctx, msg, adapter, args)
	case "business":
		d.startWizard(ctx, msg, adapter)
	case "index":
		d.cmdIndex(ctx, msg, adapter, args)
	case "pin":
		d.cmdPIN(ctx, msg, adapter)
	case "reset":
		d.cmdReset(ctx, msg, adapter)
	case "reset-confirmed":
		if err := d.store.ClearHistory(ctx, msg.ChatID); err != nil {
			d.logger.Error("history clear failed", "chat", msg.ChatID, "error", err)
			d.send(ctx, adapter, msg.ChatID, "Could not clear the history, try again.")
			return
		}
		d.send(ctx, adapter, msg.ChatID, "Chat history cleared.")
	case "pause":
		d.cmdPause(ctx, msg, adapter, args)
	default:
		d.send(ctx, adapter, msg.ChatID, "Unknown command. Type /help for available commands.")
	}
}

func (d *Dispatcher) cmdStart(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, args []string) {
	if len(args) == 0 {
		d.send(ctx, adapter, msg.ChatID, "Usage: /start <pairing code>")
		return
	}
	result, err := d.gate.Pair(ctx, msg.SenderID, args[0])
	if err != nil {
		d.logger.Error("pairing failed", "sender", msg.SenderID, "error", err)
		d.send(ctx, adapter, msg.ChatID, "Something went wrong, try again.")
		return
	}
	switch result {
	case auth.PairAccepted:
		d.send(ctx, adapter, msg.ChatID, "Paired. Type /help to see what I can do.")
	case auth.PairAlready:
		d.send(ctx, adapter, msg.ChatID, "You're already paired.")
	default:
		d.send(ctx, adapter, msg.ChatID, "Invalid pairing code.")
	}
}

func (d *Dispatcher) cmdStatus(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	d.mu.RLock()
	platforms := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		platforms = append(platforms, name)
	}
	d.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Platforms: %s\n", strings.Join(platforms, ", "))
	fmt.Fprintf(&b, "Agents: %s\n", strings.Join(d.registry.Names(), ", "))
	fmt.Fprintf(&b, "Events seen: %d", d.events.HistoryLen())
	if remaining := d.pause.Remaining(msg.ChatID); remaining > 0 {
		fmt.Fprintf(&b, "\nThis chat is paused for another %d minutes.", int(remaining.Minutes())+1)
	}
	d.send(ctx, adapter, msg.ChatID, b.String())
}

func (d *Dispatcher) cmdAsk(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, args []string) {
	if len(args) == 0 {
		d.send(ctx, adapter, msg.ChatID, "Usage: /ask <question>")
		return
	}
	question := msg
	question.Text = strings.Join(args, " ")
	d.converse(ctx, question, adapter, domain.ModeNatural, "")
}

func (d *Dispatcher) cmdAgents(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	names := d.registry.Names()
	var b strings.Builder
	b.WriteString("Agents:\n")
	for i, name := range names {
		if i == 0 {
			fmt.Fprintf(&b, "- %s (default)\n", name)
		} else {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	b.WriteString("Mention one with @name, or assign one here with /agent <name>.")
	d.send(ctx, adapter, msg.ChatID, b.String())
}

func (d *Dispatcher) cmdAgent(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, args []string) {
	if len(args) == 0 {
		d.send(ctx, adapter, msg.ChatID, "Usage: /agent <name>")
		return
	}
	name := strings.ToLower(args[0])
	if d.registry.ByName(name) == nil {
		d.send(ctx, adapter, msg.ChatID,
			fmt.Sprintf("No agent named %q. Try /agents.", args[0]))
		return
	}
	if err := d.store.SetChatAgent(ctx, msg.ChatID, name); err != nil {
		d.logger.Error("agent assignment failed", "chat", msg.ChatID, "error", err)
		d.send(ctx, adapter, msg.ChatID, "Could not assign the agent, try again.")
		return
	}
	d.events.Emit(bus.Event{
		Type:    bus.EventAgentAssigned,
		Source:  "dispatch",
		Payload: map[string]any{"chat_id": msg.ChatID, "agent": name, "sender_id": msg.SenderID},
	})
	d.send(ctx, adapter, msg.ChatID, fmt.Sprintf("%s now answers in this chat.", name))
}

func (d *Dispatcher) cmdMode(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, args []string) {
	if len(args) == 0 {
		mode := d.ModeFor(msg.ChatID)
		d.send(ctx, adapter, msg.ChatID,
			fmt.Sprintf("This chat is in %s mode. Usage: /mode <off|silent|natural|business> [agent]", mode))
		return
	}

	modeArg := strings.ToLower(args[0])
	if !domain.ValidChatMode(modeArg) {
		d.send(ctx, adapter, msg.ChatID, "Unknown mode. Use off, silent, natural, or business.")
		return
	}

	assignAgent := ""
	if len(args) > 1 {
		assignAgent = strings.ToLower(args[1])
		if d.registry.ByName(assignAgent) == nil {
			d.send(ctx, adapter, msg.ChatID,
				fmt.Sprintf("No agent named %q. Try /agents.", args[1]))
			return
		}
	}

	chats, err := d.store.ListChats(ctx, 10)
	if err != nil || len(chats) == 0 {
		d.logger.Warn("chat listing failed", "error", err)
		d.send(ctx, adapter, msg.ChatID, "No chats to choose from yet.")
		return
	}

	candidates := make([]pending.ChatOption, 0, len(chats))
	var b strings.Builder
	fmt.Fprintf(&b, "Set %s mode on which chat?\n", modeArg)
	for i, c := range chats {
		candidates = append(candidates, pending.ChatOption{
			ChatID: c.ChatID, Name: c.Name, Personal: c.Personal,
		})
		label := c.Name
		if label == "" {
			label = c.ChatID
		}
		fmt.Fprintf(&b, "%d. %s (%s, %s)\n", i+1, label, c.Platform, c.Mode)
	}
	b.WriteString("Reply with a number.")

	d.pendings.SetPicker(msg.ChatID, &pending.ModePicker{
		Candidates:  candidates,
		Mode:        domain.ChatMode(modeArg),
		AssignAgent: assignAgent,
	})
	d.send(ctx, adapter, msg.ChatID, b.String())
}

func (d *Dispatcher) cmdIndex(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, args []string) {
	if len(args) > 0 {
		path := args[0]
		d.events.Emit(bus.Event{
			Type:   bus.EventIndexScoped,
			Source: "dispatch",
			Payload: map[string]any{
				"platform": msg.Platform, "chat_id": msg.ChatID,
				"sender_id": msg.SenderID, "path": path,
			},
		})
		d.send(ctx, adapter, msg.ChatID, "Indexing "+path+" in the background.")
		return
	}

	d.pendings.SetScope(msg.SenderID, &pending.IndexScope{})
	var b strings.Builder
	b.WriteString("Who should the indexed documents answer for?\n")
	for i, opt := range scopeOptions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt.Label)
	}
	b.WriteString("Reply with a number.")
	d.send(ctx, adapter, msg.ChatID, b.String())
}

func (d *Dispatcher) cmdPIN(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	has, err := d.gate.HasPIN(ctx)
	if err != nil {
		d.logger.Error("pin lookup failed", "error", err)
		d.send(ctx, adapter, msg.ChatID, "Something went wrong, try again.")
		return
	}
	if !has {
		d.pendings.SetPIN(msg.SenderID, &pending.PINEntry{Change: pending.ChangeEnterNew})
		d.send(ctx, adapter, msg.ChatID,
			fmt.Sprintf("Choose a %d-digit PIN.", d.gate.PINLength()))
		return
	}
	d.pendings.SetPIN(msg.SenderID, &pending.PINEntry{Change: pending.ChangeVerifyCurrent})
	d.send(ctx, adapter, msg.ChatID, "Enter your current PIN first.")
}

func (d *Dispatcher) cmdReset(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	d.pendings.SetApproval(msg.SenderID, &pending.Approval{
		Prompt: "Clear this chat's history?",
		Staged: &pending.StagedCommand{Name: "reset-confirmed", Msg: msg},
	})
	d.send(ctx, adapter, msg.ChatID, "This will permanently clear this chat's history. Reply yes or no.")
}

func (d *Dispatcher) cmdPause(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, args []string) {
	minutes := d.cfg.General.AdminPauseMinutes
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			d.send(ctx, adapter, msg.ChatID, "Usage: /pause [minutes], 0 to resume.")
			return
		}
		minutes = n
	}

	if minutes == 0 {
		d.pause.Resume(msg.ChatID)
		d.send(ctx, adapter, msg.ChatID, "Automated replies resumed here.")
		return
	}

	d.pause.Pause(msg.ChatID, time.Duration(minutes)*time.Minute)
	d.events.Emit(bus.Event{
		Type:   bus.EventAdminPause,
		Source: "dispatch",
		Payload: map[string]any{
			"platform": msg.Platform, "chat_id": msg.ChatID,
			"sender_id": msg.SenderID, "minutes": minutes,
		},
	})
	d.send(ctx, adapter, msg.ChatID,
		fmt.Sprintf("Paused automated replies here for %d minutes.", minutes))
}
