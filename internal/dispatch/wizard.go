package dispatch

import (
	"context"
	"fmt"
	"strings"

	"concierge/internal/bus"
	"concierge/internal/domain"
	"concierge/internal/pending"
)

// Business wizard steps, in order.
const (
	stepName = iota
	stepGreeting
	stepTopics
	stepRules
	stepConfirm
)

func (d *Dispatcher) startWizard(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter) {
	d.pendings.SetWizard(msg.SenderID, &pending.Wizard{Step: stepName})
	d.send(ctx, adapter, msg.ChatID,
		"Let's set up your business profile. Any command cancels.\n\nWhat is the business called?")
}

// advanceWizard feeds one answer into the wizard and prompts for the next
// step. Topics and rules accumulate one per message until "done"; "skip"
// moves on with nothing recorded.
func (d *Dispatcher) advanceWizard(ctx context.Context, msg domain.Message, adapter domain.PlatformAdapter, w *pending.Wizard) {
	text := strings.TrimSpace(msg.Text)
	lower := strings.ToLower(text)

	switch w.Step {
	case stepName:
		if text == "" {
			d.send(ctx, adapter, msg.ChatID, "The business needs a name. What is it called?")
			return
		}
		w.Draft.Name = text
		w.Step = stepGreeting
		d.pendings.SetWizard(msg.SenderID, w)
		d.send(ctx, adapter, msg.ChatID,
			"How should new customers be greeted? (or 'skip')")

	case stepGreeting:
		if lower != "skip" {
			w.Draft.Greeting = text
		}
		w.Step = stepTopics
		d.pendings.SetWizard(msg.SenderID, w)
		d.send(ctx, adapter, msg.ChatID,
			"Which topics may I discuss with customers? One per message; 'done' when finished, 'skip' for none.")

	case stepTopics:
		if lower == "done" || lower == "skip" {
			w.Step = stepRules
			d.pendings.SetWizard(msg.SenderID, w)
			d.send(ctx, adapter, msg.ChatID,
				"Any rules I must follow? One per message; 'done' when finished, 'skip' for none.")
			return
		}
		if text != "" {
			w.Draft.Topics = append(w.Draft.Topics, text)
		}
		d.pendings.SetWizard(msg.SenderID, w)
		d.send(ctx, adapter, msg.ChatID, "Noted. Next topic, or 'done'.")

	case stepRules:
		if lower == "done" || lower == "skip" {
			w.Step = stepConfirm
			d.pendings.SetWizard(msg.SenderID, w)
			d.send(ctx, adapter, msg.ChatID, wizardSummary(w.Draft))
			return
		}
		if text != "" {
			w.Draft.Rules = append(w.Draft.Rules, text)
		}
		d.pendings.SetWizard(msg.SenderID, w)
		d.send(ctx, adapter, msg.ChatID, "Noted. Next rule, or 'done'.")

	case stepConfirm:
		switch lower {
		case "yes", "y", "save":
			d.pendings.ClearWizard(msg.SenderID)
			if err := d.store.SaveBusinessProfile(ctx, w.Draft); err != nil {
				d.logger.Error("business profile save failed", "error", err)
				d.send(ctx, adapter, msg.ChatID, "Could not save the profile, try again.")
				return
			}
			d.events.Emit(bus.Event{
				Type:   bus.EventWizardCompleted,
				Source: "dispatch",
				Payload: map[string]any{
					"sender_id": msg.SenderID, "business": w.Draft.Name,
				},
			})
			d.send(ctx, adapter, msg.ChatID,
				"Saved. Put a chat in business mode with /mode business and I'll answer customers there.")
		case "no", "discard":
			d.pendings.ClearWizard(msg.SenderID)
			d.send(ctx, adapter, msg.ChatID, "Discarded.")
		default:
			d.send(ctx, adapter, msg.ChatID, "Save this profile? Reply yes or no.")
		}
	}
}

func wizardSummary(p domain.BusinessProfile) string {
	var b strings.Builder
	b.WriteString("Here's the profile:\n")
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	if p.Greeting != "" {
		fmt.Fprintf(&b, "Greeting: %s\n", p.Greeting)
	}
	if len(p.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(p.Topics, "; "))
	}
	if len(p.Rules) > 0 {
		fmt.Fprintf(&b, "Rules: %s\n", strings.Join(p.Rules, "; "))
	}
	b.WriteString("Save it? Reply yes or no.")
	return b.String()
}
