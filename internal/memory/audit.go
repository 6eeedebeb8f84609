package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"concierge/internal/bus"
	"concierge/internal/domain"
)

// auditedEvents are the event types persisted to the audit log.
var auditedEvents = []string{
	bus.EventPairingCompleted,
	bus.EventPairingRejected,
	bus.EventPINVerified,
	bus.EventPINFailed,
	bus.EventPINLocked,
	bus.EventPINChanged,
	bus.EventApprovalResolved,
	bus.EventModeChanged,
	bus.EventAgentAssigned,
	bus.EventAdminPause,
	bus.EventIndexScoped,
	bus.EventWizardCompleted,
}

// AttachAudit subscribes the store to security-relevant bus events so that
// pairing, authentication, and mode changes leave a persistent trail.
func AttachAudit(events *bus.EventBus, store *Store, logger *slog.Logger) {
	for _, eventType := range auditedEvents {
		events.On(eventType, func(e bus.Event) {
			entry := domain.AuditEntry{Action: e.Type}
			if v, ok := e.Payload["platform"].(string); ok {
				entry.Platform = v
			}
			if v, ok := e.Payload["chat_id"].(string); ok {
				entry.ChatID = v
			}
			if v, ok := e.Payload["sender_id"].(string); ok {
				entry.SenderID = v
			}
			if len(e.Payload) > 0 {
				if data, err := json.Marshal(e.Payload); err == nil {
					entry.Details = string(data)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.LogAudit(ctx, entry); err != nil {
				logger.Warn("audit write failed", "event", e.Type, "error", err)
			}
		})
	}
}
