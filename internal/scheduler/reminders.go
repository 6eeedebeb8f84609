package scheduler

import (
	"context"
	"log/slog"
	"time"

	"concierge/internal/bus"
	"concierge/internal/config"
	"concierge/internal/domain"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// AdapterLookup resolves the outbound adapter for a platform name.
type AdapterLookup func(platform string) domain.PlatformAdapter

// Scheduler fires configured reminders into chats on cron schedules. It
// checks once per minute; a reminder that cannot be delivered is logged and
// retried at its next due time, never fatal.
type Scheduler struct {
	tasks      []config.ReminderTask
	adapterFor AdapterLookup
	events     *bus.EventBus
	logger     *slog.Logger
	gron       *gronx.Gronx
}

func New(tasks []config.ReminderTask, adapterFor AdapterLookup, events *bus.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		adapterFor: adapterFor,
		events:     events,
		logger:     logger,
		gron:       gronx.New(),
	}
}

// Run blocks until ctx is cancelled, checking schedules at the top of each
// minute.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.tasks) == 0 {
		s.logger.Info("no reminders configured")
		return
	}
	s.logger.Info("reminder scheduler started", "tasks", len(s.tasks))

	// Align the first check to the start of the next minute so cron
	// expressions match wall-clock minutes.
	first := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.check(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case now := <-ticker.C:
			s.check(ctx, now)
		}
	}
}

func (s *Scheduler) check(ctx context.Context, now time.Time) {
	for _, task := range s.tasks {
		if !task.Enabled {
			continue
		}
		due, err := s.gron.IsDue(task.CronExpr, now)
		if err != nil {
			s.logger.Warn("invalid cron expression", "task", task.ID, "expr", task.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, task)
	}
}

func (s *Scheduler) fire(ctx context.Context, task config.ReminderTask) {
	runID := uuid.NewString()
	adapter := s.adapterFor(task.Platform)
	if adapter == nil {
		s.logger.Warn("reminder platform unavailable",
			"task", task.ID, "platform", task.Platform, "run", runID)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := adapter.Send(sendCtx, task.ChatID, task.Message); err != nil {
		s.logger.Error("reminder delivery failed",
			"task", task.ID, "chat", task.ChatID, "run", runID, "error", err)
		return
	}

	s.events.Emit(bus.Event{
		Type:   bus.EventReminderFired,
		Source: "scheduler",
		Payload: map[string]any{
			"task": task.ID, "platform": task.Platform,
			"chat_id": task.ChatID, "run": runID,
		},
	})
	s.logger.Info("reminder fired", "task", task.ID, "chat", task.ChatID, "run", runID)
}
