package cmd

import (
	"context"
	"log/slog"

	"github.com/kanloop/kanloop/internal/events"
)

// reportEvents logs bus traffic so a human tailing the worker sees the task
// lifecycle without reading the journal. Runs until the channel closes.
func reportEvents(ctx context.Context, ch <-chan events.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			logEvent(event, logger)
		}
	}
}

func logEvent(event events.Event, logger *slog.Logger) {
	switch e := event.(type) {
	case events.TaskClaimedEvent:
		logger.Info("task claimed", "task", e.ID, "title", e.Title)
	case events.IterationFinishedEvent:
		logger.Info("iteration finished",
			"task", e.ID,
			"loop", e.LoopNumber,
			"exit_signal", e.ExitSignal,
			"progress", e.Progress,
			"files", len(e.FilesModified),
			"duration", e.Duration)
	case events.TaskCompletedEvent:
		logger.Info("task moved to review", "task", e.ID, "loops", e.LoopCount)
	case events.TaskExhaustedEvent:
		logger.Warn("loop budget exhausted, task moved to review", "task", e.ID, "loops", e.LoopCount)
	case events.BreakerOpenedEvent:
		logger.Error("safety circuit opened", "worker", e.Worker, "reason", e.Reason)
	default:
		logger.Debug("event", "type", event.EventType(), "task", event.TaskID())
	}
}
