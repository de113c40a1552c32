package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kanloop/kanloop/internal/events"
)

// Recorder consumes the event bus and persists each event into the journal.
type Recorder struct {
	store  *Store
	runID  string
	logger *slog.Logger
}

// NewRecorder builds a recorder writing under runID.
func NewRecorder(store *Store, runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, runID: runID, logger: logger}
}

// Run drains the channel until it closes or ctx is cancelled. Storage
// failures are logged and skipped; journaling never stops the worker.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := r.record(ctx, event); err != nil {
				r.logger.Warn("journal write failed",
					"event", event.EventType(), "error", err)
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, event events.Event) error {
	if fin, ok := event.(events.IterationFinishedEvent); ok {
		return r.store.RecordIteration(ctx, IterationRecord{
			RunID:                r.runID,
			TaskID:               fin.ID,
			LoopNumber:           fin.LoopNumber,
			ExitSignal:           fin.ExitSignal,
			Progress:             fin.Progress,
			CompletionIndicators: fin.CompletionIndicators,
			FilesModified:        fin.FilesModified,
			Error:                fin.Err,
			Duration:             fin.Duration,
		})
	}
	return r.store.RecordEvent(ctx, EventRecord{
		RunID:     r.runID,
		TaskID:    event.TaskID(),
		EventType: event.EventType(),
		Detail:    eventDetail(event),
	})
}

func eventDetail(event events.Event) string {
	switch e := event.(type) {
	case events.TaskClaimedEvent:
		return fmt.Sprintf("%s claimed by %s", e.Title, e.Worker)
	case events.IterationStartedEvent:
		return fmt.Sprintf("loop %d", e.LoopNumber)
	case events.TaskCompletedEvent:
		if len(e.FilesChanged) == 0 {
			return fmt.Sprintf("done after %d loops", e.LoopCount)
		}
		return fmt.Sprintf("done after %d loops, changed %s",
			e.LoopCount, strings.Join(e.FilesChanged, ", "))
	case events.TaskExhaustedEvent:
		return fmt.Sprintf("no exit signal after %d loops, moved to review", e.LoopCount)
	case events.BreakerOpenedEvent:
		return e.Reason
	default:
		return ""
	}
}
