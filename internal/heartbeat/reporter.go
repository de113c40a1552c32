// Package heartbeat reports worker liveness to the board on its own clock,
// independent of whatever the execution loop is blocked on.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kanloop/kanloop/internal/board"
)

// DefaultInterval matches the board's advertised next_heartbeat_in.
const DefaultInterval = 10 * time.Second

// Sender is the board surface the reporter needs.
type Sender interface {
	Heartbeat(ctx context.Context, req board.HeartbeatRequest) (*board.HeartbeatAck, error)
}

// Reporter periodically sends the worker's current status and task. The loop
// updates the status with Set; the reporter never blocks on the loop.
type Reporter struct {
	sender   Sender
	worker   string
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	status board.WorkerStatus
	taskID string
}

// NewReporter builds a Reporter starting in the idle state.
func NewReporter(sender Sender, worker string, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		sender:   sender,
		worker:   worker,
		interval: interval,
		log:      logger.With("component", "heartbeat"),
		status:   board.WorkerIdle,
	}
}

// Set records the status the next beat will report.
func (r *Reporter) Set(status board.WorkerStatus, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.taskID = taskID
}

// Run beats until the context is cancelled. Send failures are logged and
// skipped; liveness reporting must never take the worker down. When the
// board suggests a different cadence in its ack, the ticker follows it.
func (r *Reporter) Run(ctx context.Context) error {
	// First beat immediately so the board learns about the worker without
	// waiting a full interval. Its ack can already carry a cadence.
	interval := r.interval
	if next := r.beat(ctx); next > 0 {
		interval = next
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := r.beat(ctx); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
				r.log.Debug("heartbeat interval adjusted", "interval", interval)
			}
		}
	}
}

// beat sends one heartbeat and returns the board's suggested next interval,
// or 0 when there is none.
func (r *Reporter) beat(ctx context.Context) time.Duration {
	r.mu.Lock()
	req := board.HeartbeatRequest{
		WorkerName:    r.worker,
		Status:        r.status,
		CurrentTaskID: r.taskID,
	}
	r.mu.Unlock()

	ack, err := r.sender.Heartbeat(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("heartbeat failed", "err", err)
		}
		return 0
	}
	if ack.NextHeartbeatIn > 0 {
		return time.Duration(ack.NextHeartbeatIn) * time.Second
	}
	return 0
}
