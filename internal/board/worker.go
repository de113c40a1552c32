package board

import "time"

// WorkerStatus is the state a worker last reported about itself.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// HeartbeatFreshness is how long a reported status stays believable. A worker
// whose last heartbeat is older than this is offline no matter what it said.
const HeartbeatFreshness = 120 * time.Second

// Worker is the board's record of a registered worker.
type Worker struct {
	Name                string       `json:"name"`
	Status              WorkerStatus `json:"status"`
	CurrentTaskID       string       `json:"current_task_id,omitempty"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	TotalTasksCompleted int          `json:"total_tasks_completed"`
}

// EffectiveStatus derives the status to display: the stored status while the
// heartbeat is fresh, offline once it goes stale. The stored status is never
// rewritten; staleness is computed at read time.
func (w Worker) EffectiveStatus(now time.Time) WorkerStatus {
	if w.LastHeartbeat.IsZero() || now.Sub(w.LastHeartbeat) > HeartbeatFreshness {
		return WorkerOffline
	}
	return w.Status
}
