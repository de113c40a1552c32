package events

import "time"

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants.
const (
	TopicTask   = "task"
	TopicWorker = "worker"
)

// Event type constants.
const (
	EventTypeTaskClaimed       = "task.claimed"
	EventTypeIterationStarted  = "task.iteration_started"
	EventTypeIterationFinished = "task.iteration_finished"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskExhausted     = "task.exhausted"
	EventTypeBreakerOpened     = "worker.breaker_opened"
)

// TaskClaimedEvent is published after a claim is won.
type TaskClaimedEvent struct {
	ID        string
	Title     string
	Worker    string
	Timestamp time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }

// IterationStartedEvent is published before each agent invocation.
type IterationStartedEvent struct {
	ID         string
	LoopNumber int
	Timestamp  time.Time
}

func (e IterationStartedEvent) EventType() string { return EventTypeIterationStarted }
func (e IterationStartedEvent) TaskID() string    { return e.ID }

// IterationFinishedEvent is published after each agent invocation has been
// evaluated.
type IterationFinishedEvent struct {
	ID                   string
	LoopNumber           int
	ExitSignal           bool
	Progress             bool
	CompletionIndicators int
	FilesModified        []string
	Err                  string
	Duration             time.Duration
	Timestamp            time.Time
}

func (e IterationFinishedEvent) EventType() string { return EventTypeIterationFinished }
func (e IterationFinishedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task is moved to review.
type TaskCompletedEvent struct {
	ID           string
	LoopCount    int
	FilesChanged []string
	Timestamp    time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskExhaustedEvent is published when a task uses up its loop budget
// without an exit signal and is handed to review.
type TaskExhaustedEvent struct {
	ID        string
	LoopCount int
	Timestamp time.Time
}

func (e TaskExhaustedEvent) EventType() string { return EventTypeTaskExhausted }
func (e TaskExhaustedEvent) TaskID() string    { return e.ID }

// BreakerOpenedEvent is published once when the safety policy trips.
type BreakerOpenedEvent struct {
	Worker    string
	Reason    string
	Timestamp time.Time
}

func (e BreakerOpenedEvent) EventType() string { return EventTypeBreakerOpened }
func (e BreakerOpenedEvent) TaskID() string    { return "" }
