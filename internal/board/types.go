package board

import "time"

// Status is a task's kanban column on the board.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Priority orders tasks within the todo column: urgent > high > medium > low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Task is the board's representation of a work item. The board owns it; the
// worker only reads it and sends conditional patches.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          Status     `json:"status"`
	Priority        Priority   `json:"priority"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	LoopCount       int        `json:"loop_count"`
	ErrorCount      int        `json:"error_count"`
	FilesChanged    []string   `json:"files_changed,omitempty"`
	CompletionNotes string     `json:"completion_notes,omitempty"`
	TaskListID      string     `json:"task_list_id,omitempty"`
	Labels          []string   `json:"labels,omitempty"`
	Position        int        `json:"position"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TaskPatch is a partial update to a task. Nil fields are left untouched by
// the board. The server stamps started_at the first time status becomes
// in_progress and completed_at the first time it becomes done or review;
// repeated patches never overwrite an already-set timestamp.
type TaskPatch struct {
	Status          *Status   `json:"status,omitempty"`
	CompletionNotes *string   `json:"completion_notes,omitempty"`
	FilesChanged    *[]string `json:"files_changed,omitempty"`
	ErrorCount      *int      `json:"error_count,omitempty"`
	LoopCount       *int      `json:"loop_count,omitempty"`
	AssignedTo      *string   `json:"assigned_to,omitempty"`
}

// Filter narrows FetchNext. Zero values mean "any".
type Filter struct {
	Status     Status
	TaskListID string
}

// CreateTaskRequest creates follow-up work on the board.
type CreateTaskRequest struct {
	Title       string   `json:"title"`
	TaskListID  string   `json:"task_list_id"`
	Priority    Priority `json:"priority,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Comment is a progress or error note attached to a task.
type Comment struct {
	Author     string `json:"author"`
	AuthorType string `json:"author_type"`
	Content    string `json:"content"`
	Type       string `json:"comment_type"`
	LoopNumber int    `json:"loop_number,omitempty"`
}

// Comment author and comment type values the worker emits.
const (
	AuthorTypeAgent = "agent"

	CommentProgress = "progress"
	CommentError    = "error"
	CommentSystem   = "system"
)

// Event is a structured lifecycle record attached to a task.
type Event struct {
	Type    string `json:"event_type"`
	Worker  string `json:"worker,omitempty"`
	Message string `json:"message,omitempty"`
}

// Dependency is a directed blocked-by edge: TaskID depends on DependsOnID.
// The board rejects inserts that would make the edge set cyclic.
type Dependency struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
}

// HeartbeatRequest reports worker liveness to the board.
type HeartbeatRequest struct {
	WorkerName    string       `json:"worker_name"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
}

// HeartbeatAck echoes the worker's board-side state plus the interval the
// board would like to see before the next beat.
type HeartbeatAck struct {
	Worker          Worker `json:"worker"`
	NextHeartbeatIn int    `json:"next_heartbeat_in"` // seconds
}
