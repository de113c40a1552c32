package config

import "time"

// BoardConfig is the kanban board API connection.
type BoardConfig struct {
	BaseURL    string `json:"base_url"`               // e.g. "https://board.example.com"
	Token      string `json:"token,omitempty"`        // bearer token; KANLOOP_TOKEN overrides
	Workspace  string `json:"workspace"`              // board workspace slug
	TaskListID string `json:"task_list_id,omitempty"` // restrict fetching to one list
}

// AgentConfig is the coding agent the worker spawns.
type AgentConfig struct {
	Command           string   `json:"command"`               // CLI binary name (e.g. "claude", "codex")
	Args              []string `json:"args,omitempty"`        // default args, prompt appended last
	InvocationTimeout int      `json:"invocation_timeout_ms"` // per-run wall clock budget
	GracePeriod       int      `json:"grace_period_ms"`       // SIGTERM-to-SIGKILL window
	Echo              bool     `json:"echo"`                  // mirror agent output to the worker's stdio; on so a human sees live progress
}

// WorkerConfig is the execution loop's behavior.
type WorkerConfig struct {
	Name          string `json:"name,omitempty"`     // claim identity; defaults to kanloop-<hostname>
	WorkDir       string `json:"work_dir,omitempty"` // repository the agent runs in; defaults to cwd
	MaxLoops      int    `json:"max_loops"`          // iterations before a task is handed to review
	PollInterval  int    `json:"poll_interval_ms"`   // idle wait between empty fetches
	ExitWhenIdle  bool   `json:"exit_when_idle,omitempty"`
	FileFollowUps bool   `json:"file_follow_ups,omitempty"`
}

// SafetyConfig is the circuit breaker thresholds.
type SafetyConfig struct {
	ErrorThreshold      int `json:"error_threshold"`       // consecutive failed iterations
	NoProgressThreshold int `json:"no_progress_threshold"` // consecutive stagnant iterations
}

// HeartbeatConfig is liveness reporting.
type HeartbeatConfig struct {
	Interval int `json:"interval_ms"`
}

// JournalConfig is the local run journal.
type JournalConfig struct {
	Path string `json:"path,omitempty"` // sqlite file; empty disables journaling
}

// LogConfig is log output shape.
type LogConfig struct {
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
	Format string `json:"format"` // "text" or "json"
}

// Config is the top-level worker configuration.
type Config struct {
	Board     BoardConfig     `json:"board"`
	Agent     AgentConfig     `json:"agent"`
	Worker    WorkerConfig    `json:"worker"`
	Safety    SafetyConfig    `json:"safety"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Journal   JournalConfig   `json:"journal"`
	Log       LogConfig       `json:"log"`
}

// Duration helpers for the *_ms fields.

func (a AgentConfig) InvocationTimeoutDuration() time.Duration {
	return time.Duration(a.InvocationTimeout) * time.Millisecond
}

func (a AgentConfig) GracePeriodDuration() time.Duration {
	return time.Duration(a.GracePeriod) * time.Millisecond
}

func (w WorkerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Millisecond
}

func (h HeartbeatConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Millisecond
}
