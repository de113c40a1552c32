package agent

import (
	"fmt"
	"time"
)

// Result is the raw outcome of one agent invocation. Immutable once built;
// interpretation of the output text belongs to the output package.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// SpawnError means the agent process never started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means the agent ran past its time limit and was killed. The
// output accumulated before the kill is kept for diagnosis.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.Timeout)
}

// ExitError means the agent exited on its own with a non-zero code.
type ExitError struct {
	Code   int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("agent exited with status %d", e.Code)
}
