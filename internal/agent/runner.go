// Package agent spawns the external coding-agent CLI as a child process and
// turns its lifetime into a typed result: what it wrote, how it exited, and
// whether it had to be killed.
package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a timed-out agent gets between SIGTERM and
// the unconditional SIGKILL of its process group.
const DefaultGracePeriod = 5 * time.Second

// RunnerConfig configures how the agent CLI is invoked.
type RunnerConfig struct {
	// Command is the agent binary, e.g. "claude".
	Command string
	// Args are passed before the prompt, e.g. ["-p"] so the prompt lands as
	// the flag's value.
	Args []string
	// GracePeriod between SIGTERM and SIGKILL on timeout. Defaults to
	// DefaultGracePeriod.
	GracePeriod time.Duration
	// Echo receives a live copy of the child's stdout and stderr so a human
	// watching the worker sees progress as it happens. Nil discards.
	EchoStdout io.Writer
	EchoStderr io.Writer

	Processes *ProcessManager
	Logger    *slog.Logger
}

// Runner executes one agent invocation at a time. It is an explicit instance
// owned by whoever constructs it; nothing here is process-global.
type Runner struct {
	command string
	args    []string
	grace   time.Duration
	echoOut io.Writer
	echoErr io.Writer
	procs   *ProcessManager
	log     *slog.Logger
}

// NewRunner builds a Runner from config, filling defaults.
func NewRunner(cfg RunnerConfig) *Runner {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	echoOut := cfg.EchoStdout
	if echoOut == nil {
		echoOut = io.Discard
	}
	echoErr := cfg.EchoStderr
	if echoErr == nil {
		echoErr = io.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		grace:   grace,
		echoOut: echoOut,
		echoErr: echoErr,
		procs:   cfg.Processes,
		log:     logger.With("component", "agent"),
	}
}

// Run spawns the agent with the given prompt in workDir and waits for it to
// finish, up to timeout. Stdout and stderr are accumulated and simultaneously
// teed to the echo writers. On timeout the process group gets SIGTERM, a
// grace period, then SIGKILL, and the call fails with *TimeoutError carrying
// whatever output was captured. A non-zero voluntary exit fails with
// *ExitError. Context cancellation terminates the child the same way a
// timeout does.
func (r *Runner) Run(ctx context.Context, prompt, workDir string, timeout time.Duration) (*Result, error) {
	argv := append(append([]string(nil), r.args...), prompt)
	cmd := newCommand(r.command, argv...)
	cmd.Dir = workDir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: r.command, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: r.command, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: r.command, Err: err}
	}
	r.procs.track(cmd)
	defer r.procs.untrack(cmd)

	r.log.Debug("agent started", "pid", cmd.Process.Pid, "workdir", workDir, "timeout", timeout)

	// Drain both pipes concurrently so the child never blocks on a full pipe
	// buffer, teeing each stream to its echo writer as it arrives.
	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(io.MultiWriter(&stdoutBuf, r.echoOut), stdoutPipe) //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(io.MultiWriter(&stderrBuf, r.echoErr), stderrPipe) //nolint:errcheck
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return r.finish(waitErr, &stdoutBuf, &stderrBuf, start)
	case <-timer.C:
		r.log.Warn("agent exceeded timeout, terminating", "pid", cmd.Process.Pid, "timeout", timeout)
		r.terminate(cmd, done)
		return nil, &TimeoutError{Timeout: timeout, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	case <-ctx.Done():
		r.log.Warn("run cancelled, terminating agent", "pid", cmd.Process.Pid)
		r.terminate(cmd, done)
		return nil, ctx.Err()
	}
}

// finish converts the wait outcome into a Result or *ExitError.
func (r *Runner) finish(waitErr error, stdout, stderr *bytes.Buffer, start time.Time) (*Result, error) {
	duration := time.Since(start)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ExitError{
				Code:   exitErr.ExitCode(),
				Stdout: stdout.String(),
				Stderr: stderr.String(),
			}
		}
		return nil, &SpawnError{Command: r.command, Err: waitErr}
	}

	return &Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// terminate sends SIGTERM to the process group, waits out the grace period,
// then SIGKILLs unconditionally. Always waits for the reaper goroutine so no
// zombie is left behind.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		r.log.Debug("SIGTERM failed", "err", err)
	}
	select {
	case <-done:
		return
	case <-time.After(r.grace):
	}
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
		r.log.Debug("SIGKILL failed", "err", err)
	}
	<-done
}
