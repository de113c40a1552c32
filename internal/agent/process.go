package agent

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand builds an exec.Cmd with the child in its own process group, so
// termination signals reach the whole subprocess tree and not just the
// immediate child. Timeout and cancellation handling live in Runner.Run, not
// in the command itself.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// signalGroup sends sig to the command's whole process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative PID addresses the process group.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("signal process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks live agent subprocesses so shutdown can take the
// whole set down instead of orphaning children.
//
// Typical wiring in main:
//
//	pm := agent.NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	go func() { <-ctx.Done(); pm.KillAll() }()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// track registers a started subprocess. No-op before cmd.Start.
func (pm *ProcessManager) track(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// untrack removes a finished subprocess.
func (pm *ProcessManager) untrack(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll force-terminates every tracked process group. Used on shutdown.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("killing agent processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
