// Package loop drives the worker's task cycle: fetch a claimable task, win
// the claim, iterate the coding agent against it, evaluate each invocation's
// output, and settle the task on the board in review.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kanloop/kanloop/internal/agent"
	"github.com/kanloop/kanloop/internal/board"
	"github.com/kanloop/kanloop/internal/depgraph"
	"github.com/kanloop/kanloop/internal/events"
	"github.com/kanloop/kanloop/internal/output"
	"github.com/kanloop/kanloop/internal/safety"
)

// Defaults for Config zero values.
const (
	DefaultMaxLoops          = 10
	DefaultPollInterval      = 15 * time.Second
	DefaultInvocationTimeout = 30 * time.Minute
)

// BoardAPI is the slice of the board client the loop needs.
type BoardAPI interface {
	FetchNext(ctx context.Context, filter board.Filter) (*board.Task, error)
	Claim(ctx context.Context, taskID, worker string) (*board.Task, error)
	UpdateStatus(ctx context.Context, taskID string, patch board.TaskPatch) (*board.Task, error)
	AddComment(ctx context.Context, taskID string, comment board.Comment) error
	AddEvent(ctx context.Context, taskID string, event board.Event) error
	CreateTask(ctx context.Context, req board.CreateTaskRequest) (*board.Task, error)
	ListDependencies(ctx context.Context, taskID string) ([]board.Dependency, error)
	AddDependency(ctx context.Context, taskID, dependsOnID string) error
}

// AgentRunner runs one agent invocation.
type AgentRunner interface {
	Run(ctx context.Context, prompt, workDir string, timeout time.Duration) (*agent.Result, error)
}

// StatusSetter receives the loop's liveness state for heartbeating.
type StatusSetter interface {
	Set(status board.WorkerStatus, taskID string)
}

// Config configures a Loop.
type Config struct {
	// Worker is this worker's claim identity.
	Worker string
	// TaskListID narrows fetching to one board list. Empty means any.
	TaskListID string
	// WorkDir is the repository the agent operates in.
	WorkDir string
	// InvocationTimeout bounds a single agent run.
	InvocationTimeout time.Duration
	// MaxLoops bounds iterations on one task before it is handed to review.
	MaxLoops int
	// PollInterval is the idle wait between empty fetches.
	PollInterval time.Duration
	// ExitWhenIdle stops the loop on an empty board instead of polling.
	ExitWhenIdle bool
	// FileFollowUps creates a follow-up task when a task exhausts its loop
	// budget with partial progress, with a dependency edge back to it.
	FileFollowUps bool

	Logger *slog.Logger
}

// Loop is the worker's execution loop. Run owns all task state transitions;
// nothing else patches the board.
type Loop struct {
	board  BoardAPI
	runner AgentRunner
	policy *safety.Policy
	status StatusSetter
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
}

// New builds a Loop. status and bus may be nil.
func New(boardAPI BoardAPI, runner AgentRunner, policy *safety.Policy, status StatusSetter, bus *events.Bus, cfg Config) *Loop {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultMaxLoops
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = DefaultInvocationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		board:  boardAPI,
		runner: runner,
		policy: policy,
		status: status,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Run fetches and works tasks until ctx is cancelled, the board runs dry
// with ExitWhenIdle set, or the safety policy opens. An open policy returns
// safety.ErrCircuitOpen; the caller decides whether that is fatal for the
// process (it should be).
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.policy.IsOpen() {
			return l.halt(ctx, "")
		}

		task, err := l.claimNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			l.logger.Error("fetch failed", "error", err)
			// Board failures count against the error breaker only; stagnation
			// measures the agent, not the board's reachability.
			l.policy.Record(safety.Outcome{Err: err, Progress: true})
			l.setStatus(board.WorkerError, "")
			if !l.sleep(ctx, l.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			if l.cfg.ExitWhenIdle {
				l.logger.Info("board is empty, exiting")
				return nil
			}
			l.setStatus(board.WorkerIdle, "")
			if !l.sleep(ctx, l.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := l.work(ctx, task); err != nil {
			return err
		}
	}
}

// claimNext fetches the highest-priority unassigned todo task and tries to
// claim it. A lost claim race goes straight back to fetching; another worker
// having the task is not a failure and not an empty board.
func (l *Loop) claimNext(ctx context.Context) (*board.Task, error) {
	for {
		candidate, err := l.board.FetchNext(ctx, board.Filter{
			Status:     board.StatusTodo,
			TaskListID: l.cfg.TaskListID,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch next task: %w", err)
		}
		if candidate == nil {
			return nil, nil
		}

		claimed, err := l.board.Claim(ctx, candidate.ID, l.cfg.Worker)
		if err != nil {
			if errors.Is(err, board.ErrClaimConflict) {
				l.logger.Debug("lost claim race", "task", candidate.ID)
				continue
			}
			return nil, fmt.Errorf("claim task %s: %w", candidate.ID, err)
		}
		return claimed, nil
	}
}

// work iterates the agent on one claimed task until an exit signal, the loop
// budget, the safety policy, or ctx stops it.
func (l *Loop) work(ctx context.Context, task *board.Task) error {
	l.setStatus(board.WorkerWorking, task.ID)
	l.publish(events.TopicTask, events.TaskClaimedEvent{
		ID:        task.ID,
		Title:     task.Title,
		Worker:    l.cfg.Worker,
		Timestamp: time.Now(),
	})

	inProgress := board.StatusInProgress
	if _, err := l.board.UpdateStatus(ctx, task.ID, board.TaskPatch{Status: &inProgress}); err != nil {
		l.logger.Warn("failed to mark task in progress", "task", task.ID, "error", err)
	}

	loopCount := task.LoopCount
	errorCount := task.ErrorCount
	filesChanged := newFileSet(task.FilesChanged)

	// A task fetched at or past the budget runs zero iterations and goes
	// straight to review; it must never bounce back into the fetch pool.
	for loopCount < l.cfg.MaxLoops {
		if err := ctx.Err(); err != nil {
			return err
		}
		loopCount++

		result, runErr := l.iterate(ctx, task, loopCount)
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return runErr
		}
		filesChanged.add(result.FilesModified)
		if runErr != nil {
			errorCount++
		}

		l.policy.Record(safety.Outcome{Err: runErr, Progress: result.Progress()})
		l.report(ctx, task.ID, loopCount, errorCount, result, runErr)

		if l.policy.IsOpen() {
			return l.halt(ctx, task.ID)
		}
		if result.ExitSignal {
			return l.complete(ctx, task, loopCount, filesChanged.list(), result)
		}
	}

	return l.exhaust(ctx, task, loopCount, filesChanged.list())
}

// iterate runs the agent once and parses whatever output it produced.
// Timeout and non-zero-exit errors still carry output worth parsing; a
// progressing-but-failing run counts as progress for the safety policy.
func (l *Loop) iterate(ctx context.Context, task *board.Task, loopNumber int) (output.Result, error) {
	l.publish(events.TopicTask, events.IterationStartedEvent{
		ID:         task.ID,
		LoopNumber: loopNumber,
		Timestamp:  time.Now(),
	})
	l.logger.Info("starting iteration", "task", task.ID, "loop", loopNumber)

	start := time.Now()
	prompt := BuildPrompt(task, loopNumber, l.cfg.MaxLoops)
	res, runErr := l.runner.Run(ctx, prompt, l.cfg.WorkDir, l.cfg.InvocationTimeout)
	duration := time.Since(start)

	stdout, stderr := capturedOutput(res, runErr)
	parsed := output.Parse(stdout, stderr)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		l.logger.Warn("iteration failed", "task", task.ID, "loop", loopNumber, "error", runErr)
	}
	l.publish(events.TopicTask, events.IterationFinishedEvent{
		ID:                   task.ID,
		LoopNumber:           loopNumber,
		ExitSignal:           parsed.ExitSignal,
		Progress:             parsed.Progress(),
		CompletionIndicators: parsed.CompletionIndicators,
		FilesModified:        parsed.FilesModified,
		Err:                  errText,
		Duration:             duration,
		Timestamp:            time.Now(),
	})
	return parsed, runErr
}

// report writes the iteration back to the board: a comment plus counter
// patches. Board write failures here are logged, not fatal; the next
// iteration's patch carries the corrected counters anyway.
func (l *Loop) report(ctx context.Context, taskID string, loopNumber, errorCount int, result output.Result, runErr error) {
	comment := board.Comment{
		Author:     l.cfg.Worker,
		AuthorType: board.AuthorTypeAgent,
		Type:       board.CommentProgress,
		LoopNumber: loopNumber,
		Content:    progressNote(loopNumber, result),
	}
	if runErr != nil {
		comment.Type = board.CommentError
		comment.Content = fmt.Sprintf("Loop %d failed: %v", loopNumber, runErr)
	}
	if err := l.board.AddComment(ctx, taskID, comment); err != nil {
		l.logger.Warn("failed to add comment", "task", taskID, "error", err)
	}

	patch := board.TaskPatch{LoopCount: &loopNumber}
	if runErr != nil {
		patch.ErrorCount = &errorCount
	}
	if _, err := l.board.UpdateStatus(ctx, taskID, patch); err != nil {
		l.logger.Warn("failed to update counters", "task", taskID, "error", err)
	}
}

// complete moves a finished task to review with its evidence attached.
func (l *Loop) complete(ctx context.Context, task *board.Task, loopCount int, files []string, result output.Result) error {
	review := board.StatusReview
	notes := completionNotes(loopCount, result)
	patch := board.TaskPatch{
		Status:          &review,
		CompletionNotes: &notes,
		FilesChanged:    &files,
		LoopCount:       &loopCount,
	}
	if _, err := l.board.UpdateStatus(ctx, task.ID, patch); err != nil {
		return fmt.Errorf("move task %s to review: %w", task.ID, err)
	}
	if err := l.board.AddEvent(ctx, task.ID, board.Event{
		Type:    "completed",
		Worker:  l.cfg.Worker,
		Message: notes,
	}); err != nil {
		l.logger.Warn("failed to add completion event", "task", task.ID, "error", err)
	}

	l.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:           task.ID,
		LoopCount:    loopCount,
		FilesChanged: files,
		Timestamp:    time.Now(),
	})
	l.setStatus(board.WorkerIdle, "")
	return nil
}

// exhaust hands a task that used up its loop budget to review. The agent
// never signalled completion, so the notes record what was done and a human
// decides whether it ships or goes back to todo. Going to review rather than
// todo keeps the task out of the fetch pool; a worker must never re-claim a
// task it cannot iterate on.
func (l *Loop) exhaust(ctx context.Context, task *board.Task, loopCount int, files []string) error {
	review := board.StatusReview
	notes := exhaustionNotes(loopCount, files)
	patch := board.TaskPatch{
		Status:          &review,
		CompletionNotes: &notes,
		FilesChanged:    &files,
		LoopCount:       &loopCount,
	}
	if _, err := l.board.UpdateStatus(ctx, task.ID, patch); err != nil {
		return fmt.Errorf("move exhausted task %s to review: %w", task.ID, err)
	}
	if err := l.board.AddComment(ctx, task.ID, board.Comment{
		Author:     l.cfg.Worker,
		AuthorType: board.AuthorTypeAgent,
		Type:       board.CommentSystem,
		Content:    fmt.Sprintf("Loop budget exhausted: no exit signal after %d loop(s). Moved to review.", loopCount),
	}); err != nil {
		l.logger.Warn("failed to add exhaustion comment", "task", task.ID, "error", err)
	}

	if l.cfg.FileFollowUps && len(files) > 0 {
		l.fileFollowUp(ctx, task, files)
	}

	l.publish(events.TopicTask, events.TaskExhaustedEvent{
		ID:        task.ID,
		LoopCount: loopCount,
		Timestamp: time.Now(),
	})
	l.setStatus(board.WorkerIdle, "")
	return nil
}

// fileFollowUp records partial progress as a new task blocked on the
// exhausted one. Best effort; a board that refuses the edge still keeps the
// follow-up task itself.
func (l *Loop) fileFollowUp(ctx context.Context, task *board.Task, files []string) {
	followUp, err := l.board.CreateTask(ctx, board.CreateTaskRequest{
		Title:      fmt.Sprintf("Verify partial work on: %s", task.Title),
		TaskListID: task.TaskListID,
		Priority:   task.Priority,
		Description: fmt.Sprintf(
			"Automated follow-up. The original task ran out of loop budget before signalling completion; these files were already touched and need review:\n%s",
			bulletList(files)),
		Labels: []string{"follow-up"},
	})
	if err != nil {
		l.logger.Warn("failed to create follow-up task", "task", task.ID, "error", err)
		return
	}
	if err := l.linkFollowUp(ctx, followUp.ID, task.ID); err != nil {
		l.logger.Warn("failed to link follow-up task", "task", task.ID, "follow_up", followUp.ID, "error", err)
	}
}

// linkFollowUp adds the blocked-by edge, checking the original task's known
// edges locally first so an obviously cyclic edge never reaches the board.
func (l *Loop) linkFollowUp(ctx context.Context, followUpID, taskID string) error {
	deps, err := l.board.ListDependencies(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list dependencies of %s: %w", taskID, err)
	}
	graph := depgraph.New()
	for _, dep := range deps {
		if err := graph.AddEdge(dep.TaskID, dep.DependsOnID); err != nil {
			return fmt.Errorf("board returned inconsistent edges for %s: %w", taskID, err)
		}
	}
	if err := graph.AddEdge(followUpID, taskID); err != nil {
		return err
	}
	return l.board.AddDependency(ctx, followUpID, taskID)
}

// halt is the terminal path once the safety policy has opened. The worker
// reports why and stops; it does not try to keep working.
func (l *Loop) halt(ctx context.Context, taskID string) error {
	reason := l.policy.Reason()
	l.logger.Error("safety circuit open, halting",
		"reason", reason,
		"consecutive_errors", l.policy.ConsecutiveErrors(),
		"consecutive_no_progress", l.policy.ConsecutiveNoProgress())

	if taskID != "" {
		if err := l.board.AddComment(ctx, taskID, board.Comment{
			Author:     l.cfg.Worker,
			AuthorType: board.AuthorTypeAgent,
			Type:       board.CommentError,
			Content:    fmt.Sprintf("Worker halted: %s. Task left assigned for operator triage.", reason),
		}); err != nil {
			l.logger.Warn("failed to add halt comment", "task", taskID, "error", err)
		}
		if err := l.board.AddEvent(ctx, taskID, board.Event{
			Type:    "worker_halted",
			Worker:  l.cfg.Worker,
			Message: reason,
		}); err != nil {
			l.logger.Warn("failed to add halt event", "task", taskID, "error", err)
		}
	}

	l.publish(events.TopicWorker, events.BreakerOpenedEvent{
		Worker:    l.cfg.Worker,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	l.setStatus(board.WorkerError, taskID)
	return safety.ErrCircuitOpen
}

func (l *Loop) setStatus(status board.WorkerStatus, taskID string) {
	if l.status != nil {
		l.status.Set(status, taskID)
	}
}

func (l *Loop) publish(topic string, event events.Event) {
	if l.bus != nil {
		l.bus.Publish(topic, event)
	}
}

// sleep waits d or until ctx is done. Returns false on cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// capturedOutput digs stdout/stderr out of a run result or, failing that,
// out of the typed errors that carry partial output.
func capturedOutput(res *agent.Result, runErr error) (stdout, stderr string) {
	if res != nil {
		return res.Stdout, res.Stderr
	}
	var timeoutErr *agent.TimeoutError
	if errors.As(runErr, &timeoutErr) {
		return timeoutErr.Stdout, timeoutErr.Stderr
	}
	var exitErr *agent.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.Stdout, exitErr.Stderr
	}
	return "", ""
}

func progressNote(loopNumber int, result output.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loop %d: %d completion indicator(s)", loopNumber, result.CompletionIndicators)
	if len(result.FilesModified) > 0 {
		fmt.Fprintf(&b, ", touched %s", strings.Join(result.FilesModified, ", "))
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(&b, ", %d error line(s) on stderr", len(result.Errors))
	}
	b.WriteString(".")
	return b.String()
}

func completionNotes(loopCount int, result output.Result) string {
	notes := fmt.Sprintf("Completed in %d loop(s) with %d completion indicator(s).",
		loopCount, result.CompletionIndicators)
	if len(result.FilesModified) > 0 {
		notes += " Files: " + strings.Join(result.FilesModified, ", ") + "."
	}
	return notes
}

func exhaustionNotes(loopCount int, files []string) string {
	notes := fmt.Sprintf("Loop budget exhausted after %d loop(s) without an exit signal.", loopCount)
	if len(files) > 0 {
		notes += " Files touched so far: " + strings.Join(files, ", ") + "."
	}
	return notes
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return b.String()
}

// fileSet accumulates touched paths across iterations, first mention first.
type fileSet struct {
	seen  map[string]struct{}
	order []string
}

func newFileSet(initial []string) *fileSet {
	fs := &fileSet{seen: make(map[string]struct{})}
	fs.add(initial)
	return fs
}

func (fs *fileSet) add(files []string) {
	for _, f := range files {
		if _, ok := fs.seen[f]; ok {
			continue
		}
		fs.seen[f] = struct{}{}
		fs.order = append(fs.order, f)
	}
}

func (fs *fileSet) list() []string {
	if fs.order == nil {
		return []string{}
	}
	return fs.order
}
