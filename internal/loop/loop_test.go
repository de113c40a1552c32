package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanloop/kanloop/internal/agent"
	"github.com/kanloop/kanloop/internal/board"
	"github.com/kanloop/kanloop/internal/safety"
)

// fakeBoard is an in-memory BoardAPI recording every mutation.
type fakeBoard struct {
	mu sync.Mutex

	queue      []*board.Task // tasks FetchNext hands out, in order
	byID       map[string]*board.Task
	claimErr   error // next Claim outcome override
	fetches    int
	claims     []string
	patches    map[string][]board.TaskPatch
	comments   map[string][]board.Comment
	events     map[string][]board.Event
	created    []board.CreateTaskRequest
	deps       []board.Dependency
	listedDeps map[string][]board.Dependency
}

func newFakeBoard(tasks ...*board.Task) *fakeBoard {
	byID := make(map[string]*board.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	return &fakeBoard{
		queue:      tasks,
		byID:       byID,
		patches:    make(map[string][]board.TaskPatch),
		comments:   make(map[string][]board.Comment),
		events:     make(map[string][]board.Event),
		listedDeps: make(map[string][]board.Dependency),
	}
}

func (f *fakeBoard) FetchNext(_ context.Context, _ board.Filter) (*board.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.queue) == 0 {
		return nil, nil
	}
	task := f.queue[0]
	f.queue = f.queue[1:]
	return task, nil
}

func (f *fakeBoard) Claim(_ context.Context, taskID, worker string) (*board.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		err := f.claimErr
		f.claimErr = nil
		return nil, err
	}
	f.claims = append(f.claims, taskID)
	// The real client returns the server's task, counters included.
	if task, ok := f.byID[taskID]; ok {
		task.AssignedTo = worker
		return task, nil
	}
	return &board.Task{ID: taskID, Status: board.StatusTodo, AssignedTo: worker}, nil
}

func (f *fakeBoard) UpdateStatus(_ context.Context, taskID string, patch board.TaskPatch) (*board.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[taskID] = append(f.patches[taskID], patch)
	return &board.Task{ID: taskID}, nil
}

func (f *fakeBoard) AddComment(_ context.Context, taskID string, comment board.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[taskID] = append(f.comments[taskID], comment)
	return nil
}

func (f *fakeBoard) AddEvent(_ context.Context, taskID string, event board.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[taskID] = append(f.events[taskID], event)
	return nil
}

func (f *fakeBoard) CreateTask(_ context.Context, req board.CreateTaskRequest) (*board.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &board.Task{ID: fmt.Sprintf("created-%d", len(f.created)), Title: req.Title}, nil
}

func (f *fakeBoard) ListDependencies(_ context.Context, taskID string) ([]board.Dependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listedDeps[taskID], nil
}

func (f *fakeBoard) AddDependency(_ context.Context, taskID, dependsOnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps = append(f.deps, board.Dependency{TaskID: taskID, DependsOnID: dependsOnID})
	return nil
}

func (f *fakeBoard) lastPatch(taskID string) board.TaskPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	patches := f.patches[taskID]
	return patches[len(patches)-1]
}

// fakeRunner scripts agent invocations.
type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	steps []func(prompt string) (*agent.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, prompt, _ string, _ time.Duration) (*agent.Result, error) {
	f.mu.Lock()
	step := f.steps[min(f.runs, len(f.steps)-1)]
	f.runs++
	f.mu.Unlock()
	return step(prompt)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// statusRecorder captures what the loop reports for heartbeating.
type statusRecorder struct {
	mu      sync.Mutex
	history []board.WorkerStatus
}

func (s *statusRecorder) Set(status board.WorkerStatus, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, status)
}

func exitResult(indicators int, files ...string) func(string) (*agent.Result, error) {
	return func(string) (*agent.Result, error) {
		stdout := ""
		for _, f := range files {
			stdout += "Modified: " + f + "\n"
		}
		stdout += fmt.Sprintf("KANLOOP_STATUS: {\"EXIT_SIGNAL\": true, \"COMPLETION_INDICATORS\": %d}\n", indicators)
		return &agent.Result{Stdout: stdout}, nil
	}
}

func progressResult(files ...string) func(string) (*agent.Result, error) {
	return func(string) (*agent.Result, error) {
		stdout := ""
		for _, f := range files {
			stdout += "Modified: " + f + "\n"
		}
		return &agent.Result{Stdout: stdout}, nil
	}
}

func newTestLoop(b BoardAPI, r AgentRunner, status StatusSetter, cfg Config) (*Loop, *safety.Policy) {
	cfg.Worker = "worker-a"
	cfg.WorkDir = "/tmp/work"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	policy := safety.NewPolicy(safety.Config{})
	return New(b, r, policy, status, nil, cfg), policy
}

func TestEmptyBoardExitsWhenIdle(t *testing.T) {
	b := newFakeBoard()
	l, _ := newTestLoop(b, &fakeRunner{}, nil, Config{ExitWhenIdle: true})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 1, b.fetches)
	assert.Empty(t, b.claims)
}

func TestSuccessfulTaskMovesToReview(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Fix login", Priority: board.PriorityHigh})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		exitResult(2, "internal/auth/login.go"),
	}}
	status := &statusRecorder{}
	l, _ := newTestLoop(b, r, status, Config{ExitWhenIdle: true})

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, []string{"t-1"}, b.claims)
	assert.Equal(t, 1, r.count())

	final := b.lastPatch("t-1")
	require.NotNil(t, final.Status)
	assert.Equal(t, board.StatusReview, *final.Status)
	require.NotNil(t, final.FilesChanged)
	assert.Equal(t, []string{"internal/auth/login.go"}, *final.FilesChanged)
	require.NotNil(t, final.CompletionNotes)
	assert.Contains(t, *final.CompletionNotes, "1 loop")

	require.NotEmpty(t, b.events["t-1"])
	assert.Equal(t, "completed", b.events["t-1"][0].Type)
	assert.Contains(t, status.history, board.WorkerWorking)
	assert.Equal(t, board.WorkerIdle, status.history[len(status.history)-1])
}

func TestIterationPromptCarriesTask(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Fix login", Description: "Users cannot sign in."})
	var sawPrompt string
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		func(prompt string) (*agent.Result, error) {
			sawPrompt = prompt
			return exitResult(1)(prompt)
		},
	}}
	l, _ := newTestLoop(b, r, nil, Config{ExitWhenIdle: true})

	require.NoError(t, l.Run(context.Background()))
	assert.Contains(t, sawPrompt, "Fix login")
	assert.Contains(t, sawPrompt, "Users cannot sign in.")
	assert.Contains(t, sawPrompt, "KANLOOP_STATUS")
}

func TestIterationErrorIncrementsErrorCount(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Flaky"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		func(string) (*agent.Result, error) {
			return nil, &agent.TimeoutError{Timeout: time.Minute, Stdout: "Modified: a.go\n"}
		},
		exitResult(1),
	}}
	l, _ := newTestLoop(b, r, nil, Config{ExitWhenIdle: true})

	require.NoError(t, l.Run(context.Background()))

	var sawErrorComment, sawErrorPatch bool
	for _, c := range b.comments["t-1"] {
		if c.Type == board.CommentError {
			sawErrorComment = true
		}
	}
	for _, p := range b.patches["t-1"] {
		if p.ErrorCount != nil && *p.ErrorCount == 1 {
			sawErrorPatch = true
		}
	}
	assert.True(t, sawErrorComment, "failed iteration gets an error comment")
	assert.True(t, sawErrorPatch, "failed iteration patches error_count")

	// Partial output from the timed-out run still counted as file progress.
	final := b.lastPatch("t-1")
	require.NotNil(t, final.FilesChanged)
	assert.Contains(t, *final.FilesChanged, "a.go")
}

func TestConsecutiveErrorsOpenCircuit(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Doomed"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		func(string) (*agent.Result, error) {
			// Each run touches a file so only the error breaker counts; the
			// stagnation breaker keeps resetting.
			return nil, &agent.ExitError{Code: 1, Stdout: "Modified: a.go\n", Stderr: "error: boom"}
		},
	}}
	l, policy := newTestLoop(b, r, nil, Config{ExitWhenIdle: true, MaxLoops: 20})

	err := l.Run(context.Background())
	require.ErrorIs(t, err, safety.ErrCircuitOpen)
	assert.True(t, policy.IsOpen())
	assert.Equal(t, safety.DefaultErrorThreshold, r.count(), "halts exactly at the threshold")
	assert.Equal(t, 1, b.fetches, "no further fetches after the halt")

	var sawHaltComment bool
	for _, c := range b.comments["t-1"] {
		if c.Type == board.CommentError && c.LoopNumber == 0 {
			sawHaltComment = true
		}
	}
	assert.True(t, sawHaltComment, "halt leaves a final comment on the task")
	var sawHaltEvent bool
	for _, e := range b.events["t-1"] {
		if e.Type == "worker_halted" {
			sawHaltEvent = true
		}
	}
	assert.True(t, sawHaltEvent)
}

func TestStagnationOpensCircuit(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Spinning"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		func(string) (*agent.Result, error) {
			return &agent.Result{Stdout: "thinking very hard\n"}, nil
		},
	}}
	l, policy := newTestLoop(b, r, nil, Config{ExitWhenIdle: true, MaxLoops: 20})

	err := l.Run(context.Background())
	require.ErrorIs(t, err, safety.ErrCircuitOpen)
	assert.True(t, policy.IsOpen())
	assert.Equal(t, safety.DefaultNoProgressThreshold, r.count())
}

func TestClaimConflictMovesOn(t *testing.T) {
	b := newFakeBoard(
		&board.Task{ID: "t-1", Title: "Contested"},
		&board.Task{ID: "t-2", Title: "Free"},
	)
	b.claimErr = fmt.Errorf("claim t-1: %w", board.ErrClaimConflict)
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){exitResult(1)}}
	l, policy := newTestLoop(b, r, nil, Config{ExitWhenIdle: true})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"t-2"}, b.claims, "lost race skips to the next task")
	assert.False(t, policy.IsOpen(), "claim conflicts never count against the policy")
}

func TestMaxLoopsMovesTaskToReview(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Endless"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		progressResult("a.go"),
		progressResult("b.go"),
		progressResult("c.go"),
	}}
	l, policy := newTestLoop(b, r, nil, Config{ExitWhenIdle: true, MaxLoops: 3})

	require.NoError(t, l.Run(context.Background()))
	assert.False(t, policy.IsOpen())
	assert.Equal(t, 3, r.count())

	final := b.lastPatch("t-1")
	require.NotNil(t, final.Status)
	assert.Equal(t, board.StatusReview, *final.Status)
	assert.Nil(t, final.AssignedTo, "task stays assigned so review shows who worked it")
	require.NotNil(t, final.CompletionNotes)
	assert.Contains(t, *final.CompletionNotes, "Loop budget exhausted after 3 loop(s)")
	require.NotNil(t, final.FilesChanged)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, *final.FilesChanged)

	var sawExhaustion bool
	for _, c := range b.comments["t-1"] {
		if c.Type == board.CommentSystem {
			sawExhaustion = true
			assert.Contains(t, c.Content, "3 loop(s)")
		}
	}
	assert.True(t, sawExhaustion)
	assert.Empty(t, b.created, "no follow-up without FileFollowUps")
}

// recyclingBoard re-serves its task whenever a patch puts it back in todo,
// the way a real board's priority ordering would.
type recyclingBoard struct {
	fakeBoard
	task *board.Task
}

func newRecyclingBoard(task *board.Task) *recyclingBoard {
	b := &recyclingBoard{task: task}
	b.patches = make(map[string][]board.TaskPatch)
	b.comments = make(map[string][]board.Comment)
	b.events = make(map[string][]board.Event)
	b.listedDeps = make(map[string][]board.Dependency)
	return b
}

func (r *recyclingBoard) FetchNext(_ context.Context, _ board.Filter) (*board.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.task.Status != board.StatusTodo {
		return nil, nil
	}
	return r.task, nil
}

func (r *recyclingBoard) Claim(_ context.Context, taskID, worker string) (*board.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims = append(r.claims, taskID)
	r.task.AssignedTo = worker
	return r.task, nil
}

func (r *recyclingBoard) UpdateStatus(_ context.Context, taskID string, patch board.TaskPatch) (*board.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches[taskID] = append(r.patches[taskID], patch)
	if patch.Status != nil {
		r.task.Status = *patch.Status
	}
	if patch.LoopCount != nil {
		r.task.LoopCount = *patch.LoopCount
	}
	return r.task, nil
}

func TestTaskAtBudgetGoesStraightToReview(t *testing.T) {
	// A task fetched with its loop budget already spent must leave the fetch
	// pool terminally. Handing it back to todo would let the board serve it
	// again immediately, claim after claim, with zero agent runs and nothing
	// counted by the safety policy.
	b := newRecyclingBoard(&board.Task{ID: "t-1", Title: "Spent", Status: board.StatusTodo, LoopCount: 3})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		progressResult("a.go"),
	}}
	l, policy := newTestLoop(b, r, nil, Config{ExitWhenIdle: true, MaxLoops: 3})

	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, 0, r.count(), "no iterations left in the budget")
	assert.Equal(t, []string{"t-1"}, b.claims, "claimed exactly once")
	assert.Equal(t, 2, b.fetches, "one fetch to claim, one to find the board empty")
	assert.False(t, policy.IsOpen())

	final := b.lastPatch("t-1")
	require.NotNil(t, final.Status)
	assert.Equal(t, board.StatusReview, *final.Status)
}

func TestExhaustionFilesFollowUp(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Endless", TaskListID: "list-1", Priority: board.PriorityMedium})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		progressResult("a.go"),
	}}
	l, _ := newTestLoop(b, r, nil, Config{ExitWhenIdle: true, MaxLoops: 2, FileFollowUps: true})

	require.NoError(t, l.Run(context.Background()))

	require.Len(t, b.created, 1)
	followUp := b.created[0]
	assert.Contains(t, followUp.Title, "Endless")
	assert.Equal(t, "list-1", followUp.TaskListID)
	assert.Equal(t, board.PriorityMedium, followUp.Priority)
	assert.Contains(t, followUp.Description, "a.go")

	require.Len(t, b.deps, 1)
	assert.Equal(t, "created-1", b.deps[0].TaskID)
	assert.Equal(t, "t-1", b.deps[0].DependsOnID)
}

func TestCancellationStopsLoop(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Long"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		func(string) (*agent.Result, error) {
			return nil, context.Canceled
		},
	}}
	l, policy := newTestLoop(b, r, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, policy.IsOpen(), "cancellation never counts against the policy")
}

func TestCancellationDuringIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Long"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		func(string) (*agent.Result, error) {
			cancel()
			return nil, context.Canceled
		},
	}}
	l, policy := newTestLoop(b, r, nil, Config{})

	err := l.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, policy.IsOpen())
}

func TestFilesAccumulateAcrossIterations(t *testing.T) {
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Multi"})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		progressResult("a.go"),
		exitResult(1, "b.go", "a.go"),
	}}
	l, _ := newTestLoop(b, r, nil, Config{ExitWhenIdle: true})

	require.NoError(t, l.Run(context.Background()))

	final := b.lastPatch("t-1")
	require.NotNil(t, final.FilesChanged)
	assert.Equal(t, []string{"a.go", "b.go"}, *final.FilesChanged, "deduplicated, first mention first")
}

func TestPreexistingLoopCountRespected(t *testing.T) {
	// A task already iterated on by a previous worker keeps its budget.
	b := newFakeBoard(&board.Task{ID: "t-1", Title: "Resumed", LoopCount: 2})
	r := &fakeRunner{steps: []func(string) (*agent.Result, error){
		progressResult("a.go"),
	}}
	l, _ := newTestLoop(b, r, nil, Config{ExitWhenIdle: true, MaxLoops: 3})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 1, r.count(), "only one loop left in the budget")

	final := b.lastPatch("t-1")
	require.NotNil(t, final.Status)
	assert.Equal(t, board.StatusReview, *final.Status)
}

func TestFetchErrorCountsAgainstPolicy(t *testing.T) {
	b := &erroringBoard{err: errors.New("board down")}
	l, policy := newTestLoop(b, &fakeRunner{}, nil, Config{PollInterval: time.Millisecond})

	err := l.Run(context.Background())
	require.ErrorIs(t, err, safety.ErrCircuitOpen)
	assert.True(t, policy.IsOpen())
	assert.Equal(t, safety.DefaultErrorThreshold, b.fetches)
}

// erroringBoard fails every fetch.
type erroringBoard struct {
	fakeBoard
	err error
}

func (e *erroringBoard) FetchNext(_ context.Context, _ board.Filter) (*board.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetches++
	return nil, e.err
}
