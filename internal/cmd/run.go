package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kanloop/kanloop/internal/agent"
	"github.com/kanloop/kanloop/internal/board"
	"github.com/kanloop/kanloop/internal/config"
	"github.com/kanloop/kanloop/internal/events"
	"github.com/kanloop/kanloop/internal/heartbeat"
	"github.com/kanloop/kanloop/internal/journal"
	"github.com/kanloop/kanloop/internal/logging"
	"github.com/kanloop/kanloop/internal/loop"
	"github.com/kanloop/kanloop/internal/safety"
)

var runFlags struct {
	boardURL          string
	workspace         string
	taskList          string
	worker            string
	workDir           string
	agentCommand      string
	maxLoops          int
	invocationTimeout time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	errorThreshold    int
	stagnantThreshold int
	journal           string
	exitWhenIdle      bool
	echo              bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return err
		}
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runWorker(cmd.Context(), cfg)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runFlags.boardURL, "board-url", "", "board API base URL")
	flags.StringVar(&runFlags.workspace, "workspace", "", "board workspace slug")
	flags.StringVar(&runFlags.taskList, "task-list", "", "restrict fetching to one task list")
	flags.StringVar(&runFlags.worker, "worker", "", "worker claim identity")
	flags.StringVar(&runFlags.workDir, "work-dir", "", "repository the agent runs in")
	flags.StringVar(&runFlags.agentCommand, "agent", "", "agent CLI command")
	flags.IntVar(&runFlags.maxLoops, "max-loops", 0, "iterations before a task is handed to review")
	flags.DurationVar(&runFlags.invocationTimeout, "invocation-timeout", 0, "wall clock budget per agent run")
	flags.DurationVar(&runFlags.pollInterval, "poll-interval", 0, "idle wait between empty fetches")
	flags.DurationVar(&runFlags.heartbeatInterval, "heartbeat-interval", 0, "liveness reporting cadence")
	flags.IntVar(&runFlags.errorThreshold, "error-threshold", 0, "consecutive failed iterations before halting")
	flags.IntVar(&runFlags.stagnantThreshold, "no-progress-threshold", 0, "consecutive stagnant iterations before halting")
	flags.StringVar(&runFlags.journal, "journal", "", `run journal database path ("off" disables)`)
	flags.BoolVar(&runFlags.exitWhenIdle, "exit-when-idle", false, "exit instead of polling when the board is empty")
	flags.BoolVar(&runFlags.echo, "echo", true, "mirror agent output to the terminal")
}

// applyRunFlags overlays explicitly set flags on the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if runFlags.boardURL != "" {
		cfg.Board.BaseURL = runFlags.boardURL
	}
	if runFlags.workspace != "" {
		cfg.Board.Workspace = runFlags.workspace
	}
	if runFlags.taskList != "" {
		cfg.Board.TaskListID = runFlags.taskList
	}
	if runFlags.worker != "" {
		cfg.Worker.Name = runFlags.worker
	}
	if runFlags.workDir != "" {
		cfg.Worker.WorkDir = runFlags.workDir
	}
	if runFlags.agentCommand != "" {
		cfg.Agent.Command = runFlags.agentCommand
	}
	if runFlags.maxLoops > 0 {
		cfg.Worker.MaxLoops = runFlags.maxLoops
	}
	if runFlags.invocationTimeout > 0 {
		cfg.Agent.InvocationTimeout = int(runFlags.invocationTimeout.Milliseconds())
	}
	if runFlags.pollInterval > 0 {
		cfg.Worker.PollInterval = int(runFlags.pollInterval.Milliseconds())
	}
	if runFlags.heartbeatInterval > 0 {
		cfg.Heartbeat.Interval = int(runFlags.heartbeatInterval.Milliseconds())
	}
	if runFlags.errorThreshold > 0 {
		cfg.Safety.ErrorThreshold = runFlags.errorThreshold
	}
	if runFlags.stagnantThreshold > 0 {
		cfg.Safety.NoProgressThreshold = runFlags.stagnantThreshold
	}
	if runFlags.journal != "" {
		if runFlags.journal == "off" {
			cfg.Journal.Path = ""
		} else {
			cfg.Journal.Path = runFlags.journal
		}
	}
	if cmd.Flags().Changed("exit-when-idle") {
		cfg.Worker.ExitWhenIdle = runFlags.exitWhenIdle
	}
	if cmd.Flags().Changed("echo") {
		cfg.Agent.Echo = runFlags.echo
	}
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	workerName := cfg.Worker.Name
	if workerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving worker name: %w", err)
		}
		workerName = "kanloop-" + hostname
	}
	workDir := cfg.Worker.WorkDir
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving work dir: %w", err)
		}
		workDir = cwd
	}

	client, err := board.New(board.Config{
		BaseURL:   cfg.Board.BaseURL,
		Token:     cfg.Board.Token,
		Workspace: cfg.Board.Workspace,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	procs := agent.NewProcessManager()
	runnerCfg := agent.RunnerConfig{
		Command:     cfg.Agent.Command,
		Args:        cfg.Agent.Args,
		GracePeriod: cfg.Agent.GracePeriodDuration(),
		Processes:   procs,
		Logger:      logger,
	}
	if cfg.Agent.Echo {
		runnerCfg.EchoStdout = os.Stdout
		runnerCfg.EchoStderr = os.Stderr
	}
	runner := agent.NewRunner(runnerCfg)

	policy := safety.NewPolicy(safety.Config{
		ErrorThreshold:      uint32(cfg.Safety.ErrorThreshold),
		NoProgressThreshold: uint32(cfg.Safety.NoProgressThreshold),
		Logger:              logger,
	})
	reporter := heartbeat.NewReporter(client, workerName, cfg.Heartbeat.IntervalDuration(), logger)

	bus := events.NewBus()
	defer bus.Close()

	runID := uuid.NewString()
	var store *journal.Store
	if cfg.Journal.Path != "" {
		store, err = journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer store.Close()
		if err := store.BeginRun(ctx, runID, workerName, cfg.Board.Workspace); err != nil {
			return err
		}
	}

	worker := loop.New(client, runner, policy, reporter, bus, loop.Config{
		Worker:            workerName,
		TaskListID:        cfg.Board.TaskListID,
		WorkDir:           workDir,
		InvocationTimeout: cfg.Agent.InvocationTimeoutDuration(),
		MaxLoops:          cfg.Worker.MaxLoops,
		PollInterval:      cfg.Worker.PollIntervalDuration(),
		ExitWhenIdle:      cfg.Worker.ExitWhenIdle,
		FileFollowUps:     cfg.Worker.FileFollowUps,
		Logger:            logger,
	})

	logger.Info("worker starting",
		"run_id", runID,
		"worker", workerName,
		"board", cfg.Board.BaseURL,
		"workspace", cfg.Board.Workspace)

	// The loop decides when the process is done; the heartbeat reporter and
	// journal recorder are supporting goroutines cancelled alongside it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		err := reporter.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if store != nil {
		recorder := journal.NewRecorder(store, runID, logger)
		ch := bus.SubscribeAll()
		group.Go(func() error {
			recorder.Run(groupCtx, ch)
			return nil
		})
	}
	consoleCh := bus.SubscribeAll()
	group.Go(func() error {
		reportEvents(groupCtx, consoleCh, logger)
		return nil
	})

	var loopErr error
	group.Go(func() error {
		defer cancel()
		loopErr = worker.Run(groupCtx)
		return nil
	})

	groupErr := group.Wait()

	// Shutdown: nothing the agent spawned may outlive the worker.
	if err := procs.KillAll(); err != nil {
		logger.Warn("failed to kill agent processes", "error", err)
	}

	if store != nil {
		haltReason := ""
		if errors.Is(loopErr, safety.ErrCircuitOpen) {
			haltReason = policy.Reason()
		}
		if err := store.EndRun(context.WithoutCancel(ctx), runID, haltReason); err != nil {
			logger.Warn("failed to close journal run", "error", err)
		}
	}

	switch {
	case errors.Is(loopErr, context.Canceled), errors.Is(loopErr, context.DeadlineExceeded):
		logger.Info("worker stopped", "run_id", runID)
		return nil
	case loopErr != nil:
		return loopErr
	case groupErr != nil:
		return groupErr
	}
	logger.Info("worker finished", "run_id", runID)
	return nil
}
