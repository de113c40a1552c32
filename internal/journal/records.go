package journal

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// IterationRecord is one agent invocation as the journal stores it.
type IterationRecord struct {
	RunID                string
	TaskID               string
	LoopNumber           int
	ExitSignal           bool
	Progress             bool
	CompletionIndicators int
	FilesModified        []string
	Error                string
	Duration             time.Duration
	CreatedAt            time.Time
}

// EventRecord is a task lifecycle event as the journal stores it.
type EventRecord struct {
	RunID     string
	TaskID    string
	EventType string
	Detail    string
	CreatedAt time.Time
}

// BeginRun opens a run row for this worker process.
func (s *Store) BeginRun(ctx context.Context, runID, worker, workspace string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, worker, workspace) VALUES (?, ?, ?)`,
		runID, worker, workspace)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// EndRun stamps the run finished with an optional halt reason.
func (s *Store) EndRun(ctx context.Context, runID, haltReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = CURRENT_TIMESTAMP, halt_reason = ? WHERE id = ?`,
		nullable(haltReason), runID)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	return nil
}

// RecordIteration appends one iteration.
func (s *Store) RecordIteration(ctx context.Context, rec IterationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations
			(run_id, task_id, loop_number, exit_signal, progress, completion_indicators, files_modified, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.LoopNumber,
		boolInt(rec.ExitSignal), boolInt(rec.Progress), rec.CompletionIndicators,
		nullable(strings.Join(rec.FilesModified, "\n")), nullable(rec.Error),
		rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record iteration %s#%d: %w", rec.TaskID, rec.LoopNumber, err)
	}
	return nil
}

// RecordEvent appends one task lifecycle event.
func (s *Store) RecordEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (run_id, task_id, event_type, detail) VALUES (?, ?, ?, ?)`,
		rec.RunID, nullable(rec.TaskID), rec.EventType, nullable(rec.Detail))
	if err != nil {
		return fmt.Errorf("record event %s: %w", rec.EventType, err)
	}
	return nil
}

// ListIterations returns a run's iterations in insertion order.
func (s *Store) ListIterations(ctx context.Context, runID string) ([]IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, loop_number, exit_signal, progress, completion_indicators,
		        COALESCE(files_modified, ''), COALESCE(error, ''), duration_ms, created_at
		 FROM iterations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list iterations for %s: %w", runID, err)
	}
	defer rows.Close()

	var records []IterationRecord
	for rows.Next() {
		var (
			rec        IterationRecord
			exitSignal int
			progress   int
			files      string
			durationMS int64
		)
		rec.RunID = runID
		if err := rows.Scan(&rec.TaskID, &rec.LoopNumber, &exitSignal, &progress,
			&rec.CompletionIndicators, &files, &rec.Error, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		rec.ExitSignal = exitSignal != 0
		rec.Progress = progress != 0
		if files != "" {
			rec.FilesModified = strings.Split(files, "\n")
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListEvents returns a run's task events in insertion order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(task_id, ''), event_type, COALESCE(detail, ''), created_at
		 FROM task_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", runID, err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		rec := EventRecord{RunID: runID}
		if err := rows.Scan(&rec.TaskID, &rec.EventType, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
