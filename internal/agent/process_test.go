package agent

import (
	"context"
	"testing"
	"time"
)

func TestProcessManagerTracksRuns(t *testing.T) {
	pm := NewProcessManager()
	r := shellRunner(RunnerConfig{Processes: pm})

	if _, err := r.Run(context.Background(), `true`, t.TempDir(), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if pm.Count() != 0 {
		t.Errorf("count = %d after run finished, want 0", pm.Count())
	}
}

func TestProcessManagerKillAll(t *testing.T) {
	pm := NewProcessManager()
	r := shellRunner(RunnerConfig{Processes: pm, GracePeriod: 100 * time.Millisecond})

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		close(started)
		_, err := r.Run(context.Background(), `sleep 30`, t.TempDir(), time.Minute)
		finished <- err
	}()

	<-started
	// Give the child a moment to actually start before killing it.
	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subprocess never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := pm.KillAll(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-finished:
		if err == nil {
			t.Error("killed run should not report success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after KillAll")
	}
}

func TestNilProcessManagerIsSafe(t *testing.T) {
	r := shellRunner(RunnerConfig{})
	if _, err := r.Run(context.Background(), `true`, t.TempDir(), 10*time.Second); err != nil {
		t.Fatal(err)
	}
}
