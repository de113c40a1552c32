package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name string, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MaxLoops != 10 {
		t.Errorf("max loops = %d, want 10", cfg.Worker.MaxLoops)
	}
	if cfg.Safety.ErrorThreshold != 5 || cfg.Safety.NoProgressThreshold != 3 {
		t.Errorf("safety thresholds = %d/%d, want 5/3",
			cfg.Safety.ErrorThreshold, cfg.Safety.NoProgressThreshold)
	}
	if cfg.Heartbeat.IntervalDuration() != 10*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Heartbeat.IntervalDuration())
	}
	if cfg.Agent.Command == "" {
		t.Error("default agent command missing")
	}
	if !cfg.Agent.Echo {
		t.Error("agent output is mirrored by default")
	}
}

func TestEchoCanBeDisabledInFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", map[string]any{
		"agent": map[string]any{"echo": false},
	})
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Echo {
		t.Error("file echo=false did not override the default")
	}
}

func TestLoadMissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.json"), filepath.Join(dir, "also-nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MaxLoops != 10 {
		t.Errorf("defaults not applied, max loops = %d", cfg.Worker.MaxLoops)
	}
}

func TestLoadMalformedJSONFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error on malformed JSON")
	}
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeConfig(t, dir, "global.json", map[string]any{
		"board":  map[string]any{"base_url": "https://global.example.com", "workspace": "ws-global"},
		"worker": map[string]any{"max_loops": 7},
	})
	projectPath := writeConfig(t, dir, "project.json", map[string]any{
		"board": map[string]any{"base_url": "https://project.example.com"},
	})

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Board.BaseURL != "https://project.example.com" {
		t.Errorf("base url = %q, project must win", cfg.Board.BaseURL)
	}
	if cfg.Board.Workspace != "ws-global" {
		t.Errorf("workspace = %q, global value must survive", cfg.Board.Workspace)
	}
	if cfg.Worker.MaxLoops != 7 {
		t.Errorf("max loops = %d, want 7 from global", cfg.Worker.MaxLoops)
	}
	if cfg.Safety.ErrorThreshold != 5 {
		t.Errorf("untouched defaults must survive, got %d", cfg.Safety.ErrorThreshold)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", map[string]any{
		"board": map[string]any{"base_url": "https://file.example.com", "token": "file-token"},
	})

	t.Setenv("KANLOOP_TOKEN", "env-token")
	t.Setenv("KANLOOP_BOARD_URL", "https://env.example.com")
	t.Setenv("KANLOOP_WORKER_NAME", "env-worker")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Board.Token != "env-token" {
		t.Errorf("token = %q, env must win", cfg.Board.Token)
	}
	if cfg.Board.BaseURL != "https://env.example.com" {
		t.Errorf("base url = %q, env must win", cfg.Board.BaseURL)
	}
	if cfg.Worker.Name != "env-worker" {
		t.Errorf("worker name = %q", cfg.Worker.Name)
	}
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Board.BaseURL = "https://board.example.com"
	valid.Board.Workspace = "ws-1"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.Board.BaseURL = "" }},
		{"missing workspace", func(c *Config) { c.Board.Workspace = "" }},
		{"missing agent command", func(c *Config) { c.Agent.Command = "" }},
		{"zero max loops", func(c *Config) { c.Worker.MaxLoops = 0 }},
		{"zero error threshold", func(c *Config) { c.Safety.ErrorThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Board.BaseURL = "https://board.example.com"
			cfg.Board.Workspace = "ws-1"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Agent.InvocationTimeoutDuration() != 30*time.Minute {
		t.Errorf("invocation timeout = %v", cfg.Agent.InvocationTimeoutDuration())
	}
	if cfg.Agent.GracePeriodDuration() != 5*time.Second {
		t.Errorf("grace period = %v", cfg.Agent.GracePeriodDuration())
	}
	if cfg.Worker.PollIntervalDuration() != 15*time.Second {
		t.Errorf("poll interval = %v", cfg.Worker.PollIntervalDuration())
	}
}
