package cmd

import (
	"testing"

	"github.com/kanloop/kanloop/internal/config"
)

func TestApplyRunFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Board.BaseURL = "https://file.example.com"
	cfg.Worker.ExitWhenIdle = true

	flags := runCmd.Flags()
	for name, value := range map[string]string{
		"board-url":          "https://flag.example.com",
		"workspace":          "ws-flag",
		"worker":             "worker-flag",
		"max-loops":          "4",
		"invocation-timeout": "5m",
	} {
		if err := flags.Set(name, value); err != nil {
			t.Fatal(err)
		}
	}

	applyRunFlags(runCmd, cfg)

	if cfg.Board.BaseURL != "https://flag.example.com" {
		t.Errorf("base url = %q, flag must win", cfg.Board.BaseURL)
	}
	if cfg.Board.Workspace != "ws-flag" {
		t.Errorf("workspace = %q", cfg.Board.Workspace)
	}
	if cfg.Worker.Name != "worker-flag" {
		t.Errorf("worker = %q", cfg.Worker.Name)
	}
	if cfg.Worker.MaxLoops != 4 {
		t.Errorf("max loops = %d", cfg.Worker.MaxLoops)
	}
	if cfg.Agent.InvocationTimeout != 5*60*1000 {
		t.Errorf("invocation timeout = %dms", cfg.Agent.InvocationTimeout)
	}
	if !cfg.Worker.ExitWhenIdle {
		t.Error("unset bool flag must not clobber the config value")
	}
	if !cfg.Agent.Echo {
		t.Error("echo stays on without a flag")
	}
	if cfg.Agent.Command != config.DefaultConfig().Agent.Command {
		t.Errorf("agent command changed without a flag: %q", cfg.Agent.Command)
	}
}
