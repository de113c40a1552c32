package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.kanloop/config.json
// Project: .kanloop/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".kanloop", "config.json")
	projectPath := filepath.Join(".kanloop", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile unmarshals a JSON file over the accumulated config.
// Fields absent from the file keep their current value; missing files are
// silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays the environment variables that hold secrets or
// per-invocation identity.
func applyEnv(cfg *Config) {
	if token := os.Getenv("KANLOOP_TOKEN"); token != "" {
		cfg.Board.Token = token
	}
	if url := os.Getenv("KANLOOP_BOARD_URL"); url != "" {
		cfg.Board.BaseURL = url
	}
	if name := os.Getenv("KANLOOP_WORKER_NAME"); name != "" {
		cfg.Worker.Name = name
	}
}

// Validate reports the first configuration problem that would prevent the
// worker from starting.
func (c *Config) Validate() error {
	if c.Board.BaseURL == "" {
		return fmt.Errorf("board.base_url is required")
	}
	if c.Board.Workspace == "" {
		return fmt.Errorf("board.workspace is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Worker.MaxLoops <= 0 {
		return fmt.Errorf("worker.max_loops must be positive")
	}
	if c.Safety.ErrorThreshold <= 0 || c.Safety.NoProgressThreshold <= 0 {
		return fmt.Errorf("safety thresholds must be positive")
	}
	return nil
}
