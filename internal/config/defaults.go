package config

// DefaultConfig returns the built-in configuration. Every duration field is
// populated so a bare config file only needs board connection details.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Command:           "claude",
			Args:              []string{"--print", "--dangerously-skip-permissions"},
			InvocationTimeout: 30 * 60 * 1000, // 30 minutes
			GracePeriod:       5000,
			Echo:              true,
		},
		Worker: WorkerConfig{
			MaxLoops:     10,
			PollInterval: 15000,
		},
		Safety: SafetyConfig{
			ErrorThreshold:      5,
			NoProgressThreshold: 3,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 10000,
		},
		Journal: JournalConfig{
			Path: ".kanloop/journal.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
