// Package cmd holds the kanloop CLI commands.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kanloop",
	Short: "Autonomous kanban task worker",
	Long: `kanloop is a headless worker that claims tasks from a kanban board,
runs a coding agent against each one in a loop, and moves tasks to review
when the agent signals completion. A safety circuit stops the worker when
the agent keeps failing or stops making progress.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the root command under ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
