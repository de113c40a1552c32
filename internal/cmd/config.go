package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kanloop/kanloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage worker configuration",
}

var configInitGlobal bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(".kanloop", "config.json")
		if configInitGlobal {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("getting home directory: %w", err)
			}
			path = filepath.Join(homeDir, ".kanloop", "config.json")
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return err
		}
		if cfg.Board.Token != "" {
			cfg.Board.Token = "<redacted>"
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitGlobal, "global", false, "write ~/.kanloop/config.json instead of ./.kanloop/config.json")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
