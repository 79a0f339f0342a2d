// Package commands implements the crewline CLI commands using cobra.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "crewline",
	Short: "Coordinated AI coding crew: coder, reviewer, tester",
	Long: `Crewline runs a small crew of AI agents through a scripted workflow:
a coder proposes or implements a change, a reviewer gates it, and a
tester verifies it with allowlisted commands.

Start with a proposal round, confirm the plan, then let the crew
iterate until the reviewer approves and the tests pass.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to crewline.yaml")
}

// loadConfig reads configuration and initializes logging for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	}); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	return cfg, nil
}

// historyPath returns the summary index location under the data dir.
func historyPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "crewline.db")
}
