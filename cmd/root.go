// Package cmd implements the ccoptimize command-line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
)

var (
	flagLogPath string
	flagQuiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "ccoptimize",
	Short: "Quota-aware usage tracking and estimation for Claude Code",
	Long: "Track token consumption against rolling windows, cycle caps, and the\n" +
		"session context ceiling, and predict budgets for planned work.",
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.RunE = runStatus
	rootCmd.PersistentFlags().StringVarP(&flagLogPath, "log", "l", config.DefaultLogPath(), "Usage event log path")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
}

// loadConfig reads the config file, applying the log path flag on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if cfg.General.LogPath == "" {
		cfg.General.LogPath = flagLogPath
	}
	return cfg, nil
}

// effectiveLogPath prefers an explicit flag over the configured path.
func effectiveLogPath(cfg config.Config) string {
	if rootCmd.PersistentFlags().Changed("log") || cfg.General.LogPath == "" {
		return flagLogPath
	}
	return cfg.General.LogPath
}
