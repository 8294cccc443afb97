package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/cli"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fmt.Printf("  Config file: %s\n", config.ConfigPath())
	if config.Exists() {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [General]")
	fmt.Printf("    Log path:      %s\n", effectiveLogPath(cfg))
	fmt.Printf("    Poll interval: %s\n", cfg.PollInterval())
	fmt.Printf("    Idle timeout:  %s\n", cfg.IdleTimeout())
	fmt.Println()

	fmt.Println("  [Windows]")
	for _, w := range cfg.Windows {
		fmt.Printf("    %-8s %s over %ds, thresholds %v\n",
			w.Label, cli.FormatTokens(w.CapacityTokens), w.DurationSecs, w.Thresholds)
	}
	fmt.Println()

	fmt.Println("  [Cycle caps]")
	for _, c := range cfg.CycleCaps {
		anchor := c.Anchor
		if anchor == "" {
			anchor = "midnight UTC of first run"
		}
		fmt.Printf("    %-8s %s per %ds, anchor %s\n",
			c.Label, cli.FormatTokens(c.CapacityTokens), c.CycleSecs, anchor)
	}
	fmt.Println()

	fmt.Println("  [Context]")
	fmt.Printf("    Ceiling:     %s tokens\n", cli.FormatNumber(cfg.Context.CeilingTokens))
	fmt.Printf("    Noise floor: %s of ceiling\n", cli.FormatPercent(cfg.Context.NoiseFloor))
	if len(cfg.Context.Thresholds) > 0 {
		fmt.Printf("    Thresholds:  %v\n", cfg.Context.Thresholds)
	}
	fmt.Println()

	fmt.Println("  [Estimator]")
	fmt.Printf("    Smoothing alpha: %.2f\n", cfg.Estimator.Alpha)
	fmt.Printf("    Default rate:    %s tokens/h\n", cli.FormatTokens(int64(cfg.Estimator.DefaultRatePerHour)))
	for tier, mult := range cfg.Estimator.Multipliers {
		fmt.Printf("    Multiplier %-9s %.2f\n", tier+":", mult)
	}
	fmt.Println()

	fmt.Println("  [Daemon]")
	fmt.Printf("    Address:       %s\n", cfg.Daemon.Addr)
	fmt.Printf("    Events buffer: %d\n", cfg.Daemon.EventsBuffer)
	fmt.Println()

	fmt.Println("  Run `ccoptimize setup` to reconfigure.")
	return nil
}
