package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/cli"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "First-time setup wizard",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(_ *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)

	// Load existing config or defaults
	cfg, _ := config.Load()

	fmt.Println()
	fmt.Println("  Welcome to ccoptimize!")
	fmt.Println()

	// 1. Log path
	fmt.Println("  1. Usage log path")
	fmt.Println("     The JSONL event log appended by your Claude Code sessions.")
	current := cfg.General.LogPath
	if current == "" {
		current = config.DefaultLogPath()
	}
	fmt.Printf("     Current: %s\n", current)
	fmt.Print("     > ")
	logPath, _ := reader.ReadString('\n')
	logPath = strings.TrimSpace(logPath)
	if logPath != "" {
		cfg.General.LogPath = logPath
	}
	fmt.Println()

	// 2. Subscription plan (sets window and cycle capacities)
	fmt.Println("  2. Subscription plan")
	fmt.Println("     (1) Pro")
	fmt.Println("     (2) Max 5x [default]")
	fmt.Println("     (3) Max 20x")
	fmt.Println("     (4) Keep current capacities")
	fmt.Print("     > ")
	planChoice, _ := reader.ReadString('\n')
	switch strings.TrimSpace(planChoice) {
	case "1":
		setCapacities(&cfg, 500_000, 5_000_000)
	case "4":
		// leave as configured
	case "3":
		setCapacities(&cfg, 10_000_000, 100_000_000)
	default:
		setCapacities(&cfg, 2_500_000, 25_000_000)
	}
	fmt.Println()

	// 3. Context ceiling
	fmt.Println("  3. Context window ceiling (tokens)")
	fmt.Printf("     Current: %s\n", cli.FormatNumber(cfg.Context.CeilingTokens))
	fmt.Print("     > ")
	ceilingStr, _ := reader.ReadString('\n')
	ceilingStr = strings.TrimSpace(ceilingStr)
	if ceilingStr != "" {
		if ceiling, err := strconv.ParseInt(ceilingStr, 10, 64); err == nil && ceiling > 0 {
			cfg.Context.CeilingTokens = ceiling
		} else {
			fmt.Println("     Not a positive number, keeping current value.")
		}
	}

	// Save
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", config.ConfigPath())
	fmt.Println("  Run `ccoptimize setup` anytime to reconfigure.")
	fmt.Println()

	return nil
}

// setCapacities rewrites the rolling window and cycle cap budgets while
// keeping any extra windows the user added by hand.
func setCapacities(cfg *config.Config, windowTokens, cycleTokens int64) {
	for i := range cfg.Windows {
		if cfg.Windows[i].Label == "5h" {
			cfg.Windows[i].CapacityTokens = windowTokens
		}
	}
	for i := range cfg.CycleCaps {
		if cfg.CycleCaps[i].Label == "weekly" {
			cfg.CycleCaps[i].CapacityTokens = cycleTokens
		}
	}
}
