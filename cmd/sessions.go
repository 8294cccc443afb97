package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/cli"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/store"
)

var flagSessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived sessions with learned consumption",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&flagSessionsLimit, "limit", "n", 20, "Max sessions to show")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(_ *cobra.Command, _ []string) error {
	path := config.ArchivePath()
	if _, err := os.Stat(path); err != nil {
		fmt.Println()
		fmt.Println("  No session archive yet. Run the daemon to start recording:")
		fmt.Println("    ccoptimize daemon --detach")
		fmt.Println()
		return nil
	}

	archive, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open session archive: %w", err)
	}
	defer func() { _ = archive.Close() }()

	records, err := archive.RecentRecords(flagSessionsLimit)
	if err != nil {
		return fmt.Errorf("read session archive: %w", err)
	}
	total, err := archive.RecordCount()
	if err != nil {
		return fmt.Errorf("count session archive: %w", err)
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("ARCHIVED SESSIONS"))
	fmt.Println()

	if len(records) == 0 {
		fmt.Println("  No sessions recorded yet.")
		fmt.Println()
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		task := rec.TaskType
		if task == "" {
			task = "-"
		}
		tier := rec.Complexity
		if tier == "" {
			tier = "-"
		}
		ended := rec.EndTime.Local().Format("Jan 02 15:04")
		if rec.ImplicitEnd {
			ended += " (idle)"
		}
		rows = append(rows, []string{
			shortSession(rec.SessionID),
			ended,
			fmt.Sprintf("%.1fh", rec.DurationHours()),
			cli.FormatTokens(rec.TotalTokens),
			task,
			tier,
		})
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Title:   fmt.Sprintf("Last %d of %d", len(records), total),
		Headers: []string{"Session", "Ended", "Length", "Tokens", "Task", "Tier"},
		Rows:    rows,
	}))
	return nil
}
