package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/cli"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/daemon"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/ledger"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota windows, cycle caps, and the current session context",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, live := fetchDaemonStatus(cfg.Daemon.Addr)
	if !live {
		if !flagQuiet {
			fmt.Fprintf(os.Stderr, "  No daemon at %s, scanning log directly...\n", cfg.Daemon.Addr)
		}
		st, err = localStatus(cfg)
		if err != nil {
			return err
		}
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("CCOPTIMIZE STATUS"))
	fmt.Println()

	if st.DataStale {
		warnStyle := lipgloss.NewStyle().Foreground(cli.ColorOrange)
		fmt.Printf("  %s\n\n", warnStyle.Render("Data is stale: the monitor has not polled recently"))
	}

	rows := make([][]string, 0, len(st.Quota))
	for _, q := range st.Quota {
		rows = append(rows, quotaRow(q))
	}
	if len(rows) > 0 {
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Quota",
			Headers: []string{"Budget", "Used", "Capacity", "Bar", "Resets"},
			Rows:    rows,
		}))
	}

	if st.Burn != nil {
		fmt.Printf("  Burn rate: %s tokens/min over last %s (%d events)\n\n",
			cli.FormatNumber(int64(st.Burn.TokensPerMinute)), st.Burn.Lookback, st.Burn.Events)
	} else {
		fmt.Printf("  Burn rate: insufficient data\n\n")
	}

	if cur := st.Current; cur != nil {
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Current Session",
			Headers: []string{"Session", "Context", "Ceiling", "Bar", "Band"},
			Rows: [][]string{{
				shortSession(cur.SessionID),
				cli.FormatTokens(cur.CumulativeTokens),
				cli.FormatTokens(cur.CeilingTokens),
				cli.RenderBar(cur.Fraction, 20),
				cur.Band.String(),
			}},
		}))

		if len(cur.Reducible) > 0 {
			redRows := [][]string{}
			for _, cat := range reducibleOrder(cur.Reducible) {
				redRows = append(redRows, []string{cat.String(), cli.FormatTokens(cur.Reducible[cat])})
			}
			fmt.Print(cli.RenderTable(cli.Table{
				Title:   "Compaction Candidates",
				Headers: []string{"Category", "Est. Reclaim"},
				Rows:    redRows,
			}))
		}
	} else {
		fmt.Printf("  No live session.\n\n")
	}

	fmt.Printf("  Active sessions: %d\n", st.ActiveSessions)
	if st.SkippedLines > 0 {
		fmt.Printf("  Skipped log lines: %d\n", st.SkippedLines)
	}
	fmt.Println()
	return nil
}

func quotaRow(q ledger.OwnerStatus) []string {
	resets := ""
	switch q.Kind {
	case "window":
		if q.DrainsIn > 0 {
			resets = "drains " + cli.FormatCountdown(q.DrainsIn)
		}
	case "cycle":
		if !q.ResetsAt.IsZero() {
			if d := time.Until(q.ResetsAt); d > 0 {
				resets = cli.FormatCountdown(d)
			} else {
				resets = "now"
			}
		}
	}
	return []string{
		q.Owner,
		cli.FormatTokens(q.ConsumedTokens),
		cli.FormatTokens(q.CapacityTokens),
		cli.RenderBar(q.FractionUsed, 20),
		resets,
	}
}

func shortSession(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// reducibleOrder ranks compaction candidates largest first.
func reducibleOrder(m map[model.Category]int64) []model.Category {
	keys := make([]model.Category, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return m[keys[i]] > m[keys[j]] })
	return keys
}

func fetchDaemonStatus(addr string) (daemon.Status, bool) {
	var st daemon.Status
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/v1/status") //nolint:noctx // short status probe
	if err != nil {
		return st, false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return st, false
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, false
	}
	return st, true
}

// localStatus runs a single ingest pass against the shared state files,
// giving an answer without a resident daemon.
func localStatus(cfg config.Config) (daemon.Status, error) {
	if err := os.MkdirAll(config.StateDir(), 0o750); err != nil {
		return daemon.Status{}, fmt.Errorf("create state directory: %w", err)
	}

	svc, err := daemon.New(daemon.Config{
		Engine:      cfg,
		LogPath:     effectiveLogPath(cfg),
		StatePath:   config.LedgerStatePath(),
		OffsetPath:  config.OffsetPath(),
		ModelPath:   config.ModelPath(),
		ArchivePath: config.ArchivePath(),
		Interval:    cfg.PollInterval(),
		IdleTimeout: cfg.IdleTimeout(),
		NoWatcher:   true,
	})
	if err != nil {
		return daemon.Status{}, err
	}
	defer svc.Close()

	now := time.Now()
	svc.PollNow(now)
	st := svc.CurrentStatus(now)
	// A one-shot scan is current by definition.
	st.DataStale = false
	return st, nil
}
