package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Organized-AI/claude-code-optimize-sub000/internal/cli"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/config"
	"github.com/Organized-AI/claude-code-optimize-sub000/internal/estimator"
)

var (
	flagEstimateTask  string
	flagEstimateTier  string
	flagEstimateHours float64
	flagEstimatePlan  bool
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Predict token consumption for a planned session",
	RunE:  runEstimate,
}

func init() {
	estimateCmd.Flags().StringVarP(&flagEstimateTask, "task", "t", "", "Task type label (e.g. refactor, feature, debug)")
	estimateCmd.Flags().StringVar(&flagEstimateTier, "tier", "moderate", "Complexity tier: simple, moderate, complex")
	estimateCmd.Flags().Float64Var(&flagEstimateHours, "hours", 1, "Planned duration in hours")
	estimateCmd.Flags().BoolVar(&flagEstimatePlan, "plan", false, "Register the prediction so the next session is scored against it")
	_ = estimateCmd.MarkFlagRequired("task")
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if flagEstimatePlan {
		est, planErr := planViaDaemon(cfg.Daemon.Addr)
		if planErr == nil {
			printEstimate(est, cfg)
			fmt.Printf("  Plan registered: the next session will be scored against it.\n\n")
			return nil
		}
		if !flagQuiet {
			fmt.Printf("  Plan not registered: %v\n", planErr)
		}
	}

	m, restored := estimator.Load(config.ModelPath(),
		cfg.Estimator.Alpha, cfg.Estimator.DefaultRatePerHour, cfg.Estimator.Multipliers)

	est, err := m.Estimate(flagEstimateTask, flagEstimateTier, flagEstimateHours)
	if err != nil {
		return err
	}

	if !restored && !flagQuiet {
		fmt.Printf("  No learned model yet, using default rates.\n")
	}
	printEstimate(est, cfg)
	return nil
}

// planViaDaemon registers the prediction with a running daemon so the
// next session gets scored against it.
func planViaDaemon(addr string) (estimator.Estimate, error) {
	body, err := json.Marshal(map[string]any{
		"task_type":      flagEstimateTask,
		"complexity":     flagEstimateTier,
		"duration_hours": flagEstimateHours,
	})
	if err != nil {
		return estimator.Estimate{}, err
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post("http://"+addr+"/v1/plan", "application/json", bytes.NewReader(body)) //nolint:noctx // short local call
	if err != nil {
		return estimator.Estimate{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return estimator.Estimate{}, fmt.Errorf("daemon rejected plan: %s", strings.TrimSpace(string(msg)))
	}

	var est estimator.Estimate
	if err := json.NewDecoder(resp.Body).Decode(&est); err != nil {
		return estimator.Estimate{}, err
	}
	return est, nil
}

func printEstimate(est estimator.Estimate, cfg config.Config) {
	fmt.Println()
	fmt.Println(cli.RenderTitle("SESSION ESTIMATE"))
	fmt.Println()

	rows := [][]string{
		{"Task", est.TaskType},
		{"Complexity", est.Complexity},
		{"Duration", fmt.Sprintf("%.1fh", est.DurationHours)},
		{"Rate", cli.FormatTokens(int64(est.RatePerHour)) + "/h"},
		{"Predicted", cli.FormatTokens(est.PredictedTokens)},
		{"Confidence", strings.ToUpper(string(est.Confidence))},
	}

	if ceiling := cfg.Context.CeilingTokens; ceiling > 0 {
		share := float64(est.PredictedTokens) / float64(ceiling)
		rows = append(rows, []string{"Ceiling share", cli.FormatPercent(share)})
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Prediction",
		Headers: []string{"Field", "Value"},
		Rows:    rows,
	}))
}
