package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/loadtest"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Load-test the sync layer against a flaky in-memory remote",
	Long: `Run concurrent clients against a sync service in a scratch directory and
report mutation latency.

After the run the published state, the cache and the remote are checked
for agreement on every task with nothing left in the queue. The command
exits non-zero if they disagree.

Examples:
  # Defaults: 16 workers, 50 tasks, 25 ops per worker, 10% failures
  tasksync bench

  # Deep work under a bad network
  tasksync bench -t deep --failure-rate 0.5 --workers 64

  # Output statistics as JSON
  tasksync bench --json`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringP("type", "t", string(model.KindLight), "work type (light or deep)")
	benchCmd.Flags().Int("workers", 16, "concurrent clients")
	benchCmd.Flags().Int("tasks", 50, "tasks created before the run")
	benchCmd.Flags().Int("ops", 25, "mutations per worker")
	benchCmd.Flags().Float64("failure-rate", 0.1, "fraction of remote calls that fail (0.0-1.0)")
	benchCmd.Flags().Int64("seed", 42, "random seed for the operation mix")
	benchCmd.Flags().Bool("json", false, "output statistics as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()

	dir, err := os.MkdirTemp("", "tasksync-bench-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg := loadtest.DefaultConfig(dir)
	kind, _ := f.GetString("type")
	wt, ok := model.BuiltinWorkTypes()[model.Kind(kind)]
	if !ok {
		return fmt.Errorf("unknown work type %q", kind)
	}
	cfg.WorkType = wt
	cfg.Workers, _ = f.GetInt("workers")
	cfg.Tasks, _ = f.GetInt("tasks")
	cfg.OpsPerWorker, _ = f.GetInt("ops")
	cfg.FailureRate, _ = f.GetFloat64("failure-rate")
	cfg.Seed, _ = f.GetInt64("seed")
	jsonOutput, _ := f.GetBool("json")

	h, err := loadtest.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	if !jsonOutput {
		fmt.Printf("Running %d workers x %d ops over %d %s tasks, %.0f%% remote failures...\n\n",
			cfg.Workers, cfg.OpsPerWorker, cfg.Tasks, wt.Kind, cfg.FailureRate*100)
	}
	stats, err := h.Run(ctx)
	if err != nil {
		return err
	}
	verr := h.Verify(ctx)

	if jsonOutput {
		out := struct {
			*loadtest.LatencyStats
			Consistent bool   `json:"consistent"`
			Problem    string `json:"problem,omitempty"`
		}{LatencyStats: stats, Consistent: verr == nil}
		if verr != nil {
			out.Problem = verr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		stats.Print(os.Stdout)
	}

	if verr != nil {
		return fmt.Errorf("inconsistent after run: %w", verr)
	}
	if !jsonOutput {
		fmt.Println()
		ui.Stdout(plain).Success("cache, state and remote agree")
	}
	return nil
}
