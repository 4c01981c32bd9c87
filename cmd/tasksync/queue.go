package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/tasksync/internal/queue"
)

var (
	queueAll    bool
	queueLimit  int
	queueOutput string
	pruneAge    time.Duration
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect the pending-mutation queue",
}

// queueReport is the machine-readable form of "queue list".
type queueReport struct {
	Entries []queue.Entry  `json:"entries" yaml:"entries"`
	Counts  []queue.Counts `json:"counts" yaml:"counts"`
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `List the mutations that could not be confirmed by the remote, oldest
first. Use --all to include entries that have since been confirmed.`,
	Example: `  tasksync queue list
  tasksync queue list -t deep --all -o yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		kind, _ := cmd.Flags().GetString("type")
		entries, err := a.queue.List(ctx, queue.Filter{
			WorkType:      kind,
			IncludeSynced: queueAll,
			Limit:         queueLimit,
		})
		if err != nil {
			return err
		}

		switch queueOutput {
		case "table", "":
			a.out.Queue(entries)
			return nil
		case "json", "yaml":
		default:
			return fmt.Errorf("unknown output %q (want table, json or yaml)", queueOutput)
		}

		counts, err := a.queue.Counts(ctx)
		if err != nil {
			return err
		}
		report := queueReport{Entries: entries, Counts: counts}
		if queueOutput == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode queue: %w", err)
		}
		return enc.Close()
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete confirmed entries older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.Prune(ctx, time.Now().Add(-pruneAge))
		if err != nil {
			return err
		}
		a.out.Success("Pruned %d confirmed entr%s", n, plural(n, "y", "ies"))
		return nil
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	f := queueListCmd.Flags()
	f.StringP("type", "t", "", "only this work type")
	f.BoolVar(&queueAll, "all", false, "include confirmed entries")
	f.IntVarP(&queueLimit, "limit", "n", 0, "maximum entries (0 for all)")
	f.StringVarP(&queueOutput, "output", "o", "table", "table, json or yaml")

	queuePruneCmd.Flags().DurationVar(&pruneAge, "older-than", 7*24*time.Hour, "minimum age of pruned entries")

	queueCmd.AddCommand(queueListCmd, queuePruneCmd)
	rootCmd.AddCommand(queueCmd)
}
