package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the session, reachability and cache and queue counts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.db.Stats(ctx)
		if err != nil {
			return err
		}
		counts, err := a.queue.Counts(ctx)
		if err != nil {
			return err
		}

		user, _ := a.session.UserID()
		a.out.Status(stats, counts, user, a.remoteUp && a.probe.IsLikelyReachable())
		if !a.remoteUp {
			a.out.Warn("no remote configured or reachable; changes stay local")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
