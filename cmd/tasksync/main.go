package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

var (
	cfgFile string
	offline bool
	plain   bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first task sync for light and deep work",
	Long: `tasksync keeps a local cache of your light and deep work tasks and syncs
them with a remote store when one is configured and reachable.

Every change is applied locally first. Changes that cannot reach the remote
are kept in a durable queue (see "tasksync queue list").

Configuration is read from .tasksync/config.yaml, TASKSYNC_* environment
variables and .env, in that order of increasing precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default .tasksync/config.yaml)")
	pf.BoolVar(&offline, "offline", false, "never call the remote; queue every change")
	pf.BoolVar(&plain, "plain", false, "disable colored output")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		ui.New(os.Stderr, plain).Error(err)
		os.Exit(1)
	}
}
