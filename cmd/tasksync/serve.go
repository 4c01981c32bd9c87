package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/daemon"
	"github.com/mschirtzinger/tasksync/internal/dashboard"
	"github.com/mschirtzinger/tasksync/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon with the HTTP API and WebSocket dashboard",
	Long: `Run the sync daemon in the foreground.

The daemon loads today's tasks of every work type when a user is attached,
reloads when the network comes back and every sync.refresh_interval, and
resets when the user detaches. The session file is watched unless the
configuration names the user.

The HTTP API is served under /api, published states are broadcast on the
/ws WebSocket, and /health reports liveness.`,
	Example: `  tasksync serve
  tasksync serve --port 9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if !verbose {
			gin.SetMode(gin.ReleaseMode)
		}

		port := a.cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		logger := a.logs.Logger("dashboard")
		server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
		handler := dashboard.NewHandler(server, a.queue, logger, a.all()...)
		handler.Register(server.Engine())
		handler.Forward(ctx)

		if !a.explicitUser() {
			watcher, err := session.NewWatcher(a.session, a.cfg.Session.File, a.logs.Logger("session"))
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()
		}

		services := make([]daemon.Service, 0, len(a.order))
		for _, svc := range a.all() {
			services = append(services, svc)
		}
		coordinator, err := daemon.NewWithConfig(a.session, a.probe, &daemon.Config{
			RefreshInterval: a.cfg.Sync.RefreshInterval,
			ProbeInterval:   a.cfg.Sync.ProbeInterval,
			Logger:          a.logs.Logger("daemon"),
		}, services...)
		if err != nil {
			return err
		}

		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()

		addr := server.Addr()
		fmt.Printf("Serving on http://%s\n", addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Println("Press Ctrl+C to stop...")

		return coordinator.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on (default server.port)")
	rootCmd.AddCommand(serveCmd)
}
