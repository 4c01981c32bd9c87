package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/session"
)

var sessionToken string

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "sync",
	Short:   "Attach or detach the signed-in user",
	Long: `Attach or detach the user whose tasks are synced.

The session is kept in the session file (session.file, default
.tasksync/session.json). A running "tasksync serve" watches the file and
reloads or resets as it changes.`,
}

var sessionAttachCmd = &cobra.Command{
	Use:   "attach [user-id]",
	Short: "Attach a user by id or access token",
	Example: `  tasksync session attach user-42
  tasksync session attach --token "$ACCESS_TOKEN"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{File: cfgFile})
		if err != nil {
			return err
		}

		var f session.File
		switch {
		case sessionToken != "":
			sub, err := session.ParseSubject(sessionToken, []byte(cfg.Session.JWTSecret))
			if err != nil {
				return err
			}
			f.AccessToken = sessionToken
			defer fmt.Printf("Attached %s\n", sub)
		case len(args) == 1:
			f.UserID = args[0]
			defer fmt.Printf("Attached %s\n", args[0])
		default:
			return fmt.Errorf("give a user id or --token")
		}

		return session.WriteFile(cfg.Session.File, f)
	},
}

var sessionDetachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach the current user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{File: cfgFile})
		if err != nil {
			return err
		}
		if err := os.Remove(cfg.Session.File); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove session file: %w", err)
		}
		fmt.Println("Detached")
		return nil
	},
}

func init() {
	sessionAttachCmd.Flags().StringVar(&sessionToken, "token", "", "JWT access token; its subject becomes the user id")

	sessionCmd.AddCommand(sessionAttachCmd, sessionDetachCmd)
	rootCmd.AddCommand(sessionCmd)
}
