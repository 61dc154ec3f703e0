package main

import (
	"github.com/spf13/cobra"

	"github.com/kingrea/shakescript/internal/tui"
)

// runInteractive opens the full-screen client.
func runInteractive(cmd *cobra.Command, args []string) error {
	app, err := tui.NewApp(tui.Deps{
		Config:  env.cfg,
		Backend: env.client,
		Auth:    env.store,
		Library: env.library,
		Logbook: env.journal,
		Logger:  env.logger,
		SignIn:  env.beginSignIn,
	})
	if err != nil {
		return err
	}
	if err := tui.Run(app); err != nil {
		return err
	}
	env.journal.Info("Session closed")
	return nil
}
