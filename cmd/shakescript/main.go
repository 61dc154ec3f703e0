// cmd/shakescript/main.go
//
// This is the entry point for the ShakeScript terminal client.
// Running `shakescript` with no arguments opens the full-screen TUI; the
// subcommands cover sign-in and the story operations for scripted use.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	homeDir string
	verbose bool

	// Built by PersistentPreRunE for every command
	env *environment
)

// rootCmd launches the TUI.
var rootCmd = &cobra.Command{
	Use:   "shakescript",
	Short: "ShakeScript - episodic story generation in the terminal",
	Long: `ShakeScript turns a prompt into an episodic story. Episodes are
generated in batches; each batch is reviewed (by you, or accepted as the AI
refined it) before the next one is requested.

Run without arguments to start the interactive interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		env, err = newEnvironment(homeDir, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if env != nil {
			env.Close()
		}
	},
	RunE: runInteractive,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "Client home directory (default: $SHAKESCRIPT_HOME or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		loginCmd,
		logoutCmd,
		whoamiCmd,
		newCmd,
		resumeCmd,
		listCmd,
		readCmd,
		deleteCmd,
		exportCmd,
		statsCmd,
	)
}

func main() {
	err := rootCmd.Execute()
	if env != nil {
		env.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
