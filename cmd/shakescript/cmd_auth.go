package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/shakescript/internal/auth"
	"github.com/kingrea/shakescript/internal/callback"
)

var (
	loginNoBrowser bool
	loginTimeout   time.Duration
)

// loginCmd signs in through the browser
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with Google",
	Long: `Starts a loopback listener, opens the provider's sign-in page and waits
for the redirect. The session is saved in the client home directory and
refreshed automatically while the refresh token stays valid.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

// logoutCmd forgets the stored session
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and delete the stored session",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

// whoamiCmd prints the signed-in account
var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func init() {
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the sign-in link without opening a browser")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "How long to wait for the provider redirect")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attempt, err := env.beginSignIn(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = attempt.Close(closeCtx)
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open this link to sign in:\n\n  %s\n\n", attempt.URL)
	if !loginNoBrowser {
		if err := callback.OpenBrowser(attempt.URL); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Could not open a browser: %v\n", err)
		}
	}
	fmt.Fprintln(out, "Waiting for the provider to redirect back...")

	timer := time.NewTimer(loginTimeout)
	defer timer.Stop()
	select {
	case <-attempt.Done():
	case <-timer.C:
		return fmt.Errorf("sign-in timed out after %s", loginTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	env.journal.Info("Signed in as %s", accountName(env.store))
	fmt.Fprintf(out, "Signed in as %s\n", accountName(env.store))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := env.store.Load(ctx); err != nil {
		env.logger.Named("cli").Debug("logout with unreadable session", zap.Error(err))
	}
	if env.store.State() != auth.StateAuthenticated {
		fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
		return nil
	}
	if err := env.store.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	if err := env.requireSession(cmd.Context()); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, accountName(env.store))
	if profile := env.store.Profile(); profile != nil {
		if profile.Email != "" && !strings.EqualFold(profile.Email, accountName(env.store)) {
			fmt.Fprintln(out, profile.Email)
		}
		if profile.IsPremium {
			fmt.Fprintln(out, "premium")
		}
	}
	return nil
}

// accountName prefers the profile name, then the token's email.
func accountName(store *auth.Store) string {
	if profile := store.Profile(); profile != nil {
		if name := strings.TrimSpace(profile.Name); name != "" {
			return name
		}
		if profile.Email != "" {
			return profile.Email
		}
	}
	if session := store.Session(); session != nil && session.Email != "" {
		return session.Email
	}
	return "unknown user"
}
