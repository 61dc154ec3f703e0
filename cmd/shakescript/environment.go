package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/shakescript/internal/api"
	"github.com/kingrea/shakescript/internal/auth"
	"github.com/kingrea/shakescript/internal/callback"
	"github.com/kingrea/shakescript/internal/config"
	"github.com/kingrea/shakescript/internal/library"
	"github.com/kingrea/shakescript/internal/logbook"
	"github.com/kingrea/shakescript/internal/logging"
	"github.com/kingrea/shakescript/internal/story"
)

// environment holds the collaborators every command shares.
type environment struct {
	cfg      *config.Config
	logger   *logging.Logger
	journal  *logbook.Logbook
	provider *auth.HTTPProvider
	store    *auth.Store
	client   *api.Client
	library  *library.Cache

	closeOnce sync.Once
}

func newEnvironment(home string, verbose bool) (*environment, error) {
	home = strings.TrimSpace(home)
	if home == "" {
		var err error
		home, err = config.DefaultHome()
		if err != nil {
			return nil, err
		}
	}
	if err := config.InitHome(home); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", home, err)
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Client.Log.Level = "debug"
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	journal, err := logbook.Open(cfg.LogsDir())
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	env := &environment{cfg: cfg, logger: logger, journal: journal}
	env.provider = auth.NewHTTPProvider(cfg.Client.Auth.URL, nil)
	env.store = auth.NewStore(cfg.SessionPath(),
		auth.WithProvider(env.provider),
		auth.WithProfileLoader(auth.ProfileFunc(env.profile)),
		auth.WithLogger(logger.Named("auth")),
		auth.WithSignOutHook(func() { journal.Info("Signed out") }),
	)
	env.client = api.NewClient(cfg.BackendURL(), env.store,
		api.WithTimeout(cfg.Client.Backend.Timeout.Std()),
		api.WithLogger(logger.Named("api")),
		api.WithUnauthenticatedHook(env.expireSession),
	)
	env.library = library.New(env.client,
		library.WithTTL(cfg.Client.Library.CacheTTL.Std()),
		library.WithLogger(logger.Named("library")),
	)
	logger.Zap().Info("environment ready",
		zap.String("home", home),
		zap.String("backend", cfg.BackendURL()),
		zap.Stringer("level", logger.Level()))
	return env, nil
}

// profile loads the public user row through the dashboard endpoint.
func (e *environment) profile(ctx context.Context) (*story.Profile, error) {
	dash, err := e.client.Dashboard(ctx)
	if err != nil {
		return nil, err
	}
	return &dash.User, nil
}

// expireSession drops a session the backend no longer accepts. Subscribers
// (the TUI) see a sign-out and return to the login screen.
func (e *environment) expireSession() {
	if e.store.State() != auth.StateAuthenticated {
		return
	}
	e.journal.Warn("Session rejected by the backend")
	_ = e.store.Apply(context.Background(), auth.Event{Type: auth.EventSignedOut})
}

// beginSignIn starts the loopback listener and returns the URL to open.
func (e *environment) beginSignIn(ctx context.Context) (*callback.Attempt, error) {
	return callback.Begin(ctx, callback.SettingsFromConfig(e.cfg), e.provider,
		callback.WithSink(e.store),
		callback.WithLogger(e.logger.Named("callback")),
	)
}

// requireSession loads the persisted session for commands that call the
// backend.
func (e *environment) requireSession(ctx context.Context) error {
	if err := e.store.Load(ctx); err != nil {
		return err
	}
	if e.store.State() != auth.StateAuthenticated {
		return fmt.Errorf("not signed in: run `shakescript login` first")
	}
	return nil
}

// Close flushes the log file.
func (e *environment) Close() {
	e.closeOnce.Do(func() {
		_ = e.logger.Close()
	})
}
