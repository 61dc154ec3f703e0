package callback

import (
	"context"
	"fmt"
)

// URLBuilder produces the provider page the user signs in on.
type URLBuilder interface {
	SignInURL(redirectTo, state string) string
}

// Attempt is one interactive sign-in: a running callback server and the URL
// that leads back to it.
type Attempt struct {
	URL    string
	server *Server
}

// Begin starts a callback server and returns the sign-in URL bound to its
// redirect and state. Close the attempt once Done fires or the user gives up.
func Begin(ctx context.Context, settings Settings, builder URLBuilder, opts ...Option) (*Attempt, error) {
	if builder == nil {
		return nil, fmt.Errorf("callback: sign-in url builder is nil")
	}
	server := NewServer(settings, opts...)
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	return &Attempt{
		URL:    builder.SignInURL(server.RedirectURL(), server.State()),
		server: server,
	}, nil
}

// Done is closed after the provider redirect delivered a session.
func (a *Attempt) Done() <-chan struct{} {
	return a.server.Done()
}

// Server exposes the underlying callback server.
func (a *Attempt) Server() *Server {
	return a.server
}

// Close shuts the callback server down.
func (a *Attempt) Close(ctx context.Context) error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
