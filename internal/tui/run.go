package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the full-screen program and blocks until the user quits. Auth
// events (sign-in from the callback server, sign-out, token refresh) are
// forwarded into the program as messages.
func Run(app *App, opts ...tea.ProgramOption) error {
	defer app.Close()
	sub := app.auth.Subscribe()
	defer sub.Close()

	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	p := tea.NewProgram(app, opts...)
	go func() {
		for event := range sub.Events {
			p.Send(authEventMsg{event: event})
		}
	}()
	_, err := p.Run()
	return err
}
