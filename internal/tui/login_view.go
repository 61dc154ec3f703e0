package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/kingrea/shakescript/internal/callback"
)

type loginStartedMsg struct {
	view    *loginView
	attempt *callback.Attempt
	err     error
}

type browserOpenedMsg struct{ err error }

type loginView struct {
	app     *App
	spinner spinner.Model
	attempt *callback.Attempt
	err     error
	note    string
}

func newLoginView(app *App) *loginView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(accentColor)
	return &loginView{app: app, spinner: s}
}

func (v *loginView) Init() tea.Cmd {
	return tea.Batch(v.spinner.Tick, v.begin())
}

func (v *loginView) begin() tea.Cmd {
	signIn := v.app.signIn
	ctx := v.app.ctx
	if signIn == nil {
		v.err = fmt.Errorf("sign-in is not configured")
		return nil
	}
	return func() tea.Msg {
		attempt, err := signIn(ctx)
		return loginStartedMsg{view: v, attempt: attempt, err: err}
	}
}

func (v *loginView) capturing() bool { return false }

func (v *loginView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case loginStartedMsg:
		if m.err != nil {
			v.err = m.err
			v.app.logError("Sign-in unavailable: %v", m.err)
			return nil
		}
		v.err = nil
		v.attempt = m.attempt
		v.app.logInfo("Waiting for sign-in")
		return nil
	case browserOpenedMsg:
		if m.err != nil {
			v.note = fmt.Sprintf("Could not open a browser: %v", m.err)
		} else {
			v.note = "Browser opened. Finish signing in there."
		}
		return nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return cmd
	case tea.KeyMsg:
		switch {
		case key.Matches(m, v.app.keys.Open):
			if v.attempt == nil {
				return nil
			}
			open := v.app.openURL
			url := v.attempt.URL
			return func() tea.Msg { return browserOpenedMsg{err: open(url)} }
		case key.Matches(m, v.app.keys.Enter), key.Matches(m, v.app.keys.Retry):
			if v.err != nil && v.attempt == nil {
				v.err = nil
				return v.begin()
			}
		}
	}
	return nil
}

func (v *loginView) View() string {
	width := max(40, v.app.width-8)
	var b strings.Builder
	b.WriteString(titleStyle.Render("Sign in"))
	b.WriteString("\n\n")
	switch {
	case v.err != nil:
		b.WriteString(errorBox.Render(wordwrap.String(v.err.Error(), width-4)))
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("enter → try again    q → quit"))
	case v.attempt == nil:
		b.WriteString(v.spinner.View() + " Preparing sign-in...")
	default:
		b.WriteString("Open this link to sign in with Google:\n\n")
		b.WriteString(lipgloss.NewStyle().Foreground(headColor).Underline(true).Render(v.attempt.URL))
		b.WriteString("\n\n")
		b.WriteString(v.spinner.View() + " Waiting for the provider to redirect back...")
		if v.note != "" {
			b.WriteString("\n" + mutedStyle.Render(v.note))
		}
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("o → open browser    q → quit"))
	}
	return b.String()
}

func (v *loginView) close() {
	closeAttempt(v.attempt)
	v.attempt = nil
}

func closeAttempt(attempt *callback.Attempt) {
	if attempt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = attempt.Close(ctx)
}
