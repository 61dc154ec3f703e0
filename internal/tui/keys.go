package tui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
)

var (
	accentColor = lipgloss.Color("#FF6B6B")
	headColor   = lipgloss.Color("#5B8DEF")
	borderColor = lipgloss.Color("#444444")
	mutedColor  = lipgloss.Color("#888888")
	softColor   = lipgloss.Color("#AAAAAA")
	okColor     = lipgloss.Color("#4CAF50")
	warnColor   = lipgloss.Color("#F7B801")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(headColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	hintStyle   = lipgloss.NewStyle().Foreground(softColor).MarginTop(1)
	errorStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(okColor).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(borderColor).Padding(0, 1)
	selectStyle = lipgloss.NewStyle().Bold(true).Foreground(headColor)
	errorBox    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accentColor).Padding(0, 1)
)

type keyMap struct {
	Quit     key.Binding
	Back     key.Binding
	Up       key.Binding
	Down     key.Binding
	Left     key.Binding
	Right    key.Binding
	Enter    key.Binding
	Tab      key.Binding
	Toggle   key.Binding
	Submit   key.Binding
	Validate key.Binding
	Refine   key.Binding
	Edit     key.Binding
	Skip     key.Binding
	Retry    key.Binding
	Search   key.Binding
	Genre    key.Binding
	Delete   key.Binding
	Confirm  key.Binding
	Refresh  key.Binding
	Export   key.Binding
	Summary  key.Binding
	Open     key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit:     key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
		Back:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Left:     key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "prev")),
		Right:    key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "next")),
		Enter:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select")),
		Tab:      key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next field")),
		Toggle:   key.NewBinding(key.WithKeys(" "), key.WithHelp("space", "toggle")),
		Submit:   key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "submit")),
		Validate: key.NewBinding(key.WithKeys("v", "enter"), key.WithHelp("v", "validate & continue")),
		Refine:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "submit feedback")),
		Edit:     key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit feedback")),
		Skip:     key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "skip typing")),
		Retry:    key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "retry")),
		Search:   key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "search")),
		Genre:    key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "genre")),
		Delete:   key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete")),
		Confirm:  key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "confirm")),
		Refresh:  key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "refresh")),
		Export:   key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "export pdf")),
		Summary:  key.NewBinding(key.WithKeys("S"), key.WithHelp("S", "update summary")),
		Open:     key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "open browser")),
	}
}
