package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/shakescript/internal/story"
)

type dashboardMsg struct {
	view      *statsView
	dashboard story.Dashboard
	err       error
}

type statsView struct {
	app       *App
	spinner   spinner.Model
	bar       progress.Model
	dashboard *story.Dashboard
	err       error
}

func newStatsView(app *App) *statsView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &statsView{
		app:     app,
		spinner: s,
		bar:     progress.New(progress.WithSolidFill(string(headColor)), progress.WithoutPercentage(), progress.WithWidth(24)),
	}
}

func (v *statsView) Init() tea.Cmd {
	backend := v.app.backend
	ctx := v.app.ctx
	return tea.Batch(v.spinner.Tick, func() tea.Msg {
		dash, err := backend.Dashboard(ctx)
		return dashboardMsg{view: v, dashboard: dash, err: err}
	})
}

func (v *statsView) capturing() bool { return false }

func (v *statsView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case dashboardMsg:
		if m.view != v {
			return nil
		}
		if m.err != nil {
			v.err = m.err
			v.app.logError("Dashboard unavailable: %v", m.err)
			return nil
		}
		v.err = nil
		dash := m.dashboard
		v.dashboard = &dash
		return nil
	case spinner.TickMsg:
		if v.dashboard != nil || v.err != nil {
			return nil
		}
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return cmd
	}
	return nil
}

func (v *statsView) View() string {
	lines := []string{titleStyle.Render("Dashboard"), ""}
	switch {
	case v.err != nil:
		lines = append(lines, errorBox.Render(fmt.Sprintf("Could not load your dashboard: %v", v.err)))
	case v.dashboard == nil:
		lines = append(lines, v.spinner.View()+" Loading stats...")
	default:
		lines = append(lines, v.renderProfile(v.dashboard), "", v.renderStats(v.dashboard.Stats))
		if recent := v.renderRecent(v.dashboard.RecentStories); recent != "" {
			lines = append(lines, "", recent)
		}
	}
	lines = append(lines, hintStyle.Render(v.app.help.ShortHelpView([]key.Binding{v.app.keys.Back})))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (v *statsView) renderProfile(dash *story.Dashboard) string {
	user := dash.User
	name := strings.TrimSpace(user.Name)
	if name == "" {
		name = user.Email
	}
	head := lipgloss.NewStyle().Bold(true).Render(name)
	if dash.PremiumStatus || user.IsPremium {
		head += " " + warnStyle.Render("★ premium")
	}
	lines := []string{head}
	if user.Email != "" && user.Email != name {
		lines = append(lines, mutedStyle.Render(user.Email))
	}
	if !user.CreatedAt.IsZero() {
		lines = append(lines, mutedStyle.Render("member since "+user.CreatedAt.Format("Jan 2, 2006")))
	}
	return strings.Join(lines, "\n")
}

// renderStats draws one bar per counter, scaled to the largest value.
func (v *statsView) renderStats(stats story.Stats) string {
	rows := []struct {
		label string
		value int
	}{
		{"Stories", stats.TotalStories},
		{"Completed", stats.CompletedStories},
		{"In progress", stats.InProgressStories},
		{"Episodes", stats.TotalEpisodes},
		{"Episodes today", stats.EpisodesDayCount},
		{"Episodes this month", stats.EpisodesMonthCount},
	}
	peak := 1
	for _, r := range rows {
		peak = max(peak, r.value)
	}
	lines := make([]string, 0, len(rows)+2)
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%-20s %s %d", r.label, v.bar.ViewAs(float64(r.value)/float64(peak)), r.value))
	}
	lines = append(lines, "", mutedStyle.Render(fmt.Sprintf("Account age: %d days", stats.AccountAgeDays)))
	if stats.LastActive != nil {
		lines = append(lines, mutedStyle.Render("Last active: "+stats.LastActive.Format("Jan 2, 2006 15:04")))
	}
	return strings.Join(lines, "\n")
}

func (v *statsView) renderRecent(recent []story.RecentStory) string {
	if len(recent) == 0 {
		return ""
	}
	lines := []string{titleStyle.Render("Recent stories")}
	for _, r := range recent {
		mark := mutedStyle.Render("…")
		if r.IsCompleted {
			mark = okStyle.Render("✓")
		}
		line := fmt.Sprintf("%s %s", mark, strings.TrimSpace(r.Title))
		if r.Genre != "" {
			line += mutedStyle.Render(" · " + r.Genre)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
