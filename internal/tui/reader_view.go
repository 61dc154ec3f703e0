package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/paginator"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/kingrea/shakescript/internal/export"
	"github.com/kingrea/shakescript/internal/story"
)

type exportDoneMsg struct {
	view *readerView
	path string
	err  error
}

type summaryUpdatedMsg struct {
	view    *readerView
	summary string
	err     error
}

// readerView pages through a story one episode at a time.
type readerView struct {
	app      *App
	details  story.Details
	pager    paginator.Model
	viewport viewport.Model

	renderer      *glamour.TermRenderer
	rendererWidth int
	busy          bool
}

func newReaderView(app *App, details story.Details) *readerView {
	details.Episodes = append([]story.Episode(nil), details.Episodes...)
	story.SortEpisodes(details.Episodes)
	p := paginator.New()
	p.Type = paginator.Dots
	p.PerPage = 1
	p.SetTotalPages(len(details.Episodes))
	v := &readerView{
		app:      app,
		details:  details,
		pager:    p,
		viewport: viewport.New(60, 12),
	}
	v.resize(app.width, app.height)
	return v
}

func (v *readerView) Init() tea.Cmd { return nil }

func (v *readerView) capturing() bool { return false }

func (v *readerView) resize(width, height int) {
	if width <= 0 {
		width = 100
	}
	if height <= 0 {
		height = 40
	}
	v.viewport.Width = max(30, width-rightPanelWidth(width)-10)
	v.viewport.Height = max(8, height-26)
	v.render()
}

// Page is the zero-based episode index being shown.
func (v *readerView) Page() int { return v.pager.Page }

func (v *readerView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		v.resize(m.Width, m.Height)
		return nil
	case exportDoneMsg:
		if m.view != v {
			return nil
		}
		v.busy = false
		if m.err != nil {
			v.app.statusMsg = fmt.Sprintf("Export failed: %v", m.err)
			v.app.logError("PDF export failed: %v", m.err)
			return nil
		}
		v.app.statusMsg = "Saved " + m.path
		v.app.logInfo("Exported %q to %s", v.details.Title, m.path)
		return nil
	case summaryUpdatedMsg:
		if m.view != v {
			return nil
		}
		v.busy = false
		if m.err != nil {
			v.app.statusMsg = fmt.Sprintf("Summary update failed: %v", m.err)
			v.app.logError("Summary update failed: %v", m.err)
			return nil
		}
		v.details.Summary = m.summary
		v.app.statusMsg = "Summary updated"
		return nil
	case tea.KeyMsg:
		return v.handleKey(m)
	}
	var cmd tea.Cmd
	v.viewport, cmd = v.viewport.Update(msg)
	return cmd
}

func (v *readerView) handleKey(msg tea.KeyMsg) tea.Cmd {
	keys := v.app.keys
	switch {
	case key.Matches(msg, keys.Left):
		if !v.pager.OnFirstPage() {
			v.pager.PrevPage()
			v.render()
		}
		return nil
	case key.Matches(msg, keys.Right):
		if !v.pager.OnLastPage() {
			v.pager.NextPage()
			v.render()
		}
		return nil
	case key.Matches(msg, keys.Export):
		if v.busy {
			return nil
		}
		v.busy = true
		v.app.statusMsg = "Exporting PDF..."
		dir := v.app.config.ExportsDir()
		details := v.details
		return func() tea.Msg {
			path, err := export.WriteFile(dir, details)
			return exportDoneMsg{view: v, path: path, err: err}
		}
	case key.Matches(msg, keys.Summary):
		if v.busy {
			return nil
		}
		v.busy = true
		v.app.statusMsg = "Updating summary..."
		backend := v.app.backend
		ctx := v.app.ctx
		id := v.details.ID
		return func() tea.Msg {
			summary, err := backend.UpdateSummary(ctx, id)
			return summaryUpdatedMsg{view: v, summary: summary, err: err}
		}
	}
	var cmd tea.Cmd
	v.viewport, cmd = v.viewport.Update(msg)
	return cmd
}

func (v *readerView) current() (story.Episode, bool) {
	i := v.pager.Page
	if i < 0 || i >= len(v.details.Episodes) {
		return story.Episode{}, false
	}
	return v.details.Episodes[i], true
}

// render lays the current episode out as markdown through glamour.
func (v *readerView) render() {
	ep, ok := v.current()
	if !ok {
		v.viewport.SetContent(mutedStyle.Render("This story has no episodes yet."))
		return
	}
	md := fmt.Sprintf("## Chapter %d: %s\n\n%s\n", ep.Number, strings.TrimSpace(ep.Title), strings.TrimSpace(ep.Content))
	width := max(20, v.viewport.Width-2)
	out, err := v.markdown(md, width)
	if err != nil {
		v.app.logWarn("Markdown rendering failed: %v", err)
		out = wordwrap.String(md, width)
	}
	v.viewport.SetContent(out)
	v.viewport.GotoTop()
}

func (v *readerView) markdown(md string, width int) (string, error) {
	if v.renderer == nil || v.rendererWidth != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return "", err
		}
		v.renderer = r
		v.rendererWidth = width
	}
	return v.renderer.Render(md)
}

func (v *readerView) View() string {
	title := strings.TrimSpace(v.details.Title)
	if title == "" {
		title = "Untitled story"
	}
	lines := []string{titleStyle.Render(title)}
	if summary := strings.TrimSpace(v.details.Summary); summary != "" {
		lines = append(lines, mutedStyle.Render(wordwrap.String(summary, max(20, v.viewport.Width))))
	}
	total := len(v.details.Episodes)
	position := "no episodes"
	if total > 0 {
		position = fmt.Sprintf("Episode %d of %d", v.pager.Page+1, total)
	}
	lines = append(lines, "", v.viewport.View(), v.pager.View()+"  "+mutedStyle.Render(position))
	keys := v.app.keys
	lines = append(lines, hintStyle.Render(v.app.help.ShortHelpView([]key.Binding{
		keys.Left, keys.Right, keys.Export, keys.Summary, keys.Back,
	})))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
