package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/kingrea/shakescript/internal/library"
	"github.com/kingrea/shakescript/internal/story"
)

type storyDeletedMsg struct {
	view  *libraryView
	story story.Story
	err   error
}

// libraryView lists completed stories for reading and incomplete ones for
// resuming.
type libraryView struct {
	app       *App
	which     library.Collection
	search    textinput.Model
	searching bool
	genre     string
	items     []story.Story
	cursor    int
	confirm   *story.Story
	deleting  bool
}

func newLibraryView(app *App, which library.Collection) *libraryView {
	ti := textinput.New()
	ti.Prompt = "search: "
	ti.Placeholder = "title"
	ti.CharLimit = 80
	v := &libraryView{app: app, which: which, search: ti}
	v.reload()
	return v
}

func (v *libraryView) Init() tea.Cmd {
	return v.app.refreshLibrary(false)
}

func (v *libraryView) capturing() bool { return v.searching || v.confirm != nil }

// reload re-applies the filters to the cache contents.
func (v *libraryView) reload() {
	v.items = v.app.library.Filter(v.which, v.search.Value(), v.genre)
	if v.cursor >= len(v.items) {
		v.cursor = len(v.items) - 1
	}
	if v.cursor < 0 {
		v.cursor = 0
	}
}

func (v *libraryView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case storyDeletedMsg:
		if m.view != v {
			return nil
		}
		v.deleting = false
		if m.err != nil {
			v.app.statusMsg = fmt.Sprintf("Could not delete %q: %v", m.story.Title, m.err)
			v.app.logError("Delete story %d failed: %v", m.story.ID, m.err)
			return nil
		}
		v.app.statusMsg = fmt.Sprintf("Deleted %q", m.story.Title)
		v.app.logInfo("Deleted story %q", m.story.Title)
		v.reload()
		return nil
	case tea.KeyMsg:
		switch {
		case v.confirm != nil:
			return v.handleConfirmKey(m)
		case v.searching:
			return v.handleSearchKey(m)
		}
		return v.handleKey(m)
	}
	if v.searching {
		var cmd tea.Cmd
		v.search, cmd = v.search.Update(msg)
		return cmd
	}
	return nil
}

func (v *libraryView) handleKey(msg tea.KeyMsg) tea.Cmd {
	keys := v.app.keys
	switch {
	case key.Matches(msg, keys.Up):
		if v.cursor > 0 {
			v.cursor--
		}
	case key.Matches(msg, keys.Down):
		if v.cursor < len(v.items)-1 {
			v.cursor++
		}
	case key.Matches(msg, keys.Tab):
		if v.which == library.Completed {
			v.which = library.Incomplete
		} else {
			v.which = library.Completed
		}
		v.cursor = 0
		v.reload()
	case key.Matches(msg, keys.Search):
		v.searching = true
		return v.search.Focus()
	case key.Matches(msg, keys.Genre):
		v.genre = nextGenre(v.app.library.Genres(), v.genre)
		v.cursor = 0
		v.reload()
	case key.Matches(msg, keys.Refresh):
		v.app.statusMsg = "Refreshing stories..."
		return v.app.refreshLibrary(true)
	case key.Matches(msg, keys.Delete):
		if s, ok := v.current(); ok && !v.deleting {
			v.confirm = &s
		}
	case key.Matches(msg, keys.Enter):
		s, ok := v.current()
		if !ok {
			return nil
		}
		if v.which == library.Incomplete {
			return v.app.openStory(s.ID, stateRefine)
		}
		return v.app.openStory(s.ID, stateReader)
	}
	return nil
}

func (v *libraryView) handleSearchKey(msg tea.KeyMsg) tea.Cmd {
	keys := v.app.keys
	if key.Matches(msg, keys.Back) || key.Matches(msg, keys.Enter) {
		v.searching = false
		v.search.Blur()
		return nil
	}
	var cmd tea.Cmd
	v.search, cmd = v.search.Update(msg)
	v.cursor = 0
	v.reload()
	return cmd
}

// handleConfirmKey gates deletion: only y proceeds, anything else cancels.
func (v *libraryView) handleConfirmKey(msg tea.KeyMsg) tea.Cmd {
	target := *v.confirm
	v.confirm = nil
	if !key.Matches(msg, v.app.keys.Confirm) {
		v.app.statusMsg = "Delete cancelled"
		return nil
	}
	v.deleting = true
	v.app.statusMsg = fmt.Sprintf("Deleting %q...", target.Title)
	cache := v.app.library
	ctx := v.app.ctx
	return func() tea.Msg {
		return storyDeletedMsg{view: v, story: target, err: cache.Delete(ctx, target.ID)}
	}
}

func (v *libraryView) current() (story.Story, bool) {
	if v.cursor < 0 || v.cursor >= len(v.items) {
		return story.Story{}, false
	}
	return v.items[v.cursor], true
}

// nextGenre cycles "" → first genre → ... → last genre → "".
func nextGenre(genres []string, current string) string {
	if len(genres) == 0 {
		return ""
	}
	if current == "" {
		return genres[0]
	}
	for i, g := range genres {
		if strings.EqualFold(g, current) {
			if i+1 < len(genres) {
				return genres[i+1]
			}
			return ""
		}
	}
	return ""
}

func (v *libraryView) View() string {
	heading := "Library"
	empty := "No completed stories yet."
	if v.which == library.Incomplete {
		heading = "Resume a story"
		empty = "No stories in progress."
	}
	genre := v.genre
	if genre == "" {
		genre = "all genres"
	}
	filters := mutedStyle.Render(fmt.Sprintf("genre: %s", genre))
	if v.searching || v.search.Value() != "" {
		filters = v.search.View() + "  " + filters
	}
	lines := []string{titleStyle.Render(heading), filters, ""}

	width := max(20, v.app.width-rightPanelWidth(v.app.width)-16)
	if len(v.items) == 0 {
		if v.app.library.Loading() {
			lines = append(lines, mutedStyle.Render("Loading stories..."))
		} else {
			lines = append(lines, mutedStyle.Render(empty))
		}
	}
	for i, s := range v.items {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = fmt.Sprintf("Story #%d", s.ID)
		}
		row := title
		if s.Genre != "" {
			row += " · " + s.Genre
		}
		row = truncate.StringWithTail(row, uint(width), "…")
		if i == v.cursor {
			lines = append(lines, selectStyle.Render("▸ "+row))
		} else {
			lines = append(lines, "  "+row)
		}
	}
	if v.confirm != nil {
		lines = append(lines, "", errorBox.Render(fmt.Sprintf("Delete %q? This cannot be undone. (y/n)", v.confirm.Title)))
	}
	keys := v.app.keys
	action := "read"
	if v.which == library.Incomplete {
		action = "resume"
	}
	open := key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", action))
	switchList := key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch list"))
	lines = append(lines, hintStyle.Render(v.app.help.ShortHelpView([]key.Binding{
		open, keys.Search, keys.Genre, keys.Delete, switchList, keys.Refresh, keys.Back,
	})))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
