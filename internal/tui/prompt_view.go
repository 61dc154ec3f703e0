package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/shakescript/internal/story"
)

const (
	defaultEpisodes  = 5
	defaultBatchSize = 2
)

type promptField int

const (
	fieldPrompt promptField = iota
	fieldEpisodes
	fieldBatch
	fieldMode
	fieldHinglish
	fieldSubmit
	fieldCount
)

type storyCreatedMsg struct {
	view    *promptView
	details story.Details
	err     error
}

type promptView struct {
	app        *App
	prompt     textarea.Model
	spinner    spinner.Model
	episodes   int
	batchSize  int
	mode       story.RefinementMode
	hinglish   bool
	focus      promptField
	err        string
	submitting bool
}

func newPromptView(app *App) *promptView {
	ta := textarea.New()
	ta.Placeholder = "Describe your story idea..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 4000
	ta.SetHeight(5)
	ta.SetWidth(max(30, app.width-12))
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &promptView{
		app:       app,
		prompt:    ta,
		spinner:   s,
		episodes:  defaultEpisodes,
		batchSize: defaultBatchSize,
		mode:      story.ModeAI,
		hinglish:  app.config.Client.Refinement.Hinglish,
	}
}

func (v *promptView) Init() tea.Cmd {
	return v.prompt.Focus()
}

// capturing is always true: the form handles esc itself so typed letters
// never trigger global keys.
func (v *promptView) capturing() bool { return true }

func (v *promptView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		v.prompt.SetWidth(max(30, m.Width-12))
		return nil
	case storyCreatedMsg:
		return v.handleCreated(m)
	case spinner.TickMsg:
		if !v.submitting {
			return nil
		}
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return cmd
	case tea.KeyMsg:
		return v.handleKey(m)
	}
	if v.focus == fieldPrompt {
		var cmd tea.Cmd
		v.prompt, cmd = v.prompt.Update(msg)
		return cmd
	}
	return nil
}

func (v *promptView) handleKey(msg tea.KeyMsg) tea.Cmd {
	keys := v.app.keys
	if v.submitting {
		return nil
	}
	switch {
	case key.Matches(msg, keys.Back):
		_, cmd := v.app.returnToMainMenu()
		return cmd
	case key.Matches(msg, keys.Submit):
		return v.submit()
	case key.Matches(msg, keys.Tab):
		return v.setFocus((v.focus + 1) % fieldCount)
	case msg.String() == "shift+tab":
		return v.setFocus((v.focus + fieldCount - 1) % fieldCount)
	}

	switch v.focus {
	case fieldPrompt:
		var cmd tea.Cmd
		v.prompt, cmd = v.prompt.Update(msg)
		if v.err != "" && strings.TrimSpace(v.prompt.Value()) != "" {
			v.err = ""
		}
		return cmd
	case fieldEpisodes:
		v.setEpisodes(v.episodes + step(msg, keys))
	case fieldBatch:
		v.batchSize = story.ClampBatchSize(v.batchSize+step(msg, keys), v.episodes)
	case fieldMode:
		if toggles(msg, keys) {
			v.mode = v.mode.Toggle()
		}
	case fieldHinglish:
		if toggles(msg, keys) {
			v.hinglish = !v.hinglish
			if err := v.app.config.SetHinglish(v.hinglish); err != nil {
				v.app.logWarn("Saving Hinglish preference failed: %v", err)
			}
		}
	case fieldSubmit:
		if key.Matches(msg, keys.Enter) || key.Matches(msg, keys.Toggle) {
			return v.submit()
		}
	}
	return nil
}

// step maps arrow and +/- keys to a counter delta.
func step(msg tea.KeyMsg, keys keyMap) int {
	switch {
	case key.Matches(msg, keys.Right), key.Matches(msg, keys.Up), msg.String() == "+", msg.String() == "=":
		return 1
	case key.Matches(msg, keys.Left), key.Matches(msg, keys.Down), msg.String() == "-":
		return -1
	}
	return 0
}

func toggles(msg tea.KeyMsg, keys keyMap) bool {
	return key.Matches(msg, keys.Toggle) || key.Matches(msg, keys.Enter) ||
		key.Matches(msg, keys.Left) || key.Matches(msg, keys.Right)
}

func (v *promptView) setEpisodes(n int) {
	v.episodes = story.ClampEpisodes(n)
	v.batchSize = story.ClampBatchSize(v.batchSize, v.episodes)
}

func (v *promptView) setFocus(field promptField) tea.Cmd {
	v.focus = field
	if field == fieldPrompt {
		return v.prompt.Focus()
	}
	v.prompt.Blur()
	return nil
}

func (v *promptView) request() story.CreateRequest {
	req := story.CreateRequest{
		Prompt:      v.prompt.Value(),
		NumEpisodes: v.episodes,
		Refinement:  v.mode,
		BatchSize:   v.batchSize,
		Hinglish:    v.hinglish,
	}
	req.Normalize()
	return req
}

func (v *promptView) submit() tea.Cmd {
	req := v.request()
	if err := req.Validate(); err != nil {
		v.err = "Please enter a story prompt."
		return v.setFocus(fieldPrompt)
	}
	v.err = ""
	v.submitting = true
	v.app.statusMsg = "Creating story..."
	backend := v.app.backend
	ctx := v.app.ctx
	return tea.Batch(v.spinner.Tick, func() tea.Msg {
		details, err := backend.CreateStory(ctx, req)
		return storyCreatedMsg{view: v, details: details, err: err}
	})
}

func (v *promptView) handleCreated(msg storyCreatedMsg) tea.Cmd {
	if msg.view != v {
		return nil
	}
	v.submitting = false
	if msg.err != nil {
		if errors.Is(msg.err, story.ErrEmptyPrompt) {
			v.err = "Please enter a story prompt."
		} else {
			v.err = fmt.Sprintf("Could not create story: %v", msg.err)
		}
		v.app.statusMsg = ""
		v.app.logError("Create story failed: %v", msg.err)
		return nil
	}
	v.app.statusMsg = ""
	v.app.library.Add(msg.details.AsSummary())
	_, cmd := v.app.startRefinement(msg.details, false)
	return cmd
}

func (v *promptView) View() string {
	label := func(field promptField, text string) string {
		if v.focus == field {
			return selectStyle.Render("› " + text)
		}
		return "  " + text
	}
	check := "[ ]"
	if v.hinglish {
		check = "[x]"
	}
	button := boxStyle.Render("Generate story")
	if v.focus == fieldSubmit {
		button = boxStyle.BorderForeground(accentColor).Bold(true).Render("Generate story")
	}

	lines := []string{
		titleStyle.Render("Create Your Story"),
		mutedStyle.Render("What kind of story do you want?"),
		v.prompt.View(),
		"",
		fmt.Sprintf("%s  ‹ %d ›", label(fieldEpisodes, "Episodes:  "), v.episodes),
		fmt.Sprintf("%s  ‹ %d ›", label(fieldBatch, "Batch size:"), v.batchSize),
		fmt.Sprintf("%s  %s", label(fieldMode, "Refinement:"), v.mode.FriendlyName()),
		fmt.Sprintf("%s  %s", label(fieldHinglish, "Hinglish:  "), check),
		"",
		button,
	}
	if v.submitting {
		lines = append(lines, v.spinner.View()+" Generating your story...")
	}
	if v.err != "" {
		lines = append(lines, errorStyle.Render(v.err))
	}
	keys := v.app.keys
	lines = append(lines, hintStyle.Render(v.app.help.ShortHelpView([]key.Binding{keys.Tab, keys.Submit, keys.Back})))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
