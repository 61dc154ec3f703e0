package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/kingrea/shakescript/internal/refinement"
	"github.com/kingrea/shakescript/internal/story"
)

type refineOp int

const (
	opStart refineOp = iota
	opGenerate
	opRefine
	opValidate
)

func (o refineOp) String() string {
	switch o {
	case opStart:
		return "start"
	case opGenerate:
		return "generate"
	case opRefine:
		return "refine"
	case opValidate:
		return "validate"
	default:
		return "unknown"
	}
}

type refineResultMsg struct {
	machine *refinement.Machine
	op      refineOp
	outcome refinement.Outcome
	err     error
}

type settleMsg struct{ machine *refinement.Machine }

type typingTickMsg struct {
	machine *refinement.Machine
	number  int
}

type refineView struct {
	app      *App
	machine  *refinement.Machine
	spinner  spinner.Model
	bar      progress.Model
	viewport viewport.Model
	feedback textarea.Model
	editing  bool
	selected int

	typingNumber int
	typed        int
	typingTotal  int
	note         string
}

func newRefineView(app *App, details story.Details, resume bool) *refineView {
	cfg := app.config.Client.Refinement
	opts := []refinement.Option{
		refinement.WithHinglish(cfg.Hinglish),
		refinement.WithSettleDelay(cfg.SettleDelay.Std()),
		refinement.WithOnComplete(app.storyCompleted),
		refinement.WithLogger(app.logger.Named("refinement")),
	}
	if resume {
		opts = append(opts, refinement.WithInitialBatch(refinement.ResumeBatch(details)))
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(accentColor)
	ta := textarea.New()
	ta.Placeholder = "What should change in this episode?"
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	v := &refineView{
		app:      app,
		machine:  refinement.New(app.ctx, app.backend, details, opts...),
		spinner:  s,
		bar:      progress.New(progress.WithDefaultGradient()),
		viewport: viewport.New(60, 10),
		feedback: ta,
	}
	v.resize(app.width, app.height)
	return v
}

func (v *refineView) Init() tea.Cmd {
	return tea.Batch(v.spinner.Tick, v.run(opStart))
}

func (v *refineView) capturing() bool { return v.editing }

func (v *refineView) close() {
	v.machine.Close()
}

func (v *refineView) resize(width, height int) {
	if width <= 0 {
		width = 100
	}
	if height <= 0 {
		height = 40
	}
	inner := max(30, width-rightPanelWidth(width)-12)
	v.bar.Width = max(20, inner-12)
	v.viewport.Width = inner
	v.viewport.Height = max(6, height-28)
	v.feedback.SetWidth(inner)
	v.refreshContent()
}

// rightPanelWidth mirrors the split App.View uses.
func rightPanelWidth(width int) int {
	right := max(32, width/3)
	if width-right-4 < 40 {
		return 0
	}
	return right
}

func (v *refineView) run(op refineOp) tea.Cmd {
	m := v.machine
	ctx := v.app.ctx
	return func() tea.Msg {
		var (
			out refinement.Outcome
			err error
		)
		switch op {
		case opStart:
			err = m.Start(ctx)
		case opGenerate:
			err = m.GenerateBatch(ctx)
		case opRefine:
			err = m.SubmitFeedback(ctx)
		case opValidate:
			out, err = m.ValidateAndContinue(ctx)
		}
		return refineResultMsg{machine: m, op: op, outcome: out, err: err}
	}
}

func (v *refineView) Update(msg tea.Msg) tea.Cmd {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		v.resize(m.Width, m.Height)
		return nil
	case refineResultMsg:
		if m.machine != v.machine {
			return nil
		}
		return v.handleResult(m)
	case settleMsg:
		if m.machine != v.machine {
			return nil
		}
		return v.run(opGenerate)
	case typingTickMsg:
		if m.machine != v.machine || m.number != v.typingNumber {
			return nil
		}
		return v.advanceTyping()
	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return cmd
	case tea.KeyMsg:
		if v.editing {
			return v.handleEditingKey(m)
		}
		return v.handleKey(m)
	}
	return nil
}

func (v *refineView) handleResult(msg refineResultMsg) tea.Cmd {
	switch {
	case msg.err == nil:
	case errors.Is(msg.err, refinement.ErrClosed):
		return nil
	case errors.Is(msg.err, refinement.ErrBusy):
		v.note = "Still working on the last request."
		return nil
	default:
		v.note = ""
		v.app.logError("Refinement %s failed: %v", msg.op, msg.err)
		v.refreshContent()
		return nil
	}
	v.note = ""
	snap := v.machine.Snapshot()
	if snap.Status == refinement.StatusComplete {
		v.app.logProgress(fmt.Sprintf("Story %q complete", snap.Title))
		v.app.statusMsg = "Story complete! Press enter to read it."
		v.refreshContent()
		return nil
	}
	switch msg.op {
	case opValidate:
		v.app.logInfo("Batch validated · %d/%d episodes", len(snap.Validated), snap.TotalEpisodes)
		after := msg.outcome.NextBatchAfter
		machine := v.machine
		v.refreshContent()
		if after <= 0 {
			return v.run(opGenerate)
		}
		return tea.Tick(after, func(time.Time) tea.Msg { return settleMsg{machine: machine} })
	case opRefine:
		v.app.logInfo("Feedback applied to batch %d", snap.Batch)
	default:
		v.app.logProgress(fmt.Sprintf("Batch %d ready for review", snap.Batch))
	}
	return v.beginReview(snap)
}

// beginReview selects the newest episode and starts typing it out.
func (v *refineView) beginReview(snap refinement.Snapshot) tea.Cmd {
	v.selected = max(0, len(snap.Pending)-1)
	v.typingNumber = 0
	if !snap.HasLatest || snap.Typed[snap.Latest.Number] {
		v.refreshContent()
		return nil
	}
	v.typingNumber = snap.Latest.Number
	v.typingTotal = utf8.RuneCountInString(snap.Latest.Content)
	v.typed = 0
	if v.app.typingInterval <= 0 || v.typingTotal == 0 {
		v.finishTyping()
		return nil
	}
	v.refreshContent()
	return v.typingTick()
}

func (v *refineView) typingTick() tea.Cmd {
	machine := v.machine
	number := v.typingNumber
	return tea.Tick(v.app.typingInterval, func(time.Time) tea.Msg {
		return typingTickMsg{machine: machine, number: number}
	})
}

func (v *refineView) advanceTyping() tea.Cmd {
	v.typed += max(3, v.typingTotal/60)
	if v.typed >= v.typingTotal {
		v.finishTyping()
		return nil
	}
	v.refreshContent()
	return v.typingTick()
}

func (v *refineView) finishTyping() {
	if v.typingNumber != 0 {
		v.machine.MarkTyped(v.typingNumber)
	}
	v.typingNumber = 0
	v.refreshContent()
}

func (v *refineView) handleKey(msg tea.KeyMsg) tea.Cmd {
	keys := v.app.keys
	snap := v.machine.Snapshot()
	switch {
	case snap.Status == refinement.StatusComplete && key.Matches(msg, keys.Enter):
		return v.app.openStory(snap.StoryID, stateReader)
	case key.Matches(msg, keys.Skip):
		if v.typingNumber != 0 {
			v.finishTyping()
		}
		return nil
	case key.Matches(msg, keys.Left), msg.String() == "[":
		if v.selected > 0 {
			v.selected--
			v.refreshContent()
		}
		return nil
	case key.Matches(msg, keys.Right), msg.String() == "]":
		if v.selected < len(snap.Pending)-1 {
			v.selected++
			v.refreshContent()
		}
		return nil
	case key.Matches(msg, keys.Validate):
		if !snap.Status.Reviewing() || snap.Submitting {
			return nil
		}
		v.finishTyping()
		v.machine.ClearError()
		return v.run(opValidate)
	case key.Matches(msg, keys.Refine):
		if snap.Mode != story.ModeHuman || snap.Status != refinement.StatusHumanReview || snap.Submitting {
			return nil
		}
		v.machine.ClearError()
		return v.run(opRefine)
	case key.Matches(msg, keys.Edit):
		ep, ok := v.selectedEpisode(snap)
		if !ok || snap.Mode != story.ModeHuman || snap.Status != refinement.StatusHumanReview || snap.Submitting {
			return nil
		}
		v.editing = true
		v.feedback.SetValue(snap.Feedback[ep.Number])
		return v.feedback.Focus()
	case key.Matches(msg, keys.Retry):
		if snap.Status != refinement.StatusLoading || snap.Error == "" || snap.Submitting {
			return nil
		}
		v.machine.ClearError()
		return v.run(opGenerate)
	}
	var cmd tea.Cmd
	v.viewport, cmd = v.viewport.Update(msg)
	return cmd
}

func (v *refineView) handleEditingKey(msg tea.KeyMsg) tea.Cmd {
	keys := v.app.keys
	switch {
	case key.Matches(msg, keys.Back):
		v.saveFeedback()
		return nil
	case key.Matches(msg, keys.Submit):
		v.saveFeedback()
		v.machine.ClearError()
		return v.run(opRefine)
	}
	var cmd tea.Cmd
	v.feedback, cmd = v.feedback.Update(msg)
	return cmd
}

func (v *refineView) saveFeedback() {
	snap := v.machine.Snapshot()
	if ep, ok := v.selectedEpisode(snap); ok {
		v.machine.SetFeedback(ep.Number, v.feedback.Value())
	}
	v.editing = false
	v.feedback.Blur()
	v.refreshContent()
}

func (v *refineView) selectedEpisode(snap refinement.Snapshot) (story.Episode, bool) {
	if v.selected < 0 || v.selected >= len(snap.Pending) {
		return story.Episode{}, false
	}
	return snap.Pending[v.selected], true
}

// refreshContent rewraps the selected episode into the viewport, revealing
// only the typed prefix while the animation runs.
func (v *refineView) refreshContent() {
	snap := v.machine.Snapshot()
	ep, ok := v.selectedEpisode(snap)
	if !ok {
		v.viewport.SetContent("")
		return
	}
	body := ep.Content
	if ep.Number == v.typingNumber {
		body = firstRunes(body, v.typed) + "▌"
	}
	heading := titleStyle.Render(fmt.Sprintf("Episode %d: %s", ep.Number, strings.TrimSpace(ep.Title)))
	v.viewport.SetContent(heading + "\n\n" + wordwrap.String(body, max(20, v.viewport.Width-2)))
}

func firstRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func (v *refineView) View() string {
	snap := v.machine.Snapshot()
	title := strings.TrimSpace(snap.Title)
	if title == "" {
		title = "Untitled story"
	}
	header := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title),
		mutedStyle.Render(fmt.Sprintf("Batch %d · %s · %d/%d episodes",
			snap.Batch, snap.Mode.FriendlyName(), len(snap.Validated), snap.TotalEpisodes)),
		v.bar.ViewAs(snap.Progress/100),
	)
	sections := []string{header, "", v.renderStatus(snap)}
	if snap.Error != "" {
		sections = append(sections, errorBox.Render(wordwrap.String(snap.Error, max(20, v.viewport.Width-4))))
		if snap.RateLimited {
			sections = append(sections, warnStyle.Render("Rate limit reached. Wait a moment, then press g to retry."))
		}
	}
	if v.note != "" {
		sections = append(sections, mutedStyle.Render(v.note))
	}
	if snap.Status == refinement.StatusComplete {
		sections = append(sections, v.renderCompleted(snap))
	} else if len(snap.Pending) > 0 {
		sections = append(sections, v.renderTabs(snap), v.viewport.View())
		if snap.Mode == story.ModeHuman {
			sections = append(sections, v.renderFeedback(snap))
		}
	}
	sections = append(sections, hintStyle.Render(v.app.help.ShortHelpView(v.bindings(snap))))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (v *refineView) renderStatus(snap refinement.Snapshot) string {
	switch snap.Status {
	case refinement.StatusLoading:
		if snap.Error != "" && !snap.Submitting {
			return warnStyle.Render("Batch generation paused")
		}
		return v.spinner.View() + fmt.Sprintf(" Generating batch %d...", snap.Batch)
	case refinement.StatusRefining:
		return v.spinner.View() + " Refining episodes with your feedback..."
	case refinement.StatusHumanReview:
		if snap.Submitting {
			return v.spinner.View() + " Validating batch..."
		}
		return okStyle.Render("Review this batch: add feedback or validate it")
	case refinement.StatusAIReady:
		if snap.Submitting {
			return v.spinner.View() + " Validating batch..."
		}
		return okStyle.Render("AI-refined batch ready to validate")
	case refinement.StatusComplete:
		return okStyle.Render("✓ Story complete")
	}
	return ""
}

func (v *refineView) renderTabs(snap refinement.Snapshot) string {
	tabs := make([]string, 0, len(snap.Pending))
	for i, ep := range snap.Pending {
		label := fmt.Sprintf("Ep %d", ep.Number)
		if strings.TrimSpace(snap.Feedback[ep.Number]) != "" {
			label += " ✎"
		}
		if i == v.selected {
			tabs = append(tabs, selectStyle.Render("["+label+"]"))
		} else {
			tabs = append(tabs, mutedStyle.Render(" "+label+" "))
		}
	}
	return strings.Join(tabs, " ")
}

func (v *refineView) renderFeedback(snap refinement.Snapshot) string {
	if v.editing {
		return lipgloss.JoinVertical(lipgloss.Left,
			mutedStyle.Render("Feedback (esc to save, ctrl+s to submit):"),
			v.feedback.View())
	}
	ep, ok := v.selectedEpisode(snap)
	if !ok {
		return ""
	}
	note := strings.TrimSpace(snap.Feedback[ep.Number])
	if note == "" {
		return mutedStyle.Render("No feedback for this episode.")
	}
	return mutedStyle.Render("Feedback: ") + wordwrap.String(note, max(20, v.viewport.Width-12))
}

func (v *refineView) renderCompleted(snap refinement.Snapshot) string {
	lines := make([]string, 0, len(snap.Validated)+1)
	for _, ep := range snap.Validated {
		lines = append(lines, fmt.Sprintf("  %2d. %s", ep.Number, strings.TrimSpace(ep.Title)))
	}
	lines = append(lines, "", okStyle.Render("enter → read the story"))
	return strings.Join(lines, "\n")
}

func (v *refineView) bindings(snap refinement.Snapshot) []key.Binding {
	keys := v.app.keys
	out := []key.Binding{}
	switch {
	case v.editing:
		return []key.Binding{keys.Submit, keys.Back}
	case snap.Status == refinement.StatusComplete:
		out = append(out, keys.Enter)
	case snap.Status.Reviewing():
		out = append(out, keys.Left, keys.Right, keys.Validate)
		if snap.Mode == story.ModeHuman {
			out = append(out, keys.Edit, keys.Refine)
		}
		if v.typingNumber != 0 {
			out = append(out, keys.Skip)
		}
	case snap.Status == refinement.StatusLoading && snap.Error != "":
		out = append(out, keys.Retry)
	}
	return append(out, keys.Back)
}
