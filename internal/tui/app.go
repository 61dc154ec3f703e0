// internal/tui/app.go
//
// This is the main TUI for ShakeScript. It follows The Elm Architecture:
// messages flow into Update, which returns the next model plus any commands,
// and View renders the current model. Every network call runs inside a
// tea.Cmd so the UI goroutine never blocks.

package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
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

// appState represents which screen is showing.
type appState int

const (
	stateLoading  appState = iota // first session check
	stateLogin                    // waiting for the provider redirect
	stateMainMenu                 // New story, Resume, Library, ...
	statePrompt                   // story prompt form
	stateRefine                   // batch generate / review / validate loop
	stateLibrary                  // completed and incomplete stories
	stateReader                   // reading a story episode by episode
	stateStats                    // dashboard numbers
)

const (
	defaultTypingInterval = 15 * time.Millisecond
	logPanelLines         = 8
	closeTimeout          = 2 * time.Second
)

// Backend is the part of the REST client the screens call.
type Backend interface {
	ListStories(ctx context.Context) ([]story.Story, error)
	GetStory(ctx context.Context, id int) (story.Details, error)
	CreateStory(ctx context.Context, req story.CreateRequest) (story.Details, error)
	DeleteStory(ctx context.Context, id int) error
	CompleteStory(ctx context.Context, id int) error
	UpdateSummary(ctx context.Context, id int) (string, error)
	GenerateBatch(ctx context.Context, id int, opts api.BatchOptions) (api.BatchResult, error)
	RefineBatch(ctx context.Context, id int, feedback []story.Feedback) (api.BatchResult, error)
	ValidateBatch(ctx context.Context, id int) (api.BatchResult, error)
	Dashboard(ctx context.Context) (story.Dashboard, error)
}

// SignInFunc starts an interactive sign-in.
type SignInFunc func(ctx context.Context) (*callback.Attempt, error)

// Deps are the collaborators the App renders. Config, Backend and Auth are
// required.
type Deps struct {
	Config  *config.Config
	Backend Backend
	Auth    *auth.Store
	Library *library.Cache
	Logbook *logbook.Logbook
	Logger  *logging.Logger
	SignIn  SignInFunc
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithTypingInterval sets the delay between typing animation frames. Zero
// shows episodes at once.
func WithTypingInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d >= 0 {
			a.typingInterval = d
		}
	}
}

// WithBrowserOpener overrides how the login screen opens the sign-in URL.
func WithBrowserOpener(open func(url string) error) AppOption {
	return func(a *App) {
		if open != nil {
			a.openURL = open
		}
	}
}

type screen interface {
	Update(msg tea.Msg) tea.Cmd
	View() string
	// capturing reports whether a text field owns the keyboard.
	capturing() bool
}

type sessionCheckedMsg struct{ err error }

type authEventMsg struct{ event auth.Event }

type signedOutMsg struct{ err error }

type libraryRefreshedMsg struct{ err error }

type storyLoadedMsg struct {
	details story.Details
	next    appState
	err     error
}

// App is the root model.
type App struct {
	state   appState
	ctx     context.Context
	cancel  context.CancelFunc
	config  *config.Config
	backend Backend
	auth    *auth.Store
	library *library.Cache
	logbook *logbook.Logbook
	logger  *zap.Logger
	signIn  SignInFunc
	openURL func(string) error

	typingInterval time.Duration
	keys           keyMap
	help           help.Model

	mainMenu list.Model
	login    *loginView
	prompt   *promptView
	refine   *refineView
	shelf    *libraryView
	reader   *readerView
	stats    *statsView

	statusMsg     string
	lastLogStatus string
	width         int
	height        int
}

// menuItem implements list.Item for the main menu.
type menuItem struct {
	title string
	desc  string
}

func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }
func (i menuItem) FilterValue() string { return i.title }

// NewApp creates the root model.
func NewApp(deps Deps, opts ...AppOption) (*App, error) {
	if deps.Config == nil {
		return nil, errors.New("tui: config is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("tui: backend is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("tui: auth store is required")
	}
	cache := deps.Library
	if cache == nil {
		cache = library.New(deps.Backend, library.WithTTL(deps.Config.Client.Library.CacheTTL.Std()))
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	mainMenu := list.New(buildMainMenu(library.Snapshot{}), list.NewDefaultDelegate(), 0, 0)
	mainMenu.Title = "✎ SHAKESCRIPT"
	mainMenu.SetShowStatusBar(false)
	mainMenu.SetFilteringEnabled(false)
	mainMenu.SetShowHelp(false)

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		state:          stateLoading,
		ctx:            ctx,
		cancel:         cancel,
		config:         deps.Config,
		backend:        deps.Backend,
		auth:           deps.Auth,
		library:        cache,
		logbook:        deps.Logbook,
		logger:         logger.Named("tui"),
		signIn:         deps.SignIn,
		openURL:        callback.OpenBrowser,
		typingInterval: defaultTypingInterval,
		keys:           defaultKeyMap(),
		help:           help.New(),
		mainMenu:       mainMenu,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.logInfo("Session opened · backend %s", deps.Config.BackendURL())
	return app, nil
}

// buildMainMenu lists the top-level actions with live story counts.
func buildMainMenu(snap library.Snapshot) []list.Item {
	resumeDesc := "Continue an unfinished story"
	if n := len(snap.Incomplete); n > 0 {
		resumeDesc = fmt.Sprintf("Continue an unfinished story (%d waiting)", n)
	}
	libraryDesc := "Read and export completed stories"
	if n := len(snap.Completed); n > 0 {
		libraryDesc = fmt.Sprintf("Read and export completed stories (%d)", n)
	}
	return []list.Item{
		menuItem{title: "New Story", desc: "Write a prompt and generate episodes"},
		menuItem{title: "Resume Story", desc: resumeDesc},
		menuItem{title: "Library", desc: libraryDesc},
		menuItem{title: "Dashboard", desc: "Profile and generation stats"},
		menuItem{title: "Sign Out", desc: "Forget this device's session"},
		menuItem{title: "Exit", desc: "Quit ShakeScript"},
	}
}

// Close cancels in-flight work and releases the login listener.
func (a *App) Close() {
	a.closeRefinement()
	a.closeLogin()
	a.cancel()
}

func (a *App) logInfo(format string, args ...any) {
	a.logger.Sugar().Infof(format, args...)
	if a.logbook == nil {
		return
	}
	a.logbook.Info(format, args...)
}

func (a *App) logWarn(format string, args ...any) {
	a.logger.Sugar().Warnf(format, args...)
	if a.logbook == nil {
		return
	}
	a.logbook.Warn(format, args...)
}

func (a *App) logError(format string, args ...any) {
	a.logger.Sugar().Errorf(format, args...)
	if a.logbook == nil {
		return
	}
	a.logbook.Error(format, args...)
}

func (a *App) logProgress(status string) {
	status = strings.TrimSpace(status)
	if status == "" || status == a.lastLogStatus {
		return
	}
	a.lastLogStatus = status
	a.logInfo("%s", status)
}

// Init runs the first session check.
func (a *App) Init() tea.Cmd {
	return a.checkSession()
}

func (a *App) checkSession() tea.Cmd {
	ctx := a.ctx
	store := a.auth
	return func() tea.Msg {
		return sessionCheckedMsg{err: store.Load(ctx)}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.mainMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-14))
		if s := a.activeScreen(); s != nil {
			return a, s.Update(msg)
		}
		return a, nil

	case sessionCheckedMsg:
		if msg.err != nil {
			a.logWarn("Stored session unreadable: %v", msg.err)
		}
		if a.auth.State() == auth.StateAuthenticated {
			return a.enterMainMenu(true)
		}
		return a.enterLogin()

	case authEventMsg:
		return a.handleAuthEvent(msg.event)

	case signedOutMsg:
		if msg.err != nil {
			a.logWarn("Sign out incomplete: %v", msg.err)
		}
		return a.enterLogin()

	case libraryRefreshedMsg:
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Could not load stories: %v", msg.err)
			a.logWarn("Library refresh failed: %v", msg.err)
		}
		a.mainMenu.SetItems(buildMainMenu(a.library.Snapshot()))
		if a.shelf != nil {
			a.shelf.reload()
		}
		return a, nil

	case storyLoadedMsg:
		return a.handleStoryLoaded(msg)

	case loginStartedMsg:
		if a.state == stateLogin && a.login != nil && a.login == msg.view {
			return a, a.login.Update(msg)
		}
		closeAttempt(msg.attempt)
		return a, nil

	case tea.KeyMsg:
		if key.Matches(msg, a.keys.Quit) {
			return a, tea.Quit
		}
		s := a.activeScreen()
		if s != nil && s.capturing() {
			return a, s.Update(msg)
		}
		switch {
		case msg.String() == "q" && (a.state == stateMainMenu || a.state == stateLogin):
			return a, tea.Quit
		case key.Matches(msg, a.keys.Back) && a.state > stateMainMenu:
			return a.returnToMainMenu()
		case key.Matches(msg, a.keys.Enter) && a.state == stateMainMenu:
			return a.handleMainMenuSelection()
		}
	}

	switch a.state {
	case stateMainMenu:
		var cmd tea.Cmd
		a.mainMenu, cmd = a.mainMenu.Update(msg)
		return a, cmd
	default:
		if s := a.activeScreen(); s != nil {
			return a, s.Update(msg)
		}
	}
	return a, nil
}

func (a *App) activeScreen() screen {
	switch a.state {
	case stateLogin:
		if a.login != nil {
			return a.login
		}
	case statePrompt:
		if a.prompt != nil {
			return a.prompt
		}
	case stateRefine:
		if a.refine != nil {
			return a.refine
		}
	case stateLibrary:
		if a.shelf != nil {
			return a.shelf
		}
	case stateReader:
		if a.reader != nil {
			return a.reader
		}
	case stateStats:
		if a.stats != nil {
			return a.stats
		}
	}
	return nil
}

func (a *App) handleAuthEvent(event auth.Event) (tea.Model, tea.Cmd) {
	switch event.Type {
	case auth.EventSignedIn:
		who := "unknown user"
		if event.Session != nil && event.Session.Email != "" {
			who = event.Session.Email
		}
		a.logInfo("Signed in as %s", who)
		if a.state == stateLogin || a.state == stateLoading {
			a.closeLogin()
			return a.enterMainMenu(true)
		}
	case auth.EventSignedOut:
		a.logInfo("Signed out")
		return a.enterLogin()
	case auth.EventTokenRefreshed:
		a.logProgress("Session refreshed")
	}
	return a, nil
}

// handleMainMenuSelection processes menu item selection.
func (a *App) handleMainMenuSelection() (tea.Model, tea.Cmd) {
	item, ok := a.mainMenu.SelectedItem().(menuItem)
	if !ok {
		return a, nil
	}
	switch item.title {
	case "New Story":
		a.logInfo("Menu · New Story selected")
		a.prompt = newPromptView(a)
		a.state = statePrompt
		a.statusMsg = ""
		return a, a.prompt.Init()
	case "Resume Story":
		a.logInfo("Menu · Resume Story selected")
		return a.enterLibrary(library.Incomplete)
	case "Library":
		a.logInfo("Menu · Library selected")
		return a.enterLibrary(library.Completed)
	case "Dashboard":
		a.logInfo("Menu · Dashboard selected")
		a.stats = newStatsView(a)
		a.state = stateStats
		return a, a.stats.Init()
	case "Sign Out":
		a.logInfo("Menu · Sign Out selected")
		a.statusMsg = "Signing out..."
		store := a.auth
		ctx := a.ctx
		return a, func() tea.Msg {
			return signedOutMsg{err: store.SignOut(ctx)}
		}
	case "Exit":
		a.logInfo("Menu · Exit selected")
		return a, tea.Quit
	}
	return a, nil
}

func (a *App) enterLibrary(which library.Collection) (tea.Model, tea.Cmd) {
	a.shelf = newLibraryView(a, which)
	a.state = stateLibrary
	a.statusMsg = ""
	return a, a.shelf.Init()
}

func (a *App) enterMainMenu(refresh bool) (tea.Model, tea.Cmd) {
	a.state = stateMainMenu
	a.mainMenu.SetItems(buildMainMenu(a.library.Snapshot()))
	if !refresh {
		return a, nil
	}
	return a, a.refreshLibrary(false)
}

func (a *App) enterLogin() (tea.Model, tea.Cmd) {
	a.closeRefinement()
	if a.state == stateLogin && a.login != nil {
		return a, nil
	}
	a.state = stateLogin
	a.statusMsg = ""
	a.login = newLoginView(a)
	return a, a.login.Init()
}

// returnToMainMenu transitions back to the main menu.
func (a *App) returnToMainMenu() (tea.Model, tea.Cmd) {
	refresh := a.state == stateRefine
	a.closeRefinement()
	a.prompt = nil
	a.reader = nil
	a.stats = nil
	a.shelf = nil
	a.statusMsg = ""
	a.logProgress("Returned to main menu")
	return a.enterMainMenu(refresh)
}

func (a *App) closeRefinement() {
	if a.refine == nil {
		return
	}
	a.refine.close()
	a.refine = nil
}

func (a *App) closeLogin() {
	if a.login == nil {
		return
	}
	a.login.close()
	a.login = nil
}

// refreshLibrary reloads the story lists; force bypasses the cache TTL.
func (a *App) refreshLibrary(force bool) tea.Cmd {
	cache := a.library
	ctx := a.ctx
	return func() tea.Msg {
		if force {
			return libraryRefreshedMsg{err: cache.Refresh(ctx)}
		}
		return libraryRefreshedMsg{err: cache.RefreshIfStale(ctx)}
	}
}

// openStory fetches a story and routes it to the reader or the refinement
// screen.
func (a *App) openStory(id int, next appState) tea.Cmd {
	backend := a.backend
	ctx := a.ctx
	a.statusMsg = "Loading story..."
	return func() tea.Msg {
		details, err := backend.GetStory(ctx, id)
		return storyLoadedMsg{details: details, next: next, err: err}
	}
}

func (a *App) handleStoryLoaded(msg storyLoadedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		a.statusMsg = fmt.Sprintf("Could not open story: %v", msg.err)
		a.logError("Open story failed: %v", msg.err)
		return a, nil
	}
	a.statusMsg = ""
	switch msg.next {
	case stateReader:
		a.reader = newReaderView(a, msg.details)
		a.state = stateReader
		a.logInfo("Reading %q", msg.details.Title)
		return a, a.reader.Init()
	case stateRefine:
		return a.startRefinement(msg.details, true)
	}
	return a, nil
}

// startRefinement opens the refinement screen for a new or resumed story.
func (a *App) startRefinement(details story.Details, resume bool) (tea.Model, tea.Cmd) {
	a.closeRefinement()
	a.prompt = nil
	a.refine = newRefineView(a, details, resume)
	a.state = stateRefine
	if resume {
		a.logInfo("Resuming %q at %d/%d episodes", details.Title, len(details.Episodes), details.TotalEpisodes)
	} else {
		a.logInfo("Story created · %q (%d episodes, %s)", details.Title, details.TotalEpisodes, details.RefinementMethod.FriendlyName())
	}
	return a, a.refine.Init()
}

// storyCompleted runs off the UI goroutine once a refinement reaches the end.
func (a *App) storyCompleted(ctx context.Context, id int) {
	a.library.Complete(id)
	if err := a.backend.CompleteStory(ctx, id); err != nil {
		a.logWarn("Marking story %d complete failed: %v", id, err)
		return
	}
	a.logInfo("Story %d complete", id)
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}
	if a.state == stateLoading || a.state == stateLogin {
		rightWidth = 0
		leftWidth = width - 4
	}
	var content string
	switch a.state {
	case stateLoading:
		content = "Checking your session..."
	case stateMainMenu:
		a.mainMenu.SetSize(max(20, leftWidth-4), max(10, a.height-14))
		content = a.mainMenu.View()
	default:
		if s := a.activeScreen(); s != nil {
			content = s.View()
		}
	}
	return a.renderStatusBoard(content, leftWidth, rightWidth)
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := titleStyle.Render(fmt.Sprintf("LOG · %s (%d)", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(softColor).
		Render(strings.Join(lines, "\n"))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) renderStatusBoard(mainContent string, leftWidth, rightWidth int) string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(accentColor).
		MarginBottom(1).
		Render("✎ SHAKESCRIPT")
	leftBox := boxStyle.
		Width(max(20, leftWidth)).
		Render(a.renderMainArea(mainContent, leftWidth-4))
	var body string
	if rightWidth > 0 {
		rightBox := boxStyle.
			Width(max(20, rightWidth)).
			Render(a.renderAccountPanel(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	} else {
		body = leftBox
	}
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(mutedColor).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderMainArea(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		content = "Ready to write."
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(content)
}

func (a *App) renderAccountPanel(width int) string {
	lines := []string{titleStyle.Render("Account")}
	if profile := a.auth.Profile(); profile != nil {
		name := strings.TrimSpace(profile.Name)
		if name == "" {
			name = profile.Email
		}
		lines = append(lines, name)
		if profile.Email != "" && profile.Email != name {
			lines = append(lines, mutedStyle.Render(profile.Email))
		}
		if profile.IsPremium {
			lines = append(lines, warnStyle.Render("★ premium"))
		}
	} else if session := a.auth.Session(); session != nil && session.Email != "" {
		lines = append(lines, session.Email)
	} else {
		lines = append(lines, mutedStyle.Render("profile unavailable"))
	}
	snap := a.library.Snapshot()
	lines = append(lines, "",
		titleStyle.Render("Stories"),
		fmt.Sprintf("%d completed · %d in progress", len(snap.Completed), len(snap.Incomplete)))
	if snap.Loading {
		lines = append(lines, mutedStyle.Render("refreshing..."))
	} else if !snap.FetchedAt.IsZero() {
		lines = append(lines, mutedStyle.Render("updated "+humanizeDuration(time.Since(snap.FetchedAt))+" ago"))
	}
	hinglish := "off"
	if a.config.Client.Refinement.Hinglish {
		hinglish = "on"
	}
	lines = append(lines, "", mutedStyle.Render("Hinglish: "+hinglish))
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
