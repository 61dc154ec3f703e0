package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/shakescript/internal/export"
	"github.com/kingrea/shakescript/internal/library"
	"github.com/kingrea/shakescript/internal/refinement"
	"github.com/kingrea/shakescript/internal/story"
)

const readWidth = 80

var (
	newEpisodes int
	newBatch    int
	newMode     string
	hinglish    bool

	listWhich  string
	listSearch string
	listGenre  string

	readPlain bool
	deleteYes bool
	exportDir string
)

// newCmd creates a story and drives it to completion
var newCmd = &cobra.Command{
	Use:   "new [prompt]",
	Short: "Create a story and generate all of its episodes",
	Long: `Creates a story from the prompt and generates it batch by batch.

In AI mode each batch is validated as soon as it arrives. In human mode every
episode of a batch is printed and you are asked for feedback; leave it blank
to accept the batch, or type notes to have the batch regenerated.

Example:
  shakescript new --episodes 6 --batch 2 --mode human "A lighthouse keeper finds a map"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runNew,
}

// resumeCmd continues an unfinished story
var resumeCmd = &cobra.Command{
	Use:   "resume [story-id]",
	Short: "Continue generating an unfinished story",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

// listCmd prints the story library
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your stories",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// readCmd prints a story
var readCmd = &cobra.Command{
	Use:   "read [story-id]",
	Short: "Print a story, one chapter per episode",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

// deleteCmd removes a story
var deleteCmd = &cobra.Command{
	Use:   "delete [story-id]",
	Short: "Delete a story permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

// exportCmd writes a story as PDF
var exportCmd = &cobra.Command{
	Use:   "export [story-id]",
	Short: "Export a story as an A5 PDF",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

// statsCmd prints the dashboard
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show your profile and generation stats",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	newCmd.Flags().IntVarP(&newEpisodes, "episodes", "n", 5, "Number of episodes (1-50)")
	newCmd.Flags().IntVarP(&newBatch, "batch", "b", 2, "Episodes per batch")
	newCmd.Flags().StringVarP(&newMode, "mode", "m", "ai", "Refinement mode: ai or human")
	for _, c := range []*cobra.Command{newCmd, resumeCmd} {
		c.Flags().BoolVar(&hinglish, "hinglish", false, "Write episodes in Hinglish (default from config)")
	}

	listCmd.Flags().StringVar(&listWhich, "show", "all", "Which stories: all, completed or incomplete")
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "", "Only titles containing this text")
	listCmd.Flags().StringVarP(&listGenre, "genre", "g", "", "Only this genre")

	readCmd.Flags().BoolVar(&readPlain, "plain", false, "Print markdown without terminal styling")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")
	exportCmd.Flags().StringVarP(&exportDir, "out", "o", "", "Destination directory (default: <home>/exports)")
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func parseStoryID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid story id %q", raw)
	}
	return id, nil
}

// hinglishFor lets the flag override the saved preference.
func hinglishFor(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("hinglish") {
		return hinglish
	}
	return env.cfg.Client.Refinement.Hinglish
}

func runNew(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	mode, err := story.ParseMode(newMode)
	if err != nil {
		return err
	}
	req := story.CreateRequest{
		Prompt:      strings.Join(args, " "),
		NumEpisodes: newEpisodes,
		Refinement:  mode,
		BatchSize:   newBatch,
		Hinglish:    hinglishFor(cmd),
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	details, err := env.client.CreateStory(ctx, req)
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	env.journal.Info("Story created · %q (%d episodes, %s)", details.Title, details.TotalEpisodes, details.RefinementMethod.FriendlyName())
	fmt.Fprintf(cmd.OutOrStdout(), "Created story %d: %s (%d episodes, %s)\n",
		details.ID, details.Title, details.TotalEpisodes, details.RefinementMethod.FriendlyName())
	return refineStory(ctx, cmd, details)
}

func runResume(cmd *cobra.Command, args []string) error {
	id, err := parseStoryID(args[0])
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	details, err := env.client.GetStory(ctx, id)
	if err != nil {
		return fmt.Errorf("load story %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming %s at %d/%d episodes\n", details.Title, len(details.Episodes), details.TotalEpisodes)
	return refineStory(ctx, cmd, details)
}

// refineStory runs the batch loop without the TUI.
func refineStory(ctx context.Context, cmd *cobra.Command, details story.Details) error {
	out := cmd.OutOrStdout()
	m := refinement.New(ctx, env.client, details,
		refinement.WithHinglish(hinglishFor(cmd)),
		refinement.WithSettleDelay(env.cfg.Client.Refinement.SettleDelay.Std()),
		refinement.WithOnComplete(func(ctx context.Context, id int) {
			if err := env.client.CompleteStory(ctx, id); err != nil {
				env.logger.Named("cli").Warn("complete story failed", zap.Int("story_id", id), zap.Error(err))
			}
		}),
		refinement.WithLogger(progressLogger(out, env.logger.Named("refinement"))),
	)
	defer m.Close()

	var reviewer refinement.Reviewer
	if details.RefinementMethod == story.ModeHuman {
		reviewer = stdinReviewer(bufio.NewReader(cmd.InOrStdin()), out)
	}
	runErr := refinement.Run(ctx, m, reviewer)
	snap := m.Snapshot()
	if runErr != nil {
		env.journal.Error("Refinement of story %d stopped: %v", details.ID, runErr)
		if snap.RateLimited {
			return fmt.Errorf("rate limited: %s (continue later with `shakescript resume %d`)", snap.Error, details.ID)
		}
		return fmt.Errorf("%w (continue later with `shakescript resume %d`)", runErr, details.ID)
	}
	env.journal.Info("Story %q complete", snap.Title)
	fmt.Fprintf(out, "Story complete: %d episodes. Read it with `shakescript read %d`.\n", len(snap.Validated), details.ID)
	return nil
}

// progressLogger tees the machine's entries to the terminal as one line per
// event while the file logger keeps the structured copy.
func progressLogger(w io.Writer, file *zap.Logger) *zap.Logger {
	return file.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, &progressCore{LevelEnabler: zapcore.InfoLevel, w: w})
	}))
}

// progressCore renders "· message key=value ..." lines.
type progressCore struct {
	zapcore.LevelEnabler
	w      io.Writer
	fields []zapcore.Field
}

func (c *progressCore) With(fields []zapcore.Field) zapcore.Core {
	return &progressCore{
		LevelEnabler: c.LevelEnabler,
		w:            c.w,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
	}
}

func (c *progressCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *progressCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		if k == "story_id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("· ")
	b.WriteString(ent.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, enc.Fields[k])
	}
	_, err := fmt.Fprintln(c.w, b.String())
	return err
}

func (c *progressCore) Sync() error { return nil }

// stdinReviewer prints each pending episode and reads one line of feedback
// for it. Blank lines accept the episode.
func stdinReviewer(in *bufio.Reader, out io.Writer) refinement.ReviewerFunc {
	return func(ctx context.Context, snap refinement.Snapshot) (map[int]string, error) {
		notes := map[int]string{}
		for _, ep := range snap.Pending {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			fmt.Fprintf(out, "\n── Episode %d: %s ──\n\n%s\n\n", ep.Number, strings.TrimSpace(ep.Title), wordwrap.String(ep.Content, readWidth))
			fmt.Fprintf(out, "Feedback for episode %d (blank to accept): ", ep.Number)
			line, err := in.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			if text := strings.TrimSpace(line); text != "" {
				notes[ep.Number] = text
			}
			if errors.Is(err, io.EOF) {
				break
			}
		}
		return notes, nil
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var which library.Collection
	switch strings.ToLower(strings.TrimSpace(listWhich)) {
	case "", "all":
		which = library.All
	case "completed", "complete":
		which = library.Completed
	case "incomplete", "in-progress":
		which = library.Incomplete
	default:
		return fmt.Errorf("unknown --show value %q (want all, completed or incomplete)", listWhich)
	}
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	if err := env.library.Refresh(ctx); err != nil {
		return fmt.Errorf("load stories: %w", err)
	}
	items := env.library.Filter(which, listSearch, listGenre)
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No stories.")
		return nil
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TITLE", "GENRE", "STATUS")
	for _, s := range items {
		status := "in progress"
		if s.IsCompleted {
			status = "completed"
		}
		t.Row(strconv.Itoa(s.ID), strings.TrimSpace(s.Title), s.Genre, status)
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	id, err := parseStoryID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	details, err := env.client.GetStory(ctx, id)
	if err != nil {
		return fmt.Errorf("load story %d: %w", id, err)
	}
	md := storyMarkdown(details)
	if readPlain {
		_, err := io.WriteString(cmd.OutOrStdout(), md)
		return err
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(readWidth))
	if err != nil {
		return err
	}
	rendered, err := r.Render(md)
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), rendered)
	return err
}

// storyMarkdown lays a story out as one markdown chapter per episode.
func storyMarkdown(details story.Details) string {
	episodes := append([]story.Episode(nil), details.Episodes...)
	story.SortEpisodes(episodes)
	var b strings.Builder
	title := strings.TrimSpace(details.Title)
	if title == "" {
		title = "Untitled story"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if summary := strings.TrimSpace(details.Summary); summary != "" {
		fmt.Fprintf(&b, "_%s_\n\n", summary)
	}
	for _, ep := range episodes {
		fmt.Fprintf(&b, "## Chapter %d: %s\n\n%s\n\n", ep.Number, strings.TrimSpace(ep.Title), strings.TrimSpace(ep.Content))
	}
	return b.String()
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseStoryID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	details, err := env.client.GetStory(ctx, id)
	if err != nil {
		return fmt.Errorf("load story %d: %w", id, err)
	}
	out := cmd.OutOrStdout()
	if !deleteYes {
		fmt.Fprintf(out, "Delete %q? This cannot be undone. [y/N] ", details.Title)
		line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Delete cancelled.")
			return nil
		}
	}
	if err := env.library.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete story %d: %w", id, err)
	}
	env.journal.Info("Deleted story %q", details.Title)
	fmt.Fprintf(out, "Deleted %q\n", details.Title)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	id, err := parseStoryID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	details, err := env.client.GetStory(ctx, id)
	if err != nil {
		return fmt.Errorf("load story %d: %w", id, err)
	}
	dir := strings.TrimSpace(exportDir)
	if dir == "" {
		dir = env.cfg.ExportsDir()
	}
	path, err := export.WriteFile(dir, details)
	if err != nil {
		return err
	}
	env.journal.Info("Exported %q to %s", details.Title, path)
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := env.requireSession(ctx); err != nil {
		return err
	}
	dash, err := env.client.Dashboard(ctx)
	if err != nil {
		return fmt.Errorf("load dashboard: %w", err)
	}
	out := cmd.OutOrStdout()
	name := strings.TrimSpace(dash.User.Name)
	if name == "" {
		name = dash.User.Email
	}
	if dash.PremiumStatus || dash.User.IsPremium {
		name += " (premium)"
	}
	fmt.Fprintln(out, name)
	s := dash.Stats
	fmt.Fprintf(out, "Stories:             %d (%d completed, %d in progress)\n", s.TotalStories, s.CompletedStories, s.InProgressStories)
	fmt.Fprintf(out, "Episodes:            %d\n", s.TotalEpisodes)
	fmt.Fprintf(out, "Episodes today:      %d\n", s.EpisodesDayCount)
	fmt.Fprintf(out, "Episodes this month: %d\n", s.EpisodesMonthCount)
	fmt.Fprintf(out, "Account age:         %d days\n", s.AccountAgeDays)
	if s.LastActive != nil {
		fmt.Fprintf(out, "Last active:         %s\n", s.LastActive.Format("Jan 2, 2006 15:04"))
	}
	return nil
}
