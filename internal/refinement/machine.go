// internal/refinement/machine.go
//
// Machine drives one story through the batch loop:
//
//	loading -> ai-ready | human-review -> (refining -> human-review)* -> loading ... -> complete
//
// It owns the validated episode list, the pending batch and the per-episode
// feedback for a single story. Only one backend request runs at a time, and
// nothing changes after Close.

package refinement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/shakescript/internal/api"
	"github.com/kingrea/shakescript/internal/story"
)

// DefaultSettleDelay separates a validated batch from the next generate call.
const DefaultSettleDelay = 500 * time.Millisecond

var (
	// ErrBusy is returned while another request is in flight.
	ErrBusy = errors.New("refinement: a request is already in progress")
	// ErrClosed is returned after Close, including for results that arrive late.
	ErrClosed = errors.New("refinement: machine closed")
	// ErrOutOfOrder rejects a batch that does not continue the validated list.
	ErrOutOfOrder = errors.New("refinement: batch does not follow the validated episodes")
	// ErrNoBatch is returned when there is nothing pending to validate or refine.
	ErrNoBatch = errors.New("refinement: no pending batch")
	// ErrWrongMode rejects feedback on an AI-refined story.
	ErrWrongMode = errors.New("refinement: feedback is only accepted in human review")
	// ErrInvalidState rejects an action the current state does not allow.
	ErrInvalidState = errors.New("refinement: action not allowed in current state")
)

// Backend is the slice of the API client the machine drives.
type Backend interface {
	GenerateBatch(ctx context.Context, storyID int, opts api.BatchOptions) (api.BatchResult, error)
	RefineBatch(ctx context.Context, storyID int, feedback []story.Feedback) (api.BatchResult, error)
	ValidateBatch(ctx context.Context, storyID int) (api.BatchResult, error)
}

// Outcome tells the caller what to do after a successful validation.
type Outcome struct {
	Completed      bool
	NextBatch      int
	NextBatchAfter time.Duration
}

// Snapshot is an immutable view for rendering.
type Snapshot struct {
	StoryID       int
	Title         string
	Mode          story.RefinementMode
	Status        Status
	TotalEpisodes int
	BatchSize     int
	Batch         int
	Validated     []story.Episode
	Pending       []story.Episode
	Latest        story.Episode
	HasLatest     bool
	Feedback      map[int]string
	Typed         map[int]bool
	Error         string
	RateLimited   bool
	Submitting    bool
	Progress      float64
	Closed        bool
}

// Machine is safe for concurrent use.
type Machine struct {
	backend     Backend
	logger      *zap.Logger
	hinglish    bool
	settleDelay time.Duration
	onComplete  func(ctx context.Context, storyID int)
	rules       rules

	lifetime context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	details     story.Details
	status      Status
	validated   []story.Episode
	pending     []story.Episode
	latest      story.Episode
	hasLatest   bool
	feedback    map[int]string
	typed       map[int]bool
	errMsg      string
	rateLimited bool
	submitting  bool
	batch       int
	progress    float64
	started     bool
	closed      bool
	completed   bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithHinglish requests Hinglish output for generated batches.
func WithHinglish(enabled bool) Option {
	return func(m *Machine) { m.hinglish = enabled }
}

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

// WithInitialBatch sets the batch counter for a resumed story.
func WithInitialBatch(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.batch = n
		}
	}
}

// WithOnComplete registers the completion callback. It runs once, outside
// the machine's lock, on the goroutine that observed completion.
func WithOnComplete(fn func(ctx context.Context, storyID int)) Option {
	return func(m *Machine) { m.onComplete = fn }
}

// WithLogger injects a logger. Entries carry the story_id field.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// ResumeBatch is the batch number to show for a story that already has
// validated episodes.
func ResumeBatch(details story.Details) int {
	return len(details.Episodes)/details.EffectiveBatchSize() + 1
}

// New creates a machine for details. The machine lives until parent is
// cancelled or Close is called.
func New(parent context.Context, backend Backend, details story.Details, opts ...Option) *Machine {
	if parent == nil {
		parent = context.Background()
	}
	lifetime, cancel := context.WithCancel(parent)
	validated := append([]story.Episode(nil), details.Episodes...)
	story.SortEpisodes(validated)
	m := &Machine{
		backend:     backend,
		logger:      zap.NewNop(),
		settleDelay: DefaultSettleDelay,
		rules:       rulesFor(details.RefinementMethod),
		lifetime:    lifetime,
		cancel:      cancel,
		details:     details,
		status:      StatusLoading,
		validated:   validated,
		feedback:    map[int]string{},
		typed:       map[int]bool{},
		batch:       ResumeBatch(details),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With(zap.Int("story_id", details.ID))
	m.progress = m.computeProgress()
	return m
}

// Close cancels any in-flight request. Results that arrive afterwards are
// dropped and every later call returns ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

// Start seeds the machine from the story. A story that already has all its
// episodes goes straight to complete; otherwise the first batch is requested.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("refinement: %w: already started", ErrInvalidState)
	}
	m.started = true
	if err := story.ValidateSequence(m.validated, 1); err != nil {
		m.logger.Warn("irregular episodes", zap.Error(err))
	}
	if m.details.TotalEpisodes > 0 && len(m.validated) >= m.details.TotalEpisodes {
		m.status = StatusComplete
		m.completed = true
		m.progress = m.computeProgress()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.GenerateBatch(ctx)
}

// GenerateBatch requests the next batch. On failure the status returns to
// its pre-call value and the error is recorded for display.
func (m *Machine) GenerateBatch(ctx context.Context) error {
	prev, err := m.begin(actGenerate, StatusLoading)
	if err != nil {
		return err
	}
	callCtx, done := m.callContext(ctx)
	res, callErr := m.backend.GenerateBatch(callCtx, m.details.ID, api.BatchOptions{
		BatchSize:  m.details.EffectiveBatchSize(),
		Hinglish:   m.hinglish,
		Refinement: m.details.RefinementMethod,
	})
	done()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.submitting = false
	if callErr != nil {
		m.status = prev
		m.fail(callErr, "")
		m.mu.Unlock()
		m.logFailure("generate batch failed", callErr)
		return callErr
	}
	if res.Exhausted() {
		fire := m.markComplete()
		m.mu.Unlock()
		m.logger.Info("no more episodes to generate")
		fire(ctx)
		return nil
	}
	m.pending = append([]story.Episode(nil), res.Episodes...)
	story.SortEpisodes(m.pending)
	m.latest, m.hasLatest = story.Latest(m.pending)
	m.feedback = map[int]string{}
	m.typed = map[int]bool{}
	m.status = m.rules.review
	m.mu.Unlock()
	m.logger.Info("batch ready", zap.Int("batch", m.Batch()), zap.Int("episodes", len(res.Episodes)))
	return nil
}

// SubmitFeedback sends the non-empty feedback notes for the pending batch
// and replaces it with the regenerated episodes. With no notes entered it
// returns to human review without calling the backend.
func (m *Machine) SubmitFeedback(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.details.RefinementMethod != story.ModeHuman {
		m.mu.Unlock()
		return ErrWrongMode
	}
	notes := m.collectFeedback()
	if len(notes) == 0 && !m.submitting && m.status == StatusHumanReview {
		m.errMsg = ""
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	prev, err := m.begin(actRefine, StatusRefining)
	if err != nil {
		return err
	}
	callCtx, done := m.callContext(ctx)
	res, callErr := m.backend.RefineBatch(callCtx, m.details.ID, notes)
	done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.submitting = false
	if callErr == nil && len(res.Episodes) == 0 {
		callErr = errors.New("refine returned no episodes")
	}
	if callErr != nil {
		m.status = prev
		m.fail(callErr, "Failed to submit feedback: ")
		m.logFailure("refine failed", callErr)
		return callErr
	}
	m.logger.Info("batch refined", zap.Int("feedback", len(notes)), zap.Int("episodes", len(res.Episodes)))
	m.pending = append([]story.Episode(nil), res.Episodes...)
	story.SortEpisodes(m.pending)
	m.latest, m.hasLatest = story.Latest(m.pending)
	m.feedback = map[int]string{}
	m.typed = map[int]bool{}
	m.status = StatusHumanReview
	return nil
}

// ValidateAndContinue commits the pending batch once the backend confirms
// it. The outcome says whether the story is complete or when to request the
// next batch.
func (m *Machine) ValidateAndContinue(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	if m.submitting {
		m.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return Outcome{}, ErrNoBatch
	}
	if err := story.ValidateSequence(m.pending, m.nextNumber()); err != nil {
		m.errMsg = "This batch is out of order and cannot be validated."
		m.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %v", ErrOutOfOrder, err)
	}
	m.mu.Unlock()

	prev, err := m.begin(actValidate, -1)
	if err != nil {
		return Outcome{}, err
	}
	callCtx, done := m.callContext(ctx)
	res, callErr := m.backend.ValidateBatch(callCtx, m.details.ID)
	done()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	m.submitting = false
	if callErr == nil && !res.Success() {
		msg := strings.TrimSpace(res.Message)
		if msg == "" {
			msg = "Failed to validate episodes"
		}
		callErr = errors.New(msg)
	}
	if callErr != nil {
		m.status = prev
		m.fail(callErr, "Failed to validate batch: ")
		m.mu.Unlock()
		m.logFailure("validate failed", callErr)
		return Outcome{}, callErr
	}

	m.validated = append(m.validated, m.pending...)
	m.pending = nil
	m.feedback = map[int]string{}
	m.typed = map[int]bool{}
	m.progress = m.computeProgress()
	validated := len(m.validated)
	full := m.details.TotalEpisodes > 0 && validated >= m.details.TotalEpisodes
	if res.StoryComplete() || full {
		fire := m.markComplete()
		m.mu.Unlock()
		m.logger.Info("story complete", zap.Int("validated", validated))
		fire(ctx)
		return Outcome{Completed: true}, nil
	}
	m.batch++
	m.status = StatusLoading
	out := Outcome{NextBatch: m.batch, NextBatchAfter: m.settleDelay}
	m.mu.Unlock()
	m.logger.Info("batch validated", zap.Int("validated", validated), zap.Int("next_batch", out.NextBatch))
	return out, nil
}

// SetFeedback records the note for one episode of the pending batch.
func (m *Machine) SetFeedback(episodeNumber int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.feedback[episodeNumber] = text
}

// MarkTyped records that the typing animation finished for an episode.
func (m *Machine) MarkTyped(episodeNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.typed[episodeNumber] = true
}

// ClearError dismisses the current error message.
func (m *Machine) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errMsg = ""
	m.rateLimited = false
}

// Progress is min(validated/total, 1) * 100 and never decreases.
func (m *Machine) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Status returns the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Batch returns the batch counter.
func (m *Machine) Batch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batch
}

// Snapshot copies the machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	feedback := make(map[int]string, len(m.feedback))
	for k, v := range m.feedback {
		feedback[k] = v
	}
	typed := make(map[int]bool, len(m.typed))
	for k, v := range m.typed {
		typed[k] = v
	}
	return Snapshot{
		StoryID:       m.details.ID,
		Title:         m.details.Title,
		Mode:          m.details.RefinementMethod,
		Status:        m.status,
		TotalEpisodes: m.details.TotalEpisodes,
		BatchSize:     m.details.EffectiveBatchSize(),
		Batch:         m.batch,
		Validated:     append([]story.Episode(nil), m.validated...),
		Pending:       append([]story.Episode(nil), m.pending...),
		Latest:        m.latest,
		HasLatest:     m.hasLatest,
		Feedback:      feedback,
		Typed:         typed,
		Error:         m.errMsg,
		RateLimited:   m.rateLimited,
		Submitting:    m.submitting,
		Progress:      m.progress,
		Closed:        m.closed,
	}
}

// begin gates a request: one at a time, legal for the current state. A
// transient status of -1 keeps the current status while the call runs.
func (m *Machine) begin(act action, transient Status) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if m.submitting {
		return 0, ErrBusy
	}
	if !m.rules.permits(m.status, act) {
		return 0, fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, act, m.status)
	}
	if act == actGenerate && len(m.pending) > 0 {
		return 0, fmt.Errorf("%w: a batch is awaiting review", ErrInvalidState)
	}
	if (act == actRefine || act == actValidate) && len(m.pending) == 0 {
		return 0, ErrNoBatch
	}
	prev := m.status
	m.submitting = true
	m.errMsg = ""
	m.rateLimited = false
	if transient >= 0 {
		m.status = transient
	}
	return prev, nil
}

// callContext derives a request context that also ends with the machine.
func (m *Machine) callContext(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.lifetime, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

// fail records err for display. A 429 detail is shown verbatim.
func (m *Machine) fail(err error, prefix string) {
	if api.IsRateLimited(err) {
		m.rateLimited = true
		m.errMsg = err.Error()
		return
	}
	msg := err.Error()
	if msg == "" {
		msg = "An unexpected error occurred."
	}
	m.errMsg = prefix + msg
}

// logFailure records a failed request. Rate limits are expected and logged as
// warnings.
func (m *Machine) logFailure(msg string, err error) {
	if api.IsRateLimited(err) {
		m.logger.Warn(msg, zap.Error(err))
		return
	}
	m.logger.Error(msg, zap.Error(err))
}

// markComplete moves to complete and returns the callback to fire once the
// lock is released.
func (m *Machine) markComplete() func(context.Context) {
	m.status = StatusComplete
	m.pending = nil
	m.progress = m.computeProgress()
	if m.completed {
		return func(context.Context) {}
	}
	m.completed = true
	fn, id := m.onComplete, m.details.ID
	return func(ctx context.Context) {
		if fn != nil {
			fn(ctx, id)
		}
	}
}

func (m *Machine) nextNumber() int {
	if len(m.validated) == 0 {
		return 1
	}
	return m.validated[len(m.validated)-1].Number + 1
}

func (m *Machine) collectFeedback() []story.Feedback {
	var notes []story.Feedback
	for number, text := range m.feedback {
		if strings.TrimSpace(text) == "" {
			continue
		}
		notes = append(notes, story.Feedback{EpisodeNumber: number, Feedback: strings.TrimSpace(text)})
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].EpisodeNumber < notes[j].EpisodeNumber })
	return notes
}

func (m *Machine) computeProgress() float64 {
	total := m.details.TotalEpisodes
	var p float64
	switch {
	case total > 0:
		p = float64(len(m.validated)) / float64(total) * 100
		if p > 100 {
			p = 100
		}
	case m.status == StatusComplete:
		p = 100
	}
	if p < m.progress {
		return m.progress
	}
	return p
}
