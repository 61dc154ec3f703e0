package refinement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/shakescript/internal/api"
	"github.com/kingrea/shakescript/internal/story"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend behaves like the story service: it hands out the next
// batch_size episodes, keeps them pending until validated, and reports
// exhaustion once every episode exists.
type fakeBackend struct {
	mu          sync.Mutex
	total       int
	stored      int
	pending     []story.Episode
	generateErr error
	validateErr error
	refineErr   error
	validateMsg string
	calls       map[string]int
	feedback    [][]story.Feedback
	block       chan struct{}
	entered     chan struct{}
}

func newFakeBackend(total int) *fakeBackend {
	return &fakeBackend{total: total, calls: map[string]int{}}
}

func (f *fakeBackend) wait(ctx context.Context) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) GenerateBatch(ctx context.Context, id int, opts api.BatchOptions) (api.BatchResult, error) {
	f.mu.Lock()
	f.calls["generate"]++
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return api.BatchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateErr != nil {
		return api.BatchResult{}, f.generateErr
	}
	if f.stored >= f.total {
		return api.BatchResult{Error: "All episodes generated"}, nil
	}
	f.pending = nil
	for n := f.stored + 1; n <= f.total && len(f.pending) < opts.BatchSize; n++ {
		f.pending = append(f.pending, story.Episode{ID: 100 + n, Number: n, Title: fmt.Sprintf("Episode %d", n), Content: "draft"})
	}
	return api.BatchResult{Status: "success", Episodes: append([]story.Episode(nil), f.pending...)}, nil
}

func (f *fakeBackend) RefineBatch(ctx context.Context, id int, feedback []story.Feedback) (api.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["refine"]++
	f.feedback = append(f.feedback, feedback)
	if f.refineErr != nil {
		return api.BatchResult{}, f.refineErr
	}
	for i := range f.pending {
		f.pending[i].Content = "refined"
	}
	return api.BatchResult{Status: "success", Episodes: append([]story.Episode(nil), f.pending...)}, nil
}

func (f *fakeBackend) ValidateBatch(ctx context.Context, id int) (api.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["validate"]++
	if f.validateErr != nil {
		return api.BatchResult{}, f.validateErr
	}
	if f.validateMsg != "" {
		return api.BatchResult{Status: "error", Message: f.validateMsg}, nil
	}
	f.stored += len(f.pending)
	f.pending = nil
	msg := "Batch validated"
	if f.stored >= f.total {
		msg = "Story complete"
	}
	return api.BatchResult{Status: "success", Message: msg}, nil
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func details(total, batch int, mode story.RefinementMode) story.Details {
	return story.Details{ID: 42, Title: "Tide", TotalEpisodes: total, BatchSize: batch, RefinementMethod: mode}
}

func TestFiveEpisodesInBatchesOfTwoComplete(t *testing.T) {
	backend := newFakeBackend(5)
	completions := 0
	m := New(context.Background(), backend, details(5, 2, story.ModeAI),
		WithSettleDelay(0),
		WithOnComplete(func(ctx context.Context, id int) {
			assert.Equal(t, 42, id)
			completions++
		}))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	var progress []float64
	for cycle := 0; cycle < 3; cycle++ {
		require.Equal(t, StatusAIReady, m.Status(), "cycle %d", cycle)
		out, err := m.ValidateAndContinue(ctx)
		require.NoError(t, err)
		progress = append(progress, m.Progress())
		if out.Completed {
			break
		}
		assert.Equal(t, cycle+2, out.NextBatch)
		require.NoError(t, m.GenerateBatch(ctx))
	}

	snap := m.Snapshot()
	assert.Equal(t, StatusComplete, snap.Status)
	require.Len(t, snap.Validated, 5)
	for i, ep := range snap.Validated {
		assert.Equal(t, i+1, ep.Number)
	}
	assert.Equal(t, []float64{40, 80, 100}, progress)
	assert.Equal(t, 1, completions)
	assert.Equal(t, 3, backend.count("generate"))
}

func TestLatestEpisodeIsHighestNumber(t *testing.T) {
	backend := newFakeBackend(4)
	m := New(context.Background(), backend, details(4, 3, story.ModeHuman))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	snap := m.Snapshot()
	assert.Equal(t, StatusHumanReview, snap.Status)
	require.True(t, snap.HasLatest)
	assert.Equal(t, 3, snap.Latest.Number)
}

func TestValidateFailureLeavesEpisodesUnchanged(t *testing.T) {
	backend := newFakeBackend(4)
	m := New(context.Background(), backend, details(4, 2, story.ModeAI))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	backend.validateErr = &api.APIError{Status: 500, Detail: "database unavailable"}
	_, err := m.ValidateAndContinue(ctx)
	require.Error(t, err)
	snap := m.Snapshot()
	assert.Empty(t, snap.Validated)
	assert.Len(t, snap.Pending, 2)
	assert.Equal(t, StatusAIReady, snap.Status)
	assert.Equal(t, "Failed to validate batch: database unavailable", snap.Error)
	assert.Zero(t, snap.Progress)

	backend.validateErr = nil
	backend.validateMsg = "Validation rejected"
	_, err = m.ValidateAndContinue(ctx)
	require.Error(t, err)
	assert.Empty(t, m.Snapshot().Validated)

	backend.validateMsg = ""
	_, err = m.ValidateAndContinue(ctx)
	require.NoError(t, err, "the machine stays retryable")
	assert.Len(t, m.Snapshot().Validated, 2)
}

func TestEmptyFeedbackSkipsNetwork(t *testing.T) {
	backend := newFakeBackend(2)
	m := New(context.Background(), backend, details(2, 2, story.ModeHuman))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	m.SetFeedback(1, "   ")
	m.SetFeedback(2, "")
	require.NoError(t, m.SubmitFeedback(ctx))
	assert.Zero(t, backend.count("refine"))
	assert.Equal(t, StatusHumanReview, m.Status())
}

func TestSubmitFeedbackReplacesBatchAndResetsFlags(t *testing.T) {
	backend := newFakeBackend(2)
	m := New(context.Background(), backend, details(2, 2, story.ModeHuman))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	m.MarkTyped(1)
	m.SetFeedback(2, "  more thunder ")
	m.SetFeedback(1, "")
	require.NoError(t, m.SubmitFeedback(ctx))

	require.Len(t, backend.feedback, 1)
	assert.Equal(t, []story.Feedback{{EpisodeNumber: 2, Feedback: "more thunder"}}, backend.feedback[0])
	snap := m.Snapshot()
	assert.Equal(t, StatusHumanReview, snap.Status)
	assert.Empty(t, snap.Feedback)
	assert.Empty(t, snap.Typed)
	assert.Equal(t, "refined", snap.Pending[0].Content)
}

func TestSubmitFeedbackFailureReturnsToReview(t *testing.T) {
	backend := newFakeBackend(2)
	backend.refineErr = errors.New("timeout")
	m := New(context.Background(), backend, details(2, 2, story.ModeHuman))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	m.SetFeedback(1, "darker")
	require.Error(t, m.SubmitFeedback(ctx))
	snap := m.Snapshot()
	assert.Equal(t, StatusHumanReview, snap.Status)
	assert.Equal(t, "Failed to submit feedback: timeout", snap.Error)
	assert.Equal(t, "darker", snap.Feedback[1], "notes survive a failed submit")
}

func TestFeedbackRejectedInAIMode(t *testing.T) {
	m := New(context.Background(), newFakeBackend(2), details(2, 2, story.ModeAI))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	m.SetFeedback(1, "x")
	assert.ErrorIs(t, m.SubmitFeedback(context.Background()), ErrWrongMode)
}

func TestRateLimitKeepsPreCallStatus(t *testing.T) {
	backend := newFakeBackend(4)
	m := New(context.Background(), backend, details(4, 2, story.ModeAI), WithSettleDelay(0))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	_, err := m.ValidateAndContinue(ctx)
	require.NoError(t, err)
	before := m.Status()

	backend.generateErr = &api.APIError{Status: 429, Detail: "Daily episode limit reached. Try again tomorrow."}
	err = m.GenerateBatch(ctx)
	require.True(t, api.IsRateLimited(err))
	snap := m.Snapshot()
	assert.Equal(t, before, snap.Status)
	assert.NotEqual(t, StatusAIReady, snap.Status)
	assert.Equal(t, "Daily episode limit reached. Try again tomorrow.", snap.Error)
	assert.True(t, snap.RateLimited)
	assert.Len(t, snap.Validated, 2)

	backend.generateErr = nil
	require.NoError(t, m.GenerateBatch(ctx), "retry after the limit clears")
	assert.Equal(t, StatusAIReady, m.Status())
}

func TestOutOfOrderBatchIsRejected(t *testing.T) {
	backend := &scriptedBackend{episodes: []story.Episode{{Number: 3}, {Number: 4}}}
	m := New(context.Background(), backend, details(6, 2, story.ModeAI))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	_, err := m.ValidateAndContinue(ctx)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Zero(t, backend.validates)
	assert.Empty(t, m.Snapshot().Validated)
}

type scriptedBackend struct {
	episodes  []story.Episode
	validates int
}

func (s *scriptedBackend) GenerateBatch(context.Context, int, api.BatchOptions) (api.BatchResult, error) {
	return api.BatchResult{Status: "success", Episodes: s.episodes}, nil
}

func (s *scriptedBackend) RefineBatch(context.Context, int, []story.Feedback) (api.BatchResult, error) {
	return api.BatchResult{Status: "success", Episodes: s.episodes}, nil
}

func (s *scriptedBackend) ValidateBatch(context.Context, int) (api.BatchResult, error) {
	s.validates++
	return api.BatchResult{Status: "success"}, nil
}

func TestBusyWhileRequestInFlight(t *testing.T) {
	backend := newFakeBackend(4)
	backend.block = make(chan struct{})
	backend.entered = make(chan struct{}, 1)
	m := New(context.Background(), backend, details(4, 2, story.ModeAI))
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	<-backend.entered

	assert.True(t, m.Snapshot().Submitting)
	assert.ErrorIs(t, m.GenerateBatch(context.Background()), ErrBusy)
	_, err := m.ValidateAndContinue(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(backend.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, backend.count("generate"))
}

func TestCloseDropsLateResults(t *testing.T) {
	backend := newFakeBackend(4)
	backend.block = make(chan struct{})
	backend.entered = make(chan struct{}, 1)
	m := New(context.Background(), backend, details(4, 2, story.ModeAI))

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	<-backend.entered
	m.Close()

	assert.ErrorIs(t, <-done, ErrClosed)
	snap := m.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, StatusLoading, snap.Status)
	assert.True(t, snap.Closed)
	assert.ErrorIs(t, m.GenerateBatch(context.Background()), ErrClosed)
}

func TestStartOnFullStoryCompletesWithoutRequests(t *testing.T) {
	backend := newFakeBackend(2)
	d := details(2, 1, story.ModeHuman)
	d.Episodes = []story.Episode{{Number: 2}, {Number: 1}}
	m := New(context.Background(), backend, d)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StatusComplete, m.Status())
	assert.Equal(t, float64(100), m.Progress())
	assert.Zero(t, backend.count("generate"))
}

func TestExhaustedGenerateCompletes(t *testing.T) {
	backend := newFakeBackend(3)
	backend.stored = 3
	called := false
	m := New(context.Background(), backend, details(5, 2, story.ModeAI), WithOnComplete(func(context.Context, int) { called = true }))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StatusComplete, m.Status())
	assert.True(t, called)
}

func TestResumeBatch(t *testing.T) {
	d := details(10, 3, story.ModeAI)
	d.Episodes = make([]story.Episode, 7)
	assert.Equal(t, 3, ResumeBatch(d))
	d.BatchSize = 0
	assert.Equal(t, 8, ResumeBatch(d))
}

func TestProgressNeverDecreases(t *testing.T) {
	backend := newFakeBackend(7)
	m := New(context.Background(), backend, details(7, 3, story.ModeAI), WithSettleDelay(0))
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	last := m.Progress()
	for m.Status() != StatusComplete {
		if m.Status() == StatusAIReady {
			if _, err := m.ValidateAndContinue(ctx); err != nil {
				t.Fatalf("validate: %v", err)
			}
		} else {
			require.NoError(t, m.GenerateBatch(ctx))
		}
		p := m.Progress()
		require.GreaterOrEqual(t, p, last)
		require.LessOrEqual(t, p, float64(100))
		last = p
	}
	assert.Equal(t, float64(100), last)
}

func TestRunDrivesHumanStory(t *testing.T) {
	backend := newFakeBackend(3)
	reviews := 0
	reviewer := ReviewerFunc(func(ctx context.Context, snap Snapshot) (map[int]string, error) {
		reviews++
		if reviews == 1 {
			return map[int]string{snap.Latest.Number: "sharper dialogue"}, nil
		}
		return nil, nil
	})
	m := New(context.Background(), backend, details(3, 2, story.ModeHuman), WithSettleDelay(0))
	defer m.Close()

	require.NoError(t, Run(context.Background(), m, reviewer))
	assert.Equal(t, StatusComplete, m.Status())
	assert.Len(t, m.Snapshot().Validated, 3)
	assert.Equal(t, 1, backend.count("refine"))
}
