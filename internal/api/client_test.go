package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/shakescript/internal/story"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", SessionFunc(func() string { return "token-123" }), opts...)
}

func TestDoAttachesBearerAndRequestID(t *testing.T) {
	var gotAuth, gotID, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotID = r.Header.Get("X-Request-ID")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"success","stories":[{"story_id":3,"title":"Tide","is_completed":true,"genre":"Drama"}]}`))
	})

	stories, err := client.ListStories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.NotEmpty(t, gotID)
	assert.Equal(t, "/api/v1/stories/all", gotPath)
	require.Len(t, stories, 1)
	assert.Equal(t, story.Story{ID: 3, Title: "Tide", IsCompleted: true, Genre: "Drama"}, stories[0])
}

func TestMissingSessionFiresHookWithoutRequest(t *testing.T) {
	called := 0
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	client := NewClient(srv.URL, SessionFunc(func() string { return "" }), WithUnauthenticatedHook(func() { called++ }))
	_, err := client.GetStory(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 1, called)
	assert.Zero(t, hits)
}

func TestErrorDetailAndStatusFallback(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"detail string", http.StatusTooManyRequests, `{"detail":"Rate limit exceeded. Try again in 60s"}`, "Rate limit exceeded. Try again in 60s"},
		{"validation list", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, "field required"},
		{"no body", http.StatusInternalServerError, ``, "HTTP error! status: 500"},
		{"html body", http.StatusBadGateway, `<html>bad gateway</html>`, "HTTP error! status: 502"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.GenerateBatch(context.Background(), 9, BatchOptions{BatchSize: 2})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, tc.want, apiErr.Error())
			assert.Equal(t, tc.status == http.StatusTooManyRequests, IsRateLimited(err))
		})
	}
}

func TestUnauthorizedResponseFiresHook(t *testing.T) {
	called := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid token"}`))
	}, WithUnauthenticatedHook(func() { called++ }))

	err := client.DeleteStory(context.Background(), 4)
	require.Error(t, err)
	assert.Equal(t, 1, called)
}

func TestGenerateBatchSendsQueryParameters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/episodes/12/generate-batch", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("batch_size"))
		assert.Equal(t, "true", r.URL.Query().Get("hinglish"))
		assert.Equal(t, "HUMAN", r.URL.Query().Get("refinement_type"))
		_, _ = w.Write([]byte(`{"status":"success","episodes":[
			{"episode_number":4,"episode_title":"Four"},
			{"episode_number":3,"episode_title":"Three"}]}`))
	})

	res, err := client.GenerateBatch(context.Background(), 12, BatchOptions{BatchSize: 2, Hinglish: true, Refinement: story.ModeHuman})
	require.NoError(t, err)
	assert.False(t, res.Exhausted())
	require.Len(t, res.Episodes, 2)
	assert.Equal(t, 3, res.Episodes[0].Number)
}

func TestBatchResultExhausted(t *testing.T) {
	assert.True(t, BatchResult{Error: "All episodes generated"}.Exhausted())
	assert.True(t, BatchResult{Status: "success"}.Exhausted())
	// AI mode reports this message alongside freshly generated episodes.
	withEpisodes := BatchResult{
		Status:   "success",
		Message:  "All episodes generated, refined, and stored successfully",
		Episodes: []story.Episode{{Number: 1}},
	}
	assert.False(t, withEpisodes.Exhausted())
	assert.True(t, BatchResult{Status: "success", Message: "Story complete"}.StoryComplete())
}

func TestRefineBatchPostsFeedbackArray(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body []story.Feedback
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []story.Feedback{{EpisodeNumber: 2, Feedback: "more rain"}}, body)
		_, _ = w.Write([]byte(`{"status":"success","episodes":[{"episode_number":2,"episode_content":"rain"}]}`))
	})
	res, err := client.RefineBatch(context.Background(), 1, []story.Feedback{{EpisodeNumber: 2, Feedback: "more rain"}})
	require.NoError(t, err)
	assert.Equal(t, "rain", res.Episodes[0].Content)
}

func TestCreateStoryBlocksEmptyPrompt(t *testing.T) {
	hits := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits++ })
	_, err := client.CreateStory(context.Background(), story.CreateRequest{Prompt: "  "})
	assert.ErrorIs(t, err, story.ErrEmptyPrompt)
	assert.Zero(t, hits)
}

func TestCreateStoryClampsAndFillsDefaults(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req story.CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 50, req.NumEpisodes)
		assert.Equal(t, 3, req.BatchSize)
		_, _ = w.Write([]byte(`{"status":"success","story":{"story_id":8,"title":"Heist"}}`))
	})
	details, err := client.CreateStory(context.Background(), story.CreateRequest{Prompt: "a heist", NumEpisodes: 70, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 8, details.ID)
	assert.Equal(t, 50, details.TotalEpisodes)
	assert.Equal(t, 3, details.BatchSize)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&APIError{Status: 404}))
	assert.False(t, IsNotFound(errors.New("boom")))
}
