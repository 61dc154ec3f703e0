package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/shakescript/internal/logging"
	"github.com/kingrea/shakescript/internal/story"
)

// fakeServer is an in-memory story backend speaking the REST contract.
type fakeServer struct {
	mu        sync.Mutex
	nextID    int
	stories   map[int]*story.Details
	pending   map[int][]story.Episode
	created   []story.CreateRequest
	refined   [][]story.Feedback
	completed []int
	deleted   []int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{nextID: 100, stories: map[int]*story.Details{}, pending: map[int][]story.Episode{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/stories/all", f.list)
	mux.HandleFunc("POST /api/v1/stories/{$}", f.create)
	mux.HandleFunc("GET /api/v1/stories/{id}", f.get)
	mux.HandleFunc("DELETE /api/v1/stories/{id}", f.remove)
	mux.HandleFunc("POST /api/v1/stories/{id}/complete", f.complete)
	mux.HandleFunc("POST /api/v1/episodes/{id}/generate-batch", f.generate)
	mux.HandleFunc("POST /api/v1/episodes/{id}/refine-batch", f.refine)
	mux.HandleFunc("POST /api/v1/episodes/{id}/validate-batch", f.validate)
	mux.HandleFunc("GET /api/v1/dashboard/{$}", f.dashboard)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) seed(d story.Details) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := d
	f.stories[d.ID] = &copied
}

func (f *fakeServer) deletedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deleted...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeServer) lookup(w http.ResponseWriter, r *http.Request) (*story.Details, bool) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	d, ok := f.stories[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Story not found"})
	}
	return d, ok
}

func (f *fakeServer) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []story.Story{}
	for id := 100; id < f.nextID+100; id++ {
		if d, ok := f.stories[id]; ok {
			out = append(out, d.AsSummary())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": out})
}

func (f *fakeServer) create(w http.ResponseWriter, r *http.Request) {
	var req story.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	d := &story.Details{
		ID:               f.nextID,
		Title:            "The Storm",
		TotalEpisodes:    req.NumEpisodes,
		BatchSize:        req.BatchSize,
		RefinementMethod: req.Refinement,
	}
	f.stories[d.ID] = d
	f.nextID++
	writeJSON(w, http.StatusOK, map[string]any{"story": d})
}

func (f *fakeServer) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"story": d})
	}
}

func (f *fakeServer) remove(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.lookup(w, r); ok {
		f.deleted = append(f.deleted, d.ID)
		delete(f.stories, d.ID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
	}
}

func (f *fakeServer) complete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.lookup(w, r); ok {
		f.completed = append(f.completed, d.ID)
		d.IsCompleted = true
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func (f *fakeServer) generate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.lookup(w, r)
	if !ok {
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("batch_size"))
	start := len(d.Episodes) + 1
	if start > d.TotalEpisodes {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "error": "All episodes generated"})
		return
	}
	var eps []story.Episode
	for n := start; n < start+size && n <= d.TotalEpisodes; n++ {
		eps = append(eps, story.Episode{ID: d.ID*100 + n, Number: n, Title: fmt.Sprintf("Part %d", n), Content: "The wind rose."})
	}
	f.pending[d.ID] = eps
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "episodes": eps})
}

func (f *fakeServer) refine(w http.ResponseWriter, r *http.Request) {
	var notes []story.Feedback
	_ = json.NewDecoder(r.Body).Decode(&notes)
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.lookup(w, r)
	if !ok {
		return
	}
	f.refined = append(f.refined, notes)
	eps := append([]story.Episode(nil), f.pending[d.ID]...)
	for i := range eps {
		eps[i].Content = "The rain came down."
	}
	f.pending[d.ID] = eps
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "episodes": eps})
}

func (f *fakeServer) validate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.lookup(w, r)
	if !ok {
		return
	}
	d.Episodes = append(d.Episodes, f.pending[d.ID]...)
	delete(f.pending, d.ID)
	msg := "Batch validated"
	if len(d.Episodes) >= d.TotalEpisodes {
		msg = "Story complete"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": msg})
}

func (f *fakeServer) dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, story.Dashboard{
		User:  story.Profile{Name: "Ada Lovelace", Email: "ada@example.com"},
		Stats: story.Stats{TotalStories: 2, CompletedStories: 1, InProgressStories: 1, TotalEpisodes: 7},
	})
}

// newHome prepares a client home pointed at srv. A session is stored unless
// signedIn is false.
func newHome(t *testing.T, srv *httptest.Server, signedIn bool) string {
	t.Helper()
	home := t.TempDir()
	cfg := fmt.Sprintf("version: 1\nbackend:\n  url: %s\n  timeout: 5s\nauth:\n  url: %s/auth\nrefinement:\n  settle_delay: 1ms\n", srv.URL, srv.URL)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644))
	if signedIn {
		require.NoError(t, os.WriteFile(filepath.Join(home, "session.json"), []byte(`{"access_token":"tok","email":"ada@example.com"}`), 0o600))
	}
	return home
}

// execute runs the root command with fresh flag values.
func execute(t *testing.T, home, stdin string, args ...string) (string, error) {
	t.Helper()
	newEpisodes, newBatch, newMode, hinglish = 5, 2, "ai", false
	listWhich, listSearch, listGenre = "all", "", ""
	readPlain, deleteYes, exportDir = false, false, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--home", home}, args...))
	err := rootCmd.Execute()
	if env != nil {
		env.Close()
		env = nil
	}
	return out.String(), err
}

func TestCommandsRequireSession(t *testing.T) {
	_, srv := newFakeServer(t)
	home := newHome(t, srv, false)
	_, err := execute(t, home, "", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed in")
}

func TestListFiltersCollections(t *testing.T) {
	f, srv := newFakeServer(t)
	f.seed(story.Details{ID: 100, Title: "Harbour Lights", Genre: "Mystery", TotalEpisodes: 1, Episodes: []story.Episode{{Number: 1}}})
	f.seed(story.Details{ID: 101, Title: "Red Harvest", TotalEpisodes: 3})
	home := newHome(t, srv, true)

	out, err := execute(t, home, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Harbour Lights")
	assert.Contains(t, out, "Red Harvest")
	assert.Contains(t, out, "in progress")

	out, err = execute(t, home, "", "list", "--show", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "Harbour Lights")
	assert.NotContains(t, out, "Red Harvest")

	_, err = execute(t, home, "", "list", "--show", "someday")
	assert.Error(t, err)
}

func TestNewRunsAIStoryToCompletion(t *testing.T) {
	f, srv := newFakeServer(t)
	home := newHome(t, srv, true)

	out, err := execute(t, home, "", "new", "-n", "3", "-b", "2", "A", "storm", "at", "sea")
	require.NoError(t, err)
	assert.Contains(t, out, "Created story 100")
	assert.Contains(t, out, "Story complete: 3 episodes")
	assert.Contains(t, out, "· batch ready batch=1")
	assert.Contains(t, out, "· story complete validated=3")

	logged, err := os.ReadFile(filepath.Join(home, "logs", logging.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(logged), `"logger":"refinement"`)
	assert.Contains(t, string(logged), `"story_id":100`)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.created, 1)
	assert.Equal(t, "A storm at sea", f.created[0].Prompt)
	assert.Equal(t, story.ModeAI, f.created[0].Refinement)
	assert.Len(t, f.stories[100].Episodes, 3)
	assert.Equal(t, []int{100}, f.completed)
	assert.Empty(t, f.refined)
}

func TestNewHumanStoryCollectsFeedback(t *testing.T) {
	f, srv := newFakeServer(t)
	home := newHome(t, srv, true)

	// Notes for episode 1, none for 2; then accept the regenerated batch.
	out, err := execute(t, home, "more rain\n\n\n\n", "new", "-n", "2", "-b", "2", "-m", "human", "storm")
	require.NoError(t, err)
	assert.Contains(t, out, "Feedback for episode 1")
	assert.Contains(t, out, "The rain came down.")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.refined, 1)
	assert.Equal(t, []story.Feedback{{EpisodeNumber: 1, Feedback: "more rain"}}, f.refined[0])
	assert.Len(t, f.stories[100].Episodes, 2)
}

func TestResumeContinuesFromValidatedEpisodes(t *testing.T) {
	f, srv := newFakeServer(t)
	f.seed(story.Details{ID: 100, Title: "Half Told", TotalEpisodes: 4, BatchSize: 2,
		Episodes: []story.Episode{{Number: 1}, {Number: 2}}})
	home := newHome(t, srv, true)

	out, err := execute(t, home, "", "resume", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "Resuming Half Told at 2/4 episodes")

	f.mu.Lock()
	defer f.mu.Unlock()
	eps := f.stories[100].Episodes
	require.Len(t, eps, 4)
	assert.Equal(t, 3, eps[2].Number)
}

func TestDeleteAsksForConfirmation(t *testing.T) {
	f, srv := newFakeServer(t)
	f.seed(story.Details{ID: 100, Title: "Doomed", TotalEpisodes: 1})
	home := newHome(t, srv, true)

	out, err := execute(t, home, "n\n", "delete", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "Delete cancelled.")
	assert.Empty(t, f.deletedIDs())

	out, err = execute(t, home, "", "delete", "--yes", "100")
	require.NoError(t, err)
	assert.Contains(t, out, `Deleted "Doomed"`)
	assert.Equal(t, []int{100}, f.deletedIDs())
}

func TestReadPlainPrintsChaptersInOrder(t *testing.T) {
	f, srv := newFakeServer(t)
	f.seed(story.Details{ID: 100, Title: "Tide", TotalEpisodes: 2, Episodes: []story.Episode{
		{Number: 2, Title: "Ebb", Content: "Out it went."},
		{Number: 1, Title: "Flood", Content: "In it came."},
	}})
	home := newHome(t, srv, true)

	out, err := execute(t, home, "", "read", "--plain", "100")
	require.NoError(t, err)
	first := strings.Index(out, "## Chapter 1: Flood")
	second := strings.Index(out, "## Chapter 2: Ebb")
	require.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first)
	assert.True(t, strings.HasPrefix(out, "# Tide"))

	_, err = execute(t, home, "", "read", "abc")
	assert.Error(t, err)
}

func TestExportWritesPDF(t *testing.T) {
	f, srv := newFakeServer(t)
	f.seed(story.Details{ID: 100, Title: "The Last Tide", TotalEpisodes: 1, Episodes: []story.Episode{{Number: 1, Title: "One", Content: "Salt."}}})
	home := newHome(t, srv, true)
	dir := t.TempDir()

	out, err := execute(t, home, "", "export", "-o", dir, "100")
	require.NoError(t, err)
	path := filepath.Join(dir, "the-last-tide.pdf")
	assert.Equal(t, path, strings.TrimSpace(out))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestStatsAndWhoami(t *testing.T) {
	_, srv := newFakeServer(t)
	home := newHome(t, srv, true)

	out, err := execute(t, home, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada Lovelace")
	assert.Contains(t, out, "2 (1 completed, 1 in progress)")

	out, err = execute(t, home, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Ada Lovelace")
	assert.Contains(t, out, "ada@example.com")
}

func TestLogoutRemovesSession(t *testing.T) {
	_, srv := newFakeServer(t)
	home := newHome(t, srv, true)

	out, err := execute(t, home, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out.")
	_, statErr := os.Stat(filepath.Join(home, "session.json"))
	assert.True(t, os.IsNotExist(statErr))

	out, err = execute(t, home, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Not signed in.")
}

func TestStoryMarkdownWithoutTitle(t *testing.T) {
	md := storyMarkdown(story.Details{Summary: "A summary."})
	assert.Equal(t, "# Untitled story\n\n_A summary._\n\n", md)
}
