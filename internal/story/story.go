// internal/story/story.go
//
// Domain records exchanged with the ShakeScript backend. Field names follow
// the backend's JSON contract (episode_number, episode_content, ...).

package story

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// MinEpisodes and MaxEpisodes bound the episode counter on the prompt form.
	MinEpisodes = 1
	MaxEpisodes = 50
)

var (
	// ErrEmptyPrompt is returned before any request is made for a blank prompt.
	ErrEmptyPrompt = errors.New("story: prompt is required")
	// ErrUnknownMode reports a refinement method the client does not understand.
	ErrUnknownMode = errors.New("story: unknown refinement method")
)

// Story is the summary row shown in list views.
type Story struct {
	ID          int    `json:"story_id"`
	Title       string `json:"title"`
	IsCompleted bool   `json:"is_completed"`
	Genre       string `json:"genre"`
}

// Episode is one generated chapter of a story.
type Episode struct {
	ID      int    `json:"episode_id"`
	Number  int    `json:"episode_number"`
	Title   string `json:"episode_title"`
	Content string `json:"episode_content"`
	Summary string `json:"episode_summary"`
}

// Details is the full story record returned by GET /stories/{id}.
type Details struct {
	ID               int            `json:"story_id"`
	Title            string         `json:"title"`
	TotalEpisodes    int            `json:"total_episodes"`
	CurrentEpisode   int            `json:"current_episode"`
	BatchSize        int            `json:"batch_size"`
	RefinementMethod RefinementMode `json:"refinement_method"`
	Episodes         []Episode      `json:"episodes"`
	Summary          string         `json:"summary"`
	Genre            string         `json:"genre,omitempty"`
	IsCompleted      bool           `json:"is_completed,omitempty"`
}

// Feedback is a free-text note attached to one episode of the pending batch.
type Feedback struct {
	EpisodeNumber int    `json:"episode_number"`
	Feedback      string `json:"feedback"`
}

// AsSummary projects the full record onto its list-view summary.
func (d Details) AsSummary() Story {
	completed := d.IsCompleted
	if d.TotalEpisodes > 0 && len(d.Episodes) >= d.TotalEpisodes {
		completed = true
	}
	return Story{ID: d.ID, Title: d.Title, IsCompleted: completed, Genre: d.Genre}
}

// EffectiveBatchSize never returns less than one.
func (d Details) EffectiveBatchSize() int {
	if d.BatchSize < 1 {
		return 1
	}
	return d.BatchSize
}

// SortEpisodes orders episodes by episode_number ascending in place.
func SortEpisodes(episodes []Episode) {
	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].Number < episodes[j].Number
	})
}

// Validate checks that episodes are unique, ascending and contiguous from 1.
func (d Details) Validate() error {
	return ValidateSequence(d.Episodes, 1)
}

// ValidateSequence checks that episodes are numbered start, start+1, ...
func ValidateSequence(episodes []Episode, start int) error {
	want := start
	for i, ep := range episodes {
		if ep.Number != want {
			return fmt.Errorf("story: episode[%d] has number %d, want %d", i, ep.Number, want)
		}
		want++
	}
	return nil
}

// Latest returns the episode with the highest episode_number.
func Latest(episodes []Episode) (Episode, bool) {
	if len(episodes) == 0 {
		return Episode{}, false
	}
	best := episodes[0]
	for _, ep := range episodes[1:] {
		if ep.Number > best.Number {
			best = ep
		}
	}
	return best, true
}

// Slug turns a title into a lowercase, dash-separated file stem.
func Slug(title string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(title)))
	if len(fields) == 0 {
		return "story"
	}
	return strings.Join(fields, "-")
}
