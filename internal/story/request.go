package story

import (
	"strings"
	"time"
)

// CreateRequest is the body of POST /stories/.
type CreateRequest struct {
	Prompt      string         `json:"prompt"`
	NumEpisodes int            `json:"num_episodes"`
	Refinement  RefinementMode `json:"refinement"`
	BatchSize   int            `json:"batch_size"`
	Hinglish    bool           `json:"hinglish"`
}

// Normalize trims the prompt and clamps the counters the way the prompt form does.
func (r *CreateRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.NumEpisodes = ClampEpisodes(r.NumEpisodes)
	r.BatchSize = ClampBatchSize(r.BatchSize, r.NumEpisodes)
}

// Validate blocks requests the backend would reject anyway.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// ClampEpisodes bounds an episode count to [MinEpisodes, MaxEpisodes].
func ClampEpisodes(n int) int {
	if n < MinEpisodes {
		return MinEpisodes
	}
	if n > MaxEpisodes {
		return MaxEpisodes
	}
	return n
}

// ClampBatchSize bounds a batch size to [1, episodes].
func ClampBatchSize(n, episodes int) int {
	episodes = ClampEpisodes(episodes)
	if n < 1 {
		return 1
	}
	if n > episodes {
		return episodes
	}
	return n
}

// Profile is the public user row.
type Profile struct {
	ID        int       `json:"id"`
	AuthID    string    `json:"auth_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsPremium bool      `json:"is_premium"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats aggregates a user's generation activity.
type Stats struct {
	TotalStories       int        `json:"total_stories"`
	TotalEpisodes      int        `json:"total_episodes"`
	EpisodesDayCount   int        `json:"episodes_day_count"`
	EpisodesMonthCount int        `json:"episodes_month_count"`
	CompletedStories   int        `json:"completed_stories"`
	InProgressStories  int        `json:"in_progress_stories"`
	AccountAgeDays     int        `json:"account_age_days"`
	LastActive         *time.Time `json:"last_active"`
}

// RecentStory is a loosely-typed row of the dashboard's recent list.
type RecentStory struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	IsCompleted bool   `json:"is_completed"`
	Genre       string `json:"genre"`
}

// Dashboard is the payload of GET /dashboard/.
type Dashboard struct {
	User          Profile       `json:"user"`
	Stats         Stats         `json:"stats"`
	RecentStories []RecentStory `json:"recent_stories"`
	PremiumStatus bool          `json:"premium_status"`
}
