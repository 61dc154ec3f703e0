package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kingrea/shakescript/internal/story"
)

// BatchResult is the payload of generate-batch, refine-batch and
// validate-batch.
type BatchResult struct {
	Status   string          `json:"status"`
	Episodes []story.Episode `json:"episodes"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
}

// Success reports a "success" status.
func (r BatchResult) Success() bool {
	return strings.EqualFold(r.Status, "success")
}

// Exhausted is true when the backend had nothing left to generate.
func (r BatchResult) Exhausted() bool {
	if len(r.Episodes) == 0 {
		return true
	}
	return strings.Contains(r.Error, "All episodes generated")
}

// StoryComplete reports the validate-batch completion signal.
func (r BatchResult) StoryComplete() bool {
	return strings.Contains(r.Message, "Story complete")
}

// BatchOptions are the generate-batch query parameters.
type BatchOptions struct {
	BatchSize  int
	Hinglish   bool
	Refinement story.RefinementMode
}

func (o BatchOptions) query() url.Values {
	q := url.Values{}
	size := o.BatchSize
	if size < 1 {
		size = 1
	}
	q.Set("batch_size", strconv.Itoa(size))
	q.Set("hinglish", strconv.FormatBool(o.Hinglish))
	q.Set("refinement_type", o.Refinement.String())
	return q
}

// ListStories returns every story summary owned by the user.
func (c *Client) ListStories(ctx context.Context) ([]story.Story, error) {
	var out struct {
		Stories []story.Story `json:"stories"`
	}
	if err := c.do(ctx, http.MethodGet, "/stories/all", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Stories, nil
}

// GetStory fetches the full record with its validated episodes.
func (c *Client) GetStory(ctx context.Context, id int) (story.Details, error) {
	var out struct {
		Story story.Details `json:"story"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/stories/%d", id), nil, nil, &out); err != nil {
		return story.Details{}, err
	}
	story.SortEpisodes(out.Story.Episodes)
	return out.Story, nil
}

// CreateStory validates the request locally, then posts it.
func (c *Client) CreateStory(ctx context.Context, req story.CreateRequest) (story.Details, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return story.Details{}, err
	}
	var out struct {
		Story story.Details `json:"story"`
	}
	if err := c.do(ctx, http.MethodPost, "/stories/", nil, req, &out); err != nil {
		return story.Details{}, err
	}
	if out.Story.BatchSize == 0 {
		out.Story.BatchSize = req.BatchSize
	}
	if out.Story.TotalEpisodes == 0 {
		out.Story.TotalEpisodes = req.NumEpisodes
	}
	return out.Story, nil
}

// DeleteStory removes a story and its episodes.
func (c *Client) DeleteStory(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/stories/%d", id), nil, nil, nil)
}

// CompleteStory sets the explicit completion marker.
func (c *Client) CompleteStory(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/stories/%d/complete", id), nil, nil, nil)
}

// UpdateSummary asks the backend to regenerate the story summary.
func (c *Client) UpdateSummary(ctx context.Context, id int) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/stories/%d/summary", id), nil, nil, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// GenerateBatch requests the next batch of episodes.
func (c *Client) GenerateBatch(ctx context.Context, id int, opts BatchOptions) (BatchResult, error) {
	var out BatchResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/episodes/%d/generate-batch", id), opts.query(), nil, &out)
	story.SortEpisodes(out.Episodes)
	return out, err
}

// RefineBatch sends per-episode feedback and returns the regenerated batch.
func (c *Client) RefineBatch(ctx context.Context, id int, feedback []story.Feedback) (BatchResult, error) {
	if feedback == nil {
		feedback = []story.Feedback{}
	}
	var out BatchResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/episodes/%d/refine-batch", id), nil, feedback, &out)
	story.SortEpisodes(out.Episodes)
	return out, err
}

// ValidateBatch commits the pending batch.
func (c *Client) ValidateBatch(ctx context.Context, id int) (BatchResult, error) {
	var out BatchResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/episodes/%d/validate-batch", id), nil, nil, &out)
	return out, err
}

// Dashboard returns the profile, stats and recent stories.
func (c *Client) Dashboard(ctx context.Context) (story.Dashboard, error) {
	var out story.Dashboard
	if err := c.do(ctx, http.MethodGet, "/dashboard/", nil, nil, &out); err != nil {
		return story.Dashboard{}, err
	}
	return out, nil
}
