// internal/library/cache.go
//
// Cache is the single source of truth for the story list views. It keeps the
// user's stories partitioned into completed and incomplete collections and
// is mutated optimistically as stories are created, completed and deleted.
//
// Every local mutation bumps a version. A refresh records the version before
// it fetches and throws its result away if a mutation landed in between, so
// a slow background refresh can never resurrect a deleted story.

package library

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kingrea/shakescript/internal/story"
)

// DefaultTTL is how long a successful refresh is considered fresh.
const DefaultTTL = 6 * time.Minute

// Backend is the slice of the API client the cache needs.
type Backend interface {
	ListStories(ctx context.Context) ([]story.Story, error)
	DeleteStory(ctx context.Context, id int) error
}

// Collection selects which list a view reads.
type Collection int

const (
	All Collection = iota
	Completed
	Incomplete
)

// Snapshot is an immutable copy of both collections.
type Snapshot struct {
	Completed  []story.Story
	Incomplete []story.Story
	FetchedAt  time.Time
	Loading    bool
}

// Cache is safe for concurrent use.
type Cache struct {
	backend Backend
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu         sync.RWMutex
	completed  []story.Story
	incomplete []story.Story
	version    uint64
	fetchedAt  time.Time
	inflight   int
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		logger:  zap.NewNop(),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Refresh fetches every story and replaces both collections atomically.
// Concurrent callers share one request. On failure, or when a local mutation
// happened while the request was in flight, the collections are left as they
// were.
//
// The shared request ignores cancellation of whichever caller started it. ctx
// only bounds how long this caller waits.
func (c *Cache) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshIfStale refreshes only when the last successful refresh is older
// than the TTL.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.Refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) error {
	c.mu.Lock()
	startVersion := c.version
	c.inflight++
	c.mu.Unlock()

	stories, err := c.backend.ListStories(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if err != nil {
		c.logger.Warn("refresh failed", zap.Error(err))
		return fmt.Errorf("library: refresh: %w", err)
	}
	if c.version != startVersion {
		c.logger.Debug("discarding stale refresh",
			zap.Uint64("fetched_version", startVersion),
			zap.Uint64("current_version", c.version))
		return nil
	}
	c.completed, c.incomplete = partition(stories)
	c.fetchedAt = c.now()
	c.logger.Debug("refreshed",
		zap.Int("completed", len(c.completed)),
		zap.Int("incomplete", len(c.incomplete)))
	return nil
}

// Add inserts a newly created story at the top of its collection, replacing
// any entry with the same id.
func (c *Cache) Add(s story.Story) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.completed = without(c.completed, s.ID)
	c.incomplete = without(c.incomplete, s.ID)
	if s.IsCompleted {
		c.completed = prepend(c.completed, s)
	} else {
		c.incomplete = prepend(c.incomplete, s)
	}
}

// Complete moves a story from incomplete to completed. Unknown ids are a
// no-op.
func (c *Cache) Complete(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := indexOf(c.incomplete, id)
	if idx < 0 {
		return
	}
	c.version++
	s := c.incomplete[idx]
	s.IsCompleted = true
	c.incomplete = without(c.incomplete, id)
	c.completed = prepend(without(c.completed, id), s)
}

// Delete removes the story on the backend, then from both collections. The
// collections are untouched when the backend call fails.
func (c *Cache) Delete(ctx context.Context, id int) error {
	if err := c.backend.DeleteStory(ctx, id); err != nil {
		c.logger.Warn("delete failed", zap.Int("story_id", id), zap.Error(err))
		return fmt.Errorf("library: delete story %d: %w", id, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.completed = without(c.completed, id)
	c.incomplete = without(c.incomplete, id)
	return nil
}

// Snapshot returns copies of both collections.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Completed:  append([]story.Story(nil), c.completed...),
		Incomplete: append([]story.Story(nil), c.incomplete...),
		FetchedAt:  c.fetchedAt,
		Loading:    c.inflight > 0,
	}
}

// Loading reports an in-flight refresh.
func (c *Cache) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inflight > 0
}

// Find looks a story up in either collection.
func (c *Cache) Find(id int) (story.Story, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx := indexOf(c.incomplete, id); idx >= 0 {
		return c.incomplete[idx], true
	}
	if idx := indexOf(c.completed, id); idx >= 0 {
		return c.completed[idx], true
	}
	return story.Story{}, false
}

// Filter returns the stories of a collection whose title contains query
// (case-insensitive) and whose genre matches genre. Empty query and genre
// match everything.
func (c *Cache) Filter(which Collection, query, genre string) []story.Story {
	snap := c.Snapshot()
	var source []story.Story
	switch which {
	case Completed:
		source = snap.Completed
	case Incomplete:
		source = snap.Incomplete
	default:
		source = append(snap.Incomplete, snap.Completed...)
	}
	query = strings.ToLower(strings.TrimSpace(query))
	genre = strings.TrimSpace(genre)
	out := make([]story.Story, 0, len(source))
	for _, s := range source {
		if query != "" && !strings.Contains(strings.ToLower(s.Title), query) {
			continue
		}
		if genre != "" && !strings.EqualFold(s.Genre, genre) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Genres lists the distinct genres across both collections, sorted.
func (c *Cache) Genres() []string {
	snap := c.Snapshot()
	seen := map[string]string{}
	for _, s := range append(snap.Completed, snap.Incomplete...) {
		g := strings.TrimSpace(s.Genre)
		if g == "" {
			continue
		}
		key := strings.ToLower(g)
		if _, ok := seen[key]; !ok {
			seen[key] = g
		}
	}
	out := make([]string, 0, len(seen))
	for _, g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// partition splits by is_completed. A duplicated id keeps its last row.
func partition(stories []story.Story) (completed, incomplete []story.Story) {
	completed = []story.Story{}
	incomplete = []story.Story{}
	for _, s := range stories {
		completed = without(completed, s.ID)
		incomplete = without(incomplete, s.ID)
		if s.IsCompleted {
			completed = append(completed, s)
		} else {
			incomplete = append(incomplete, s)
		}
	}
	return completed, incomplete
}

func indexOf(list []story.Story, id int) int {
	for i, s := range list {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// without returns a new slice; callers may still hold the old one through a
// Snapshot.
func without(list []story.Story, id int) []story.Story {
	if indexOf(list, id) < 0 {
		return list
	}
	out := make([]story.Story, 0, len(list)-1)
	for _, s := range list {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func prepend(list []story.Story, s story.Story) []story.Story {
	out := make([]story.Story, 0, len(list)+1)
	out = append(out, s)
	return append(out, list...)
}
