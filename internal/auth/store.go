// internal/auth/store.go
//
// Store holds the current session and profile. It starts in StateLoading
// until Load resolves the first session check, then moves between
// unauthenticated and authenticated as events are applied.

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/shakescript/internal/story"
)

// State is the store's coarse auth state.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "loading"
	}
}

// ErrNoSession is returned by Apply when a sign-in or refresh event arrives
// without credentials.
var ErrNoSession = errors.New("auth: event carries no session")

// Store is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	state      State
	session    *Session
	profile    *story.Profile
	generation uint64

	path      string
	provider  Provider
	profiles  ProfileLoader
	logger    *zap.Logger
	now       func() time.Time
	onSignOut func()

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithProvider sets the provider used for refresh and logout.
func WithProvider(p Provider) Option {
	return func(s *Store) { s.provider = p }
}

// WithProfileLoader sets how the profile is fetched after sign-in.
func WithProfileLoader(l ProfileLoader) Option {
	return func(s *Store) { s.profiles = l }
}

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSignOutHook runs fn after SignOut has cleared local state. The TUI uses
// it to navigate back to the home screen.
func WithSignOutHook(fn func()) Option {
	return func(s *Store) { s.onSignOut = fn }
}

// NewStore creates a store persisting its session at sessionPath. An empty
// path keeps the session in memory only.
func NewStore(sessionPath string, opts ...Option) *Store {
	s := &Store{
		state:  StateLoading,
		path:   sessionPath,
		logger: zap.NewNop(),
		now:    time.Now,
		subs:   map[*subscriber]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State returns the current auth state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Session returns a copy of the current session, or nil.
func (s *Store) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

// Profile returns a copy of the profile, or nil when signed out or when the
// profile fetch failed.
func (s *Store) Profile() *story.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	return &cp
}

// AccessToken satisfies api.SessionSource.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// Subscribe registers for auth events.
func (s *Store) Subscribe() Subscription {
	sub := newSubscriber(defaultSubscriberCapacity)
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() {
			s.subsMu.Lock()
			delete(s.subs, sub)
			s.subsMu.Unlock()
			sub.close()
		},
	}
}

func (s *Store) broadcast(event Event) {
	s.subsMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Load performs the first session check from the persisted session file,
// refreshing an expired token when possible.
func (s *Store) Load(ctx context.Context) error {
	session, err := loadSession(s.path)
	if err != nil {
		s.logger.Warn("stored session unreadable", zap.String("path", s.path), zap.Error(err))
		s.setUnauthenticated()
		return err
	}
	if session == nil {
		s.setUnauthenticated()
		return nil
	}
	if session.Expired(s.now()) {
		refreshed, err := s.refresh(ctx, session)
		if err != nil {
			s.logger.Warn("stored session expired and refresh failed", zap.Error(err))
			_ = removeSession(s.path)
			s.setUnauthenticated()
			return nil
		}
		session = refreshed
		s.logger.Debug("stored session refreshed", zap.String("user_id", session.UserID))
		if err := saveSession(s.path, session); err != nil {
			s.logger.Error("save refreshed session", zap.Error(err))
		}
	}
	gen := s.setSession(session, true)
	s.loadProfile(ctx, gen)
	return nil
}

// Apply handles an auth event from the provider.
func (s *Store) Apply(ctx context.Context, event Event) error {
	switch event.Type {
	case EventSignedIn:
		if event.Session == nil {
			return ErrNoSession
		}
		gen := s.setSession(event.Session, true)
		if err := saveSession(s.path, event.Session); err != nil {
			s.logger.Error("save session", zap.Error(err))
		}
		s.logger.Info("signed in", zap.String("user_id", event.Session.UserID))
		s.loadProfile(ctx, gen)
	case EventTokenRefreshed:
		if event.Session == nil {
			return ErrNoSession
		}
		s.setSession(event.Session, false)
		if err := saveSession(s.path, event.Session); err != nil {
			s.logger.Error("save refreshed session", zap.Error(err))
		}
		s.logger.Debug("token refreshed", zap.Time("expires_at", event.Session.ExpiresAt))
	case EventSignedOut:
		if err := s.clear(); err != nil {
			s.logger.Error("remove session", zap.Error(err))
		}
		s.logger.Info("signed out")
	default:
		return fmt.Errorf("auth: unknown event %q", event.Type)
	}
	s.broadcast(event)
	return nil
}

// EnsureFresh refreshes the access token if it is about to expire.
func (s *Store) EnsureFresh(ctx context.Context) error {
	current := s.Session()
	if current == nil {
		return ErrNoSession
	}
	if !current.Expired(s.now()) {
		return nil
	}
	refreshed, err := s.refresh(ctx, current)
	if err != nil {
		return err
	}
	return s.Apply(ctx, Event{Type: EventTokenRefreshed, Session: refreshed})
}

// SignOut revokes the session on the provider (best effort), clears local
// state and the persisted session, then runs the sign-out hook.
func (s *Store) SignOut(ctx context.Context) error {
	current := s.Session()
	if current != nil && s.provider != nil {
		if err := s.provider.Logout(ctx, current.AccessToken); err != nil {
			s.logger.Warn("provider logout failed", zap.Error(err))
		}
	}
	err := s.clear()
	s.broadcast(Event{Type: EventSignedOut})
	if s.onSignOut != nil {
		s.onSignOut()
	}
	return err
}

func (s *Store) refresh(ctx context.Context, session *Session) (*Session, error) {
	if s.provider == nil || session.RefreshToken == "" {
		return nil, errors.New("auth: session expired and cannot be refreshed")
	}
	return s.provider.Refresh(ctx, session.RefreshToken)
}

// setSession replaces the session. A new sign-in drops the profile and bumps
// the generation so a late profile fetch for a previous user is ignored.
func (s *Store) setSession(session *Session, newIdentity bool) uint64 {
	cp := *session
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = &cp
	s.state = StateAuthenticated
	if newIdentity {
		s.profile = nil
		s.generation++
	}
	return s.generation
}

func (s *Store) setUnauthenticated() {
	s.mu.Lock()
	s.state = StateUnauthenticated
	s.mu.Unlock()
}

func (s *Store) clear() error {
	s.mu.Lock()
	s.session = nil
	s.profile = nil
	s.state = StateUnauthenticated
	s.generation++
	s.mu.Unlock()
	return removeSession(s.path)
}

// loadProfile fetches the profile without holding the lock. Failure leaves
// the session in place with a nil profile.
func (s *Store) loadProfile(ctx context.Context, gen uint64) {
	if s.profiles == nil {
		return
	}
	profile, err := s.profiles.Profile(ctx)
	if err != nil {
		s.logger.Warn("profile fetch failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.session == nil {
		return
	}
	s.profile = profile
}
