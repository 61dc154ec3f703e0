// internal/callback/server.go
//
// A short-lived loopback HTTP server that receives the auth provider's
// redirect after browser sign-in and hands the resulting session to the
// auth store as a SIGNED_IN event.

package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/shakescript/internal/auth"
)

// ServerStatus reports the listener lifecycle.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusWaiting  ServerStatus = "waiting"
	StatusSignedIn ServerStatus = "signed-in"
	StatusDraining ServerStatus = "draining"
)

// Sink receives the sign-in event. *auth.Store satisfies it.
type Sink interface {
	Apply(ctx context.Context, event auth.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event auth.Event) error

func (f SinkFunc) Apply(ctx context.Context, event auth.Event) error { return f(ctx, event) }

// Server wraps the loopback listener.
type Server struct {
	settings Settings
	sink     Sink
	logger   *zap.Logger
	clock    func() time.Time
	state    string

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	status   ServerStatus
	done     chan struct{}
	doneOnce sync.Once
}

// Option customizes server construction.
type Option func(*Server)

// WithSink sets where sign-in events are delivered.
func WithSink(sink Sink) Option {
	return func(s *Server) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control token expiry computation.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithState pins the anti-forgery state value instead of a random one.
func WithState(state string) Option {
	return func(s *Server) {
		if strings.TrimSpace(state) != "" {
			s.state = state
		}
	}
}

// NewServer prepares a callback server.
func NewServer(settings Settings, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		sink:     SinkFunc(func(context.Context, auth.Event) error { return nil }),
		logger:   zap.NewNop(),
		clock:    time.Now,
		state:    uuid.NewString(),
		status:   StatusStarting,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("callback: server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("callback: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("callback: listen %s: %w", addr, err)
	}
	s.listener = listener
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(CallbackPath, s.handleCallback)
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.server = server
	s.status = StatusWaiting
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Shutdown stops the listener and waits for in-flight requests. The lock is
// released before draining because handlers read the status.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	server := s.server
	if s.listener == nil || server == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDraining
	s.mu.Unlock()
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = nil
	s.server = nil
	s.mu.Unlock()
	return nil
}

// Addr returns the bound TCP address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns scheme + host:port of the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// CallbackURL is the bare callback endpoint.
func (s *Server) CallbackURL() string {
	return s.BaseURL() + CallbackPath
}

// RedirectURL is the redirect target to hand to the provider. It carries the
// state nonce itself so the check holds for providers that drop the state
// parameter or return tokens in the fragment.
func (s *Server) RedirectURL() string {
	return s.CallbackURL() + "?" + url.Values{"state": {s.state}}.Encode()
}

// State returns the anti-forgery value the provider must echo back.
func (s *Server) State() string {
	return s.state
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done is closed after the first successful sign-in.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Status())})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	if msg := strings.TrimSpace(q.Get("error_description")); msg != "" || q.Get("error") != "" {
		if msg == "" {
			msg = q.Get("error")
		}
		s.logger.Warn("provider reported error", zap.String("error", msg))
		writePage(w, http.StatusBadRequest, "Sign-in failed", msg)
		return
	}
	accessToken := strings.TrimSpace(q.Get("access_token"))
	if accessToken == "" {
		// Implicit-flow providers put tokens in the URL fragment, which the
		// browser never sends. Re-issue the request with the fragment as query.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fragmentRelayPage))
		return
	}
	if state := q.Get("state"); state == "" || state != s.state {
		s.logger.Warn("rejected callback", zap.Bool("state_present", state != ""))
		writePage(w, http.StatusBadRequest, "Sign-in failed", "The sign-in link has expired. Start again from the terminal.")
		return
	}
	expiresIn, _ := strconv.Atoi(q.Get("expires_in"))
	session, err := auth.NewSession(accessToken, q.Get("refresh_token"), expiresIn, s.clock())
	if err != nil {
		writePage(w, http.StatusBadRequest, "Sign-in failed", err.Error())
		return
	}
	if err := s.sink.Apply(r.Context(), auth.Event{Type: auth.EventSignedIn, Session: session}); err != nil {
		s.logger.Error("deliver sign-in", zap.Error(err))
		writePage(w, http.StatusInternalServerError, "Sign-in failed", "The terminal could not store the session.")
		return
	}
	s.mu.Lock()
	s.status = StatusSignedIn
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.logger.Info("sign-in received")
	writePage(w, http.StatusOK, "Signed in", "You can close this tab and return to the terminal.")
}

const fragmentRelayPage = `<!doctype html>
<html><body><p>Completing sign-in...</p>
<script>
if (window.location.hash.length > 1) {
  var search = window.location.search ? window.location.search + "&" : "?";
  window.location.replace(window.location.pathname + search + window.location.hash.substring(1));
} else {
  document.body.innerHTML = "<p>Sign-in failed: no credentials were returned.</p>";
}
</script></body></html>`

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>ShakeScript</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(message))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
