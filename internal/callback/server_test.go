package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kingrea/shakescript/internal/auth"
	"github.com/kingrea/shakescript/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testClient = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	settings := Settings{Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings, opts...)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return srv
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Client.Auth.CallbackHost = " localhost "
	cfg.Client.Auth.CallbackPort = 9001
	settings := SettingsFromConfig(cfg)
	if settings.Address() != "localhost:9001" {
		t.Fatalf("address = %s", settings.Address())
	}
	if settings.ReadTimeout != DefaultReadTimeout {
		t.Fatalf("expected default read timeout, got %s", settings.ReadTimeout)
	}
	if got := SettingsFromConfig(nil).Port; got != config.DefaultCallbackPort {
		t.Fatalf("expected default port, got %d", got)
	}
}

func TestServerHealth(t *testing.T) {
	srv := startServer(t)
	resp, err := testClient.Get(srv.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.StatusCode != http.StatusOK || payload["status"] != string(StatusWaiting) {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, payload)
	}
}

func TestCallbackDeliversSignIn(t *testing.T) {
	fixed := time.Unix(1730000000, 0).UTC()
	recorded := make(chan auth.Event, 1)
	srv := startServer(t,
		WithState("state-1"),
		WithClock(func() time.Time { return fixed }),
		WithSink(SinkFunc(func(ctx context.Context, e auth.Event) error {
			recorded <- e
			return nil
		})))

	q := url.Values{}
	q.Set("access_token", "tok")
	q.Set("refresh_token", "ref")
	q.Set("expires_in", "3600")
	q.Set("state", "state-1")
	resp, err := testClient.Get(srv.CallbackURL() + "?" + q.Encode())
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	select {
	case evt := <-recorded:
		if evt.Type != auth.EventSignedIn || evt.Session.AccessToken != "tok" || evt.Session.RefreshToken != "ref" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if !evt.Session.ExpiresAt.Equal(fixed.Add(time.Hour)) {
			t.Fatalf("expires at %s", evt.Session.ExpiresAt)
		}
	default:
		t.Fatalf("event not forwarded to sink")
	}
	select {
	case <-srv.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
	if srv.Status() != StatusSignedIn {
		t.Fatalf("status = %s", srv.Status())
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	called := false
	srv := startServer(t, WithState("expected"), WithSink(SinkFunc(func(context.Context, auth.Event) error {
		called = true
		return nil
	})))
	resp, err := testClient.Get(srv.CallbackURL() + "?access_token=tok&state=forged")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if called {
		t.Fatalf("sink must not see a forged callback")
	}
}

func TestCallbackRejectsMissingState(t *testing.T) {
	called := false
	srv := startServer(t, WithState("state-1"), WithSink(SinkFunc(func(context.Context, auth.Event) error {
		called = true
		return nil
	})))
	resp, err := testClient.Get(srv.CallbackURL() + "?access_token=attacker-token")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if called {
		t.Fatalf("sink must not see a callback without state")
	}
	if srv.Status() != StatusWaiting {
		t.Fatalf("status = %s", srv.Status())
	}
}

func TestRedirectURLCarriesState(t *testing.T) {
	recorded := make(chan auth.Event, 1)
	srv := startServer(t, WithState("state-1"), WithSink(SinkFunc(func(ctx context.Context, e auth.Event) error {
		recorded <- e
		return nil
	})))
	redirect, err := url.Parse(srv.RedirectURL())
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if redirect.Path != CallbackPath || redirect.Query().Get("state") != "state-1" {
		t.Fatalf("unexpected redirect %s", redirect)
	}

	// What the fragment relay produces: the redirect query plus the tokens.
	resp, err := testClient.Get(srv.RedirectURL() + "&access_token=tok&expires_in=60")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	select {
	case evt := <-recorded:
		if evt.Session.AccessToken != "tok" {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatalf("event not forwarded to sink")
	}
}

func TestCallbackWithoutQueryServesFragmentRelay(t *testing.T) {
	srv := startServer(t)
	resp, err := testClient.Get(srv.CallbackURL())
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected relay page, got %d", resp.StatusCode)
	}
	select {
	case <-srv.Done():
		t.Fatalf("relay page must not complete sign-in")
	default:
	}
}

func TestCallbackProviderError(t *testing.T) {
	srv := startServer(t)
	resp, err := testClient.Get(srv.CallbackURL() + "?error=access_denied&error_description=User+cancelled")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

type urlBuilderFunc func(redirectTo, state string) string

func (f urlBuilderFunc) SignInURL(redirectTo, state string) string { return f(redirectTo, state) }

func TestBeginBindsRedirectAndState(t *testing.T) {
	settings := Settings{Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	var gotRedirect, gotState string
	attempt, err := Begin(context.Background(), settings, urlBuilderFunc(func(redirectTo, state string) string {
		gotRedirect, gotState = redirectTo, state
		return "https://auth.example/authorize?state=" + state
	}), WithState("pinned"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer attempt.Close(context.Background())

	if gotState != "pinned" || attempt.URL != "https://auth.example/authorize?state=pinned" {
		t.Fatalf("unexpected url %q state %q", attempt.URL, gotState)
	}
	if gotRedirect != attempt.Server().RedirectURL() {
		t.Fatalf("redirect %q, want %q", gotRedirect, attempt.Server().RedirectURL())
	}
	select {
	case <-attempt.Done():
		t.Fatalf("attempt should still be waiting")
	default:
	}
}

func TestBeginRequiresBuilder(t *testing.T) {
	if _, err := Begin(context.Background(), Settings{}, nil); err == nil {
		t.Fatalf("expected error without url builder")
	}
}
