package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kingrea/shakescript/internal/story"
)

// Provider is the external OAuth/session issuer.
type Provider interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	Logout(ctx context.Context, accessToken string) error
}

// ProfileLoader fetches the public user row for the signed-in user.
type ProfileLoader interface {
	Profile(ctx context.Context) (*story.Profile, error)
}

// ProfileFunc adapts a function to ProfileLoader.
type ProfileFunc func(ctx context.Context) (*story.Profile, error)

func (f ProfileFunc) Profile(ctx context.Context) (*story.Profile, error) { return f(ctx) }

// HTTPProvider talks to a GoTrue-style auth endpoint.
type HTTPProvider struct {
	base       string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPProvider builds a provider rooted at authURL. A nil client uses a
// 30s-timeout default.
func NewHTTPProvider(authURL string, hc *http.Client) *HTTPProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		base:       strings.TrimRight(authURL, "/"),
		httpClient: hc,
		now:        time.Now,
	}
}

// SignInURL is the page the user opens in a browser. The provider redirects
// back to redirectTo with the tokens in the query string.
func (p *HTTPProvider) SignInURL(redirectTo, state string) string {
	q := url.Values{}
	q.Set("provider", "google")
	q.Set("redirect_to", redirectTo)
	if state != "" {
		q.Set("state", state)
	}
	return p.base + "/authorize?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Refresh exchanges a refresh token for a new session.
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	endpoint := p.base + "/token?grant_type=refresh_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("auth: refresh failed: status=%d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("auth: decode refresh response: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	session, err := NewSession(tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, p.now())
	if err != nil {
		return nil, err
	}
	if tok.User.ID != "" {
		session.UserID = tok.User.ID
	}
	if tok.User.Email != "" {
		session.Email = tok.User.Email
	}
	return session, nil
}

// Logout revokes the session on the provider side.
func (p *HTTPProvider) Logout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/logout", nil)
	if err != nil {
		return fmt.Errorf("auth: build logout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("auth: logout failed: status=%d", resp.StatusCode)
	}
	return nil
}
