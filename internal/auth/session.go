package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryMargin treats a token as expired slightly early so requests do not
// race the provider's clock.
const expiryMargin = 30 * time.Second

// Session is the credential set issued by the auth provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id,omitempty"`
	Email        string    `json:"email,omitempty"`
}

// NewSession builds a session from the provider's token response. When
// expiresIn is not positive the expiry is read from the access token's exp
// claim. The token signature is not verified; the backend does that.
func NewSession(accessToken, refreshToken string, expiresIn int, now time.Time) (*Session, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, errors.New("auth: access token is required")
	}
	s := &Session{AccessToken: accessToken, RefreshToken: strings.TrimSpace(refreshToken)}
	claims := jwt.MapClaims{}
	_, _, parseErr := jwt.NewParser().ParseUnverified(accessToken, claims)
	if parseErr == nil {
		if sub, err := claims.GetSubject(); err == nil {
			s.UserID = sub
		}
		if email, ok := claims["email"].(string); ok {
			s.Email = email
		}
	}
	switch {
	case expiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	case parseErr == nil:
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time
		}
	}
	return s, nil
}

// Expired reports whether the access token should no longer be used. A zero
// ExpiresAt means the provider gave no expiry and the token is trusted until
// the backend rejects it.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(expiryMargin).Before(s.ExpiresAt)
}

func loadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("auth: parse session: %w", err)
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return nil, nil
	}
	return &s, nil
}

func saveSession(path string, s *Session) error {
	if path == "" || s == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("auth: ensure session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("auth: write session: %w", err)
	}
	return nil
}

func removeSession(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("auth: remove session: %w", err)
	}
	return nil
}
