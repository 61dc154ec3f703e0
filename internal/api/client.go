// internal/api/client.go
//
// Thin wrapper over the ShakeScript REST API. Every request carries the
// caller's bearer token; a missing session short-circuits before the network
// and non-2xx responses become *APIError values carrying the server detail.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when no session is available.
var ErrUnauthenticated = errors.New("api: user not authenticated")

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return e.Detail
}

// IsRateLimited reports whether err is an HTTP 429 from the backend.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// IsNotFound reports whether err is an HTTP 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// SessionSource supplies the current access token. An empty token means the
// user is signed out.
type SessionSource interface {
	AccessToken() string
}

// SessionFunc adapts a plain function to SessionSource.
type SessionFunc func() string

func (f SessionFunc) AccessToken() string { return f() }

// Client talks to <base>/api/v1.
type Client struct {
	base              string
	session           SessionSource
	httpClient        *http.Client
	logger            *zap.Logger
	onUnauthenticated func()
	newRequestID      func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds each request. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger routes request logs to l.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUnauthenticatedHook registers fn to run when the session is missing or
// the backend answers 401. The TUI uses it to return to the login screen.
func WithUnauthenticatedHook(fn func()) Option {
	return func(c *Client) {
		c.onUnauthenticated = fn
	}
}

// NewClient builds a client for the backend at baseURL.
func NewClient(baseURL string, session SessionSource, opts ...Option) *Client {
	c := &Client{
		base:         strings.TrimRight(baseURL, "/") + "/api/v1",
		session:      session,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		logger:       zap.NewNop(),
		newRequestID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BaseURL returns the resolved API root.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) unauthenticated() error {
	if c.onUnauthenticated != nil {
		c.onUnauthenticated()
	}
	return ErrUnauthenticated
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token := ""
	if c.session != nil {
		token = strings.TrimSpace(c.session.AccessToken())
	}
	if token == "" {
		return c.unauthenticated()
	}

	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	requestID := c.newRequestID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", requestID)

	log := c.logger.With(
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
	)
	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("request failed", zap.Error(err))
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	fields := []zap.Field{zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(started))}
	switch {
	case resp.StatusCode >= 500:
		log.Error("request", fields...)
	case resp.StatusCode >= 400:
		log.Warn("request", fields...)
	default:
		log.Debug("request", fields...)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthenticated != nil {
			c.onUnauthenticated()
		}
		return &APIError{Status: resp.StatusCode, Detail: errorDetail(resp.StatusCode, data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorDetail pulls the FastAPI-style "detail" field out of an error body.
// Validation errors carry a list of objects instead of a string.
func errorDetail(status int, data []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Detail) > 0 {
		var text string
		if err := json.Unmarshal(payload.Detail, &text); err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(payload.Detail, &items); err == nil {
			var msgs []string
			for _, item := range items {
				if item.Msg != "" {
					msgs = append(msgs, item.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return fmt.Sprintf("HTTP error! status: %d", status)
}
