package callback

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/shakescript/internal/config"
)

const (
	// CallbackPath is where the auth provider redirects after sign-in.
	CallbackPath = "/auth/callback"
	// DefaultReadTimeout guards hung browsers.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
)

// Settings captures the loopback listener configuration.
type Settings struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig builds Settings from the client's auth section. Env
// overrides have already been folded in by config.Load.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{
		Host: config.DefaultCallbackHost,
		Port: config.DefaultCallbackPort,
	}
	if cfg != nil {
		if host := strings.TrimSpace(cfg.Client.Auth.CallbackHost); host != "" {
			settings.Host = host
		}
		if isValidPort(cfg.Client.Auth.CallbackPort) {
			settings.Port = cfg.Client.Auth.CallbackPort
		}
	}
	settings.normalize()
	return settings
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = config.DefaultCallbackHost
	}
	if !isValidPort(s.Port) {
		s.Port = config.DefaultCallbackPort
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the listener.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

// Port 0 asks the kernel for a free port.
func isValidPort(port int) bool {
	return port >= 0 && port <= 65535
}
