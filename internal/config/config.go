// internal/config/config.go
//
// This package handles configuration and the client's home directory.
// Every installation gets a home folder (default ~/.config/shakescript)
// holding config.yaml, the persisted session and the logs.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// HomeEnv overrides the client home directory.
	HomeEnv = "SHAKESCRIPT_HOME"

	appDirName = "shakescript"

	DefaultBackendURL     = "http://127.0.0.1:8000"
	DefaultAuthURL        = "http://127.0.0.1:8000/api/v1/auth"
	DefaultCallbackHost   = "127.0.0.1"
	DefaultCallbackPort   = 51121
	DefaultBackendTimeout = 120 * time.Second
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultCacheTTL       = 6 * time.Minute
	DefaultLogLevel       = "info"
)

const defaultClientConfigYAML = `# shakescript client configuration
version: 1

backend:
  # Base URL of the story API. SHAKESCRIPT_BACKEND_URL overrides it.
  url: http://127.0.0.1:8000
  timeout: 120s

auth:
  url: http://127.0.0.1:8000/api/v1/auth
  callback_host: 127.0.0.1
  callback_port: 51121

refinement:
  hinglish: false
  # Pause between validating a batch and requesting the next one.
  settle_delay: 500ms

library:
  cache_ttl: 6m

log:
  level: info
`

// BackendConfig points at the story API.
type BackendConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// AuthConfig describes the OAuth provider and the loopback callback.
type AuthConfig struct {
	URL          string `yaml:"url"`
	CallbackHost string `yaml:"callback_host"`
	CallbackPort int    `yaml:"callback_port"`
}

// RefinementConfig carries generation preferences.
type RefinementConfig struct {
	Hinglish    bool     `yaml:"hinglish"`
	SettleDelay Duration `yaml:"settle_delay"`
}

// LibraryConfig tunes the story list cache.
type LibraryConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"`
}

// LogConfig sets the minimum log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ClientConfig models config.yaml.
type ClientConfig struct {
	Version    int              `yaml:"version"`
	Backend    BackendConfig    `yaml:"backend"`
	Auth       AuthConfig       `yaml:"auth"`
	Refinement RefinementConfig `yaml:"refinement"`
	Library    LibraryConfig    `yaml:"library"`
	Log        LogConfig        `yaml:"log"`
}

// Config holds the runtime configuration.
type Config struct {
	// Home is the directory holding config.yaml, session.json and logs/
	Home string

	Client ClientConfig
}

// DefaultHome resolves the home directory from SHAKESCRIPT_HOME or the user config dir.
func DefaultHome() (string, error) {
	if home := strings.TrimSpace(os.Getenv(HomeEnv)); home != "" {
		return filepath.Clean(home), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// InitHome creates the home directory structure.
//
// Structure created:
// <home>/
// ├── config.yaml
// ├── logs/      <- zap log and the journey logbook
// └── exports/   <- default PDF destination
func InitHome(home string) error {
	dirs := []string{
		home,
		filepath.Join(home, "logs"),
		filepath.Join(home, "exports"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureClientConfig(filepath.Join(home, "config.yaml"))
}

// Load reads <home>/config.yaml (if present), then .env files and
// environment overrides.
func Load(home string) (*Config, error) {
	cfg := &Config{
		Home:   home,
		Client: defaultClientConfig(),
	}
	if err := cfg.loadClientConfig(); err != nil {
		return nil, err
	}
	loadDotEnv(home)
	cfg.Client.applyEnvOverrides()
	cfg.Client.normalize()
	if err := cfg.Client.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.Home, "logs")
}

// ExportsDir returns the default destination for PDF exports
func (c *Config) ExportsDir() string {
	return filepath.Join(c.Home, "exports")
}

// SessionPath returns the persisted session file
func (c *Config) SessionPath() string {
	return filepath.Join(c.Home, "session.json")
}

// ConfigPath returns the on-disk location for config.yaml.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.Home, "config.yaml")
}

// BackendURL returns the story API base URL without a trailing slash.
func (c *Config) BackendURL() string {
	return c.Client.Backend.URL
}

// SetHinglish persists the Hinglish preference back to config.yaml.
func (c *Config) SetHinglish(enabled bool) error {
	c.Client.Refinement.Hinglish = enabled
	return c.saveClientConfig()
}

func (c *Config) loadClientConfig() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultClientConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	c.Client = parsed
	return nil
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Version: 1,
		Backend: BackendConfig{URL: DefaultBackendURL, Timeout: Duration(DefaultBackendTimeout)},
		Auth: AuthConfig{
			URL:          DefaultAuthURL,
			CallbackHost: DefaultCallbackHost,
			CallbackPort: DefaultCallbackPort,
		},
		Refinement: RefinementConfig{SettleDelay: Duration(DefaultSettleDelay)},
		Library:    LibraryConfig{CacheTTL: Duration(DefaultCacheTTL)},
		Log:        LogConfig{Level: DefaultLogLevel},
	}
}

func (cc *ClientConfig) applyDefaults() {
	if cc.Version == 0 {
		cc.Version = 1
	}
	if strings.TrimSpace(cc.Backend.URL) == "" {
		cc.Backend.URL = DefaultBackendURL
	}
	if strings.TrimSpace(cc.Auth.URL) == "" {
		cc.Auth.URL = DefaultAuthURL
	}
	if strings.TrimSpace(cc.Auth.CallbackHost) == "" {
		cc.Auth.CallbackHost = DefaultCallbackHost
	}
	if cc.Auth.CallbackPort == 0 {
		cc.Auth.CallbackPort = DefaultCallbackPort
	}
	if cc.Refinement.SettleDelay <= 0 {
		cc.Refinement.SettleDelay = Duration(DefaultSettleDelay)
	}
	if cc.Library.CacheTTL <= 0 {
		cc.Library.CacheTTL = Duration(DefaultCacheTTL)
	}
	if strings.TrimSpace(cc.Log.Level) == "" {
		cc.Log.Level = DefaultLogLevel
	}
}

func (cc *ClientConfig) normalize() {
	cc.Backend.URL = strings.TrimRight(strings.TrimSpace(cc.Backend.URL), "/")
	cc.Auth.URL = strings.TrimRight(strings.TrimSpace(cc.Auth.URL), "/")
	cc.Auth.CallbackHost = strings.TrimSpace(cc.Auth.CallbackHost)
	cc.Log.Level = strings.ToLower(strings.TrimSpace(cc.Log.Level))
	if cc.Backend.Timeout < 0 {
		cc.Backend.Timeout = 0
	}
}

func (cc *ClientConfig) validate() error {
	if cc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if err := validateURL(cc.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if err := validateURL(cc.Auth.URL); err != nil {
		return fmt.Errorf("auth.url: %w", err)
	}
	if !isValidPort(cc.Auth.CallbackPort) {
		return fmt.Errorf("auth.callback_port must be between 0 and 65535")
	}
	switch cc.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// Port 0 is allowed and means "pick a free port".
func isValidPort(port int) bool {
	return port >= 0 && port <= 65535
}

func ensureClientConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultClientConfigYAML), 0o644)
}

func (c *Config) saveClientConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Client.applyDefaults()
	c.Client.normalize()
	if err := c.Client.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(c.Home, 0o755); err != nil {
		return fmt.Errorf("config: ensure home dir: %w", err)
	}
	data, err := yaml.Marshal(c.Client)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}
