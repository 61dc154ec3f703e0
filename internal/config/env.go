package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted after config.yaml.
const (
	EnvBackendURL     = "SHAKESCRIPT_BACKEND_URL"
	EnvViteBackendURL = "VITE_BACKEND_URL"
	EnvAuthURL        = "SHAKESCRIPT_AUTH_URL"
	EnvCallbackPort   = "SHAKESCRIPT_CALLBACK_PORT"
	EnvLogLevel       = "SHAKESCRIPT_LOG_LEVEL"
)

// loadDotEnv reads ./.env and <home>/.env without clobbering variables that
// are already set in the process environment.
func loadDotEnv(home string) {
	candidates := []string{".env", filepath.Join(home, ".env")}
	var present []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			present = append(present, path)
		}
	}
	if len(present) == 0 {
		return
	}
	_ = godotenv.Load(present...)
}

func (cc *ClientConfig) applyEnvOverrides() {
	if cc == nil {
		return
	}
	// The web client's variable is honoured so one .env can serve both.
	if value := strings.TrimSpace(os.Getenv(EnvViteBackendURL)); value != "" {
		cc.Backend.URL = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvBackendURL)); value != "" {
		cc.Backend.URL = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvAuthURL)); value != "" {
		cc.Auth.URL = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvCallbackPort)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && isValidPort(parsed) {
			cc.Auth.CallbackPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv(EnvLogLevel)); value != "" {
		cc.Log.Level = value
	}
}

// Duration decodes YAML strings such as "500ms" or "2m".
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
