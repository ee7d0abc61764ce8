// Package config loads the gateway's process configuration from the
// environment once at startup. Every required variable is validated
// eagerly: a missing or invalid value fails fast with a specific
// message and exit code 2, rather than surfacing as a confusing
// failure deep in a request path.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SecretsBackend is the validated SECRETS_BACKEND setting. The gateway
// does not branch on it: the Secrets store always reads credential
// material from its envelope-encrypted repository.
type SecretsBackend string

const (
	SecretsBackendEnv   SecretsBackend = "env"
	SecretsBackendVault SecretsBackend = "vault"
)

// UpstreamMode selects whether adapters call real upstreams or
// synthesize deterministic mock responses.
type UpstreamMode string

const (
	UpstreamModeLive UpstreamMode = "live"
	UpstreamModeMock UpstreamMode = "mock"
)

// FeatureFlags toggles optional subsystems independently, so a
// degraded dependency (e.g. Redis down) can be worked around without a
// redeploy.
type FeatureFlags struct {
	Cache    bool
	Retry    bool
	Breakers bool
	Policy   bool
	Chaos    bool
}

// Config is the gateway's fully validated process configuration.
type Config struct {
	Port             string
	DatabaseURL      string
	RedisURL         string // optional
	TokenHMACSecret  []byte
	KEKBase64        string
	SecretsBackend   SecretsBackend
	HTTPTimeoutMS    int
	UpstreamMode     UpstreamMode
	Features         FeatureFlags
	LogLevel         string
}

// ConfigError reports a configuration problem; the caller should exit
// with status 2 when Load returns one.
type ConfigError struct {
	Variable string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Variable, e.Reason)
}

// Load reads and validates configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvDefault("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"), // empty => lite mode (SQLite)
		RedisURL:    os.Getenv("REDIS_URL"),
		KEKBase64:   os.Getenv("KEK_BASE64"),
		LogLevel:    getEnvDefault("LOG_LEVEL", "info"),
	}

	secret := os.Getenv("TOKEN_HMAC_SECRET")
	if len(secret) < 32 {
		return nil, &ConfigError{"TOKEN_HMAC_SECRET", "must be at least 32 bytes"}
	}
	cfg.TokenHMACSecret = []byte(secret)

	if cfg.KEKBase64 == "" {
		return nil, &ConfigError{"KEK_BASE64", "required"}
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.KEKBase64)
	if err != nil || len(raw) != 32 {
		return nil, &ConfigError{"KEK_BASE64", "must decode to exactly 32 bytes"}
	}

	switch backend := SecretsBackend(getEnvDefault("SECRETS_BACKEND", string(SecretsBackendEnv))); backend {
	case SecretsBackendEnv, SecretsBackendVault:
		cfg.SecretsBackend = backend
	default:
		return nil, &ConfigError{"SECRETS_BACKEND", fmt.Sprintf("must be %q or %q, got %q", SecretsBackendEnv, SecretsBackendVault, backend)}
	}

	timeoutMS, err := strconv.Atoi(getEnvDefault("HTTP_TIMEOUT_MS", "10000"))
	if err != nil || timeoutMS <= 0 {
		return nil, &ConfigError{"HTTP_TIMEOUT_MS", "must be a positive integer"}
	}
	cfg.HTTPTimeoutMS = timeoutMS

	switch mode := UpstreamMode(getEnvDefault("UPSTREAM_MODE", string(UpstreamModeLive))); mode {
	case UpstreamModeLive, UpstreamModeMock:
		cfg.UpstreamMode = mode
	default:
		return nil, &ConfigError{"UPSTREAM_MODE", fmt.Sprintf("must be %q or %q, got %q", UpstreamModeLive, UpstreamModeMock, mode)}
	}

	cfg.Features = FeatureFlags{
		Cache:    boolFlag("FF_CACHE", true),
		Retry:    boolFlag("FF_RETRY", true),
		Breakers: boolFlag("FF_BREAKERS", true),
		Policy:   boolFlag("FF_POLICY", true),
		Chaos:    boolFlag("FF_CHAOS", false),
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolFlag(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
