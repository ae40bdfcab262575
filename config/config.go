// Package config loads the pipeline configuration from a YAML file with
// environment variable overrides. Environment values win over the file,
// the file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ianlintner/AI-Pipeline/errors"
)

// Config is the complete application configuration
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	State       StateConfig       `yaml:"state"`
	GitHub      GitHubConfig      `yaml:"github"`
	LLM         LLMConfig         `yaml:"llm"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	LogLevel    string            `yaml:"log_level"`
}

// NATSConfig covers the broker connection and the pipeline stream
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	StreamMaxAge  time.Duration `yaml:"stream_max_age"`
}

// StateConfig covers the request state bucket
type StateConfig struct {
	Bucket string `yaml:"bucket"`
	// TTL is the sliding expiry on request records. Must exceed the
	// coordinator timeout budget so the monitor sees records before
	// they vanish.
	TTL time.Duration `yaml:"ttl"`
	// CleanupGrace is how long terminal records are kept before the
	// periodic cleanup may remove them
	CleanupGrace time.Duration `yaml:"cleanup_grace"`
}

// GitHubConfig identifies the target repository for created issues
type GitHubConfig struct {
	Token     string        `yaml:"token"`
	RepoOwner string        `yaml:"repo_owner"`
	RepoName  string        `yaml:"repo_name"`
	MockDelay time.Duration `yaml:"mock_delay"`
	// MaxRetries bounds issue-creation retries on transient failures
	MaxRetries int `yaml:"max_retries"`
}

// LLMConfig covers the optional model-backed capabilities. With no API
// key the pipeline falls back to the rule-based classifier and the
// template formatter.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// Enabled reports whether the model-backed capabilities can be used
func (c LLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// CoordinatorConfig tunes request supervision
type CoordinatorConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	EvictionGrace  time.Duration `yaml:"eviction_grace"`
	MaxAge         time.Duration `yaml:"max_age"`
}

// Timeout returns the timeout budget as a duration
func (c CoordinatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MetricsConfig covers the Prometheus scrape endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "bugtriage",
			MaxReconnects: 10,
			StreamMaxAge:  24 * time.Hour,
		},
		State: StateConfig{
			Bucket:       "bug_requests",
			TTL:          10 * time.Minute,
			CleanupGrace: 30 * time.Second,
		},
		GitHub: GitHubConfig{
			RepoOwner:  "example",
			RepoName:   "bugtracker",
			MockDelay:  time.Second,
			MaxRetries: 3,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.3,
		},
		Coordinator: CoordinatorConfig{
			TimeoutSeconds: 300,
			SweepInterval:  30 * time.Second,
			EvictionGrace:  30 * time.Second,
			MaxAge:         time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		LogLevel: "info",
	}
}

// Load reads the config file (optional), applies environment overrides,
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.State.Bucket, "STATE_BUCKET")
	setString(&c.GitHub.Token, "GITHUB_API_TOKEN")
	setString(&c.GitHub.RepoOwner, "GITHUB_REPO_OWNER")
	setString(&c.GitHub.RepoName, "GITHUB_REPO_NAME")
	setString(&c.LLM.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.Model, "OPENAI_MODEL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setInt(&c.Coordinator.TimeoutSeconds, "TIMEOUT_SECONDS")
	setInt(&c.GitHub.MaxRetries, "MAX_RETRIES")
	setInt(&c.Metrics.Port, "METRICS_PORT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return errors.WrapInvalid(fmt.Errorf("%s", msg), "config", "Validate", "invalid configuration")
	}

	if c.NATS.URL == "" {
		return fail("nats.url is required")
	}
	if c.State.Bucket == "" {
		return fail("state.bucket is required")
	}
	if c.GitHub.RepoOwner == "" || c.GitHub.RepoName == "" {
		return fail("github.repo_owner and github.repo_name are required")
	}
	if c.Coordinator.TimeoutSeconds <= 0 {
		return fail("coordinator.timeout_seconds must be positive")
	}
	if c.Coordinator.SweepInterval <= 0 {
		return fail("coordinator.sweep_interval must be positive")
	}
	if c.State.TTL <= c.Coordinator.Timeout() {
		return fail("state.ttl must exceed coordinator timeout, or timed-out records expire before the monitor can fail them")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fail(fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return nil
}
