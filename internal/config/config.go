// Package config loads process configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Poll tunes the change detector.
type Poll struct {
	Active      time.Duration
	Idle        time.Duration
	RateFloor   int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	ClosedEvery int
	SeenCap     int
	// MaxAttempts bounds how often one review or integration is retried
	// before the change is given up and skipped.
	MaxAttempts int
}

// Temporal addresses the workflow service.
type Temporal struct {
	Address   string
	Namespace string
	TaskQueue string
}

// OpenAI configures the plan drafter. Any OpenAI-compatible endpoint works.
type OpenAI struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Enabled reports whether a drafter endpoint is configured.
func (o OpenAI) Enabled() bool {
	return o.APIKey != "" || o.BaseURL != ""
}

// Jira configures the optional issue mirror.
type Jira struct {
	BaseURL    string
	Username   string
	Token      string
	DoneStatus string
	Timeout    time.Duration
}

// Enabled reports whether all Jira credentials are present.
func (j Jira) Enabled() bool {
	return j.BaseURL != "" && j.Username != "" && j.Token != ""
}

// Config is built once at startup and passed to every component.
type Config struct {
	StateBackend  string
	StateDir      string
	WorkdirRoot   string
	GitHubToken   string
	GitHubBaseURL string
	GitAuthor     string
	GitEmail      string
	Executor      string
	AutoDispatch  bool
	TaskPattern   string
	TaskIDPattern string
	RestPort      string
	GRPCPort      string
	GRPCTarget    string
	HostTimeout   time.Duration
	GitTimeout    time.Duration

	Poll     Poll
	Temporal Temporal
	OpenAI   OpenAI
	Jira     Jira
}

// SQLitePath is the database file used by the sqlite backend.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.StateDir, "foreman.db")
}

// LockDir holds the per-repository lock markers.
func (c *Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// Load reads the environment. Unparseable values fall back to their defaults
// with a warning.
func Load(logger *zap.Logger) *Config {
	l := loader{logger: logger}
	return &Config{
		StateBackend:  strings.ToLower(getEnv("STATE_BACKEND", "file")),
		StateDir:      getEnv("STATE_DIR", "./state"),
		WorkdirRoot:   getEnv("WORKDIR_ROOT", "/tmp/foreman-workdir"),
		GitHubToken:   getEnv("GITHUB_TOKEN", ""),
		GitHubBaseURL: getEnv("GITHUB_BASE_URL", ""),
		GitAuthor:     getEnv("GIT_AUTHOR_NAME", "foreman"),
		GitEmail:      getEnv("GIT_AUTHOR_EMAIL", "foreman@users.noreply.github.com"),
		Executor:      strings.ToLower(getEnv("EXECUTOR", "local")),
		AutoDispatch:  l.bool("AUTO_DISPATCH", true),
		TaskPattern:   getEnv("TASK_PATTERN", "tasks/*.md"),
		TaskIDPattern: getEnv("TASK_ID_PATTERN", `T-\d+`),
		RestPort:      getEnv("REST_PORT", "8080"),
		GRPCPort:      getEnv("GRPC_PORT", "9090"),
		GRPCTarget:    getEnv("FOREMAN_GRPC_TARGET", "localhost:9090"),
		HostTimeout:   l.duration("GITHUB_TIMEOUT", 30*time.Second),
		GitTimeout:    l.duration("GIT_TIMEOUT", 2*time.Minute),
		Poll: Poll{
			Active:      l.duration("POLL_ACTIVE_INTERVAL", 30*time.Second),
			Idle:        l.duration("POLL_IDLE_INTERVAL", 120*time.Second),
			RateFloor:   l.int("POLL_RATE_FLOOR", 200),
			BackoffMin:  l.duration("POLL_BACKOFF_MIN", 600*time.Second),
			BackoffMax:  l.duration("POLL_BACKOFF_MAX", 900*time.Second),
			ClosedEvery: l.int("POLL_CLOSED_EVERY", 3),
			SeenCap:     l.int("POLL_SEEN_CAP", 200),
			MaxAttempts: l.int("POLL_MAX_ATTEMPTS", 3),
		},
		Temporal: Temporal{
			Address:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
			Namespace: getEnv("TEMPORAL_NAMESPACE", "default"),
			TaskQueue: getEnv("TASK_QUEUE", "foreman-dispatch"),
		},
		OpenAI: OpenAI{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", ""),
			Timeout: l.duration("OPENAI_TIMEOUT", 60*time.Second),
		},
		Jira: Jira{
			BaseURL:    getEnv("JIRA_BASE_URL", ""),
			Username:   getEnv("JIRA_USERNAME", ""),
			Token:      getEnv("JIRA_TOKEN", ""),
			DoneStatus: getEnv("JIRA_DONE_STATUS", "Done"),
			Timeout:    l.duration("JIRA_TIMEOUT", 30*time.Second),
		},
	}
}

type loader struct {
	logger *zap.Logger
}

func (l loader) duration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		l.logger.Warn("invalid duration, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Duration("default", def),
		)
		return def
	}
	return d
}

func (l loader) int(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		l.logger.Warn("invalid integer, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Int("default", def),
		)
		return def
	}
	return n
}

func (l loader) bool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		l.logger.Warn("invalid boolean, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Bool("default", def),
		)
		return def
	}
	return b
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
