// Package config loads the service configuration from a YAML file.
//
// The loaded Config is a plain value: callers build it once at startup and
// pass it down. Secrets never live in the file; they come from the
// environment (see applyEnv).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"autocoder/pkg/logx"
)

// Default values.
const (
	DefaultDatabasePath    = ".autocoder/autocoder.db"
	DefaultWorkers         = 8
	DefaultHistoryLimit    = 1000
	DefaultIterationCap    = 100
	DefaultPollInterval    = 60 * time.Second
	DefaultShortTimeout    = 60 * time.Second
	DefaultProvisionTime   = 10 * time.Minute
	DefaultCloneTimeout    = 10 * time.Minute
	DefaultPushTimeout     = 5 * time.Minute
	DefaultPublishTimeout  = 3 * time.Minute
	DefaultCleanupTimeout  = 3 * time.Minute
	DefaultAgentTimeout    = 45 * time.Minute
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = time.Second
	DefaultBackoff         = 2.0
	DefaultMaxInterval     = 30 * time.Second
	DefaultAgentType       = "claude"
	DefaultAgentCommand    = "claude"
	DefaultSandboxImage    = "autocoder/sandbox:latest"
	DefaultSandboxNetwork  = "none"
	DefaultWorktreeRoot    = ".autocoder/worktrees"
	DefaultRepoRoot        = ".autocoder/repos"
	DefaultGHPath          = "gh"
	DefaultForgeTimeout    = 30 * time.Second
	DefaultEventsBackend   = EventsMemory
	DefaultAPIListen       = "127.0.0.1:8080"
)

// Event bus backends.
const (
	EventsMemory = "memory"
	EventsRedis  = "redis"
	EventsNATS   = "nats"
)

// Environment variables for secrets.
const (
	EnvTokenSecret = "AUTOCODER_TOKEN_SECRET"
	EnvAPIToken    = "AUTOCODER_API_TOKEN"
	EnvEventsURL   = "AUTOCODER_EVENTS_URL"
	EnvGitHubToken = "GITHUB_TOKEN"
	EnvDBOSURL     = "DBOS_SYSTEM_DATABASE_URL"
)

// Config is the root configuration document.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Poll      PollConfig      `yaml:"poll"`
	Steps     StepsConfig     `yaml:"steps"`
	Agent     AgentConfig     `yaml:"agent"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Forge     ForgeConfig     `yaml:"forge"`
	Events    EventsConfig    `yaml:"events"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Populated from the environment only.
	TokenSecret string `yaml:"-"`
	GitHubToken string `yaml:"-"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the durable execution engine. An empty DatabaseURL
// runs workflows in memory; nothing then survives a restart.
type EngineConfig struct {
	Workers      int    `yaml:"workers"`       // max concurrently executing agent runs
	HistoryLimit int    `yaml:"history_limit"` // step count that raises the continue-as-new hint
	DatabaseURL  string `yaml:"database_url"`  // DBOS system database (Postgres)
	AppName      string `yaml:"app_name"`
}

type PollConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	IterationCap    int           `yaml:"iteration_cap"`
}

// RetryConfig mirrors durable.RetryPolicy in file form.
type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
	MaxInterval        time.Duration `yaml:"max_interval"`
}

// StepsConfig holds the per-step timeouts of an agent run.
type StepsConfig struct {
	ShortTimeout     time.Duration `yaml:"short_timeout"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	CloneTimeout     time.Duration `yaml:"clone_timeout"`
	AgentTimeout     time.Duration `yaml:"agent_timeout"`
	PushTimeout      time.Duration `yaml:"push_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	CleanupTimeout   time.Duration `yaml:"cleanup_timeout"`
	Retry            RetryConfig   `yaml:"retry"`
}

type AgentConfig struct {
	DefaultType string            `yaml:"default_type"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
}

type SandboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
	CPUs    string `yaml:"cpus"`
	Memory  string `yaml:"memory"`
}

type WorkspaceConfig struct {
	WorktreeRoot string `yaml:"worktree_root"`
	RepoRoot     string `yaml:"repo_root"`
}

type ForgeConfig struct {
	GHPath  string        `yaml:"gh_path"`
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
}

type EventsConfig struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"-"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads path, applies defaults and environment overrides, and validates.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Sandbox: SandboxConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Save writes cfg as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}

	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = DefaultWorkers
	}
	if cfg.Engine.HistoryLimit == 0 {
		cfg.Engine.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Engine.AppName == "" {
		cfg.Engine.AppName = "autocoder"
	}

	if cfg.Poll.DefaultInterval == 0 {
		cfg.Poll.DefaultInterval = DefaultPollInterval
	}
	if cfg.Poll.IterationCap == 0 {
		cfg.Poll.IterationCap = DefaultIterationCap
	}

	s := &cfg.Steps
	setDuration(&s.ShortTimeout, DefaultShortTimeout)
	setDuration(&s.ProvisionTimeout, DefaultProvisionTime)
	setDuration(&s.CloneTimeout, DefaultCloneTimeout)
	setDuration(&s.AgentTimeout, DefaultAgentTimeout)
	setDuration(&s.PushTimeout, DefaultPushTimeout)
	setDuration(&s.PublishTimeout, DefaultPublishTimeout)
	setDuration(&s.CleanupTimeout, DefaultCleanupTimeout)
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = DefaultMaxAttempts
	}
	setDuration(&s.Retry.InitialInterval, DefaultInitialInterval)
	setDuration(&s.Retry.MaxInterval, DefaultMaxInterval)
	if s.Retry.BackoffCoefficient == 0 {
		s.Retry.BackoffCoefficient = DefaultBackoff
	}

	if cfg.Agent.DefaultType == "" {
		cfg.Agent.DefaultType = DefaultAgentType
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = DefaultAgentCommand
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = DefaultSandboxImage
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = DefaultSandboxNetwork
	}

	if cfg.Workspace.WorktreeRoot == "" {
		cfg.Workspace.WorktreeRoot = DefaultWorktreeRoot
	}
	if cfg.Workspace.RepoRoot == "" {
		cfg.Workspace.RepoRoot = DefaultRepoRoot
	}

	if cfg.Forge.GHPath == "" {
		cfg.Forge.GHPath = DefaultGHPath
	}
	setDuration(&cfg.Forge.Timeout, DefaultForgeTimeout)

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = DefaultEventsBackend
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// applyEnv pulls secrets and deployment overrides from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvTokenSecret); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv(EnvEventsURL); v != "" {
		cfg.Events.URL = v
	}
	if v := os.Getenv(EnvDBOSURL); v != "" {
		cfg.Engine.DatabaseURL = v
	}
	if v := os.Getenv(EnvGitHubToken); v != "" {
		cfg.GitHubToken = v
	}
}

var errInvalid = errors.New("invalid configuration")

func validateConfig(cfg *Config) error {
	if cfg.Engine.Workers < 0 {
		return fmt.Errorf("%w: engine.workers must be positive (got %d)", errInvalid, cfg.Engine.Workers)
	}
	if cfg.Poll.IterationCap < 0 {
		return fmt.Errorf("%w: poll.iteration_cap must be positive (got %d)", errInvalid, cfg.Poll.IterationCap)
	}
	if cfg.Poll.DefaultInterval < time.Second {
		return fmt.Errorf("%w: poll.default_interval must be at least 1s (got %s)", errInvalid, cfg.Poll.DefaultInterval)
	}
	if cfg.Steps.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: steps.retry.max_attempts must be at least 1", errInvalid)
	}
	if cfg.Steps.Retry.BackoffCoefficient < 1 {
		return fmt.Errorf("%w: steps.retry.backoff_coefficient must be >= 1", errInvalid)
	}
	if cfg.Steps.Retry.MaxInterval < cfg.Steps.Retry.InitialInterval {
		return fmt.Errorf("%w: steps.retry.max_interval must be >= initial_interval", errInvalid)
	}

	switch cfg.Events.Backend {
	case EventsMemory:
	case EventsRedis, EventsNATS:
		if cfg.Events.URL == "" {
			logx.Warnf("events backend %s has no url, using the client default", cfg.Events.Backend)
		}
	default:
		return fmt.Errorf("%w: events.backend must be one of memory, redis, nats (got %q)", errInvalid, cfg.Events.Backend)
	}
	return nil
}

// IsInvalid reports whether err came from configuration validation.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalid)
}
