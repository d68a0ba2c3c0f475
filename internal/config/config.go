// Package config handles loading, validating, and applying
// configuration for the broker proxy.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cli/go-gh/v2/pkg/auth"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/brokerproxy/internal/admission"
	"github.com/terrpan/brokerproxy/internal/broker"
	"github.com/terrpan/brokerproxy/internal/credential"
	"github.com/terrpan/brokerproxy/internal/engine"
	"github.com/terrpan/brokerproxy/internal/engine/docker"
	"github.com/terrpan/brokerproxy/internal/github"
	"github.com/terrpan/brokerproxy/internal/model"
	"github.com/terrpan/brokerproxy/internal/otel"
)

// Engine types.
const (
	EngineNone   = "none"
	EngineDocker = "docker"
)

// DefaultQueueTimeout is how long an admitted job may wait for a local
// instance before it is dropped and cancelled upstream.
const DefaultQueueTimeout = 10 * time.Minute

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Listener    ListenerConfig    `yaml:"listener"`
	Runner      RunnerConfig      `yaml:"runner"`
	Filter      admission.Filter  `yaml:"filter"`
	Targets     []TargetConfig    `yaml:"targets"`
	Credentials CredentialsConfig `yaml:"credentials"`
	GitHub      GitHubConfig      `yaml:"github"`
	Broker      BrokerConfig      `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
	OTel        OTelConfig        `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Listener / runner
// ---------------------------------------------------------------------------

// ListenerConfig is the local HTTP listener workers and the CLI talk to.
type ListenerConfig struct {
	// Host defaults to 127.0.0.1.  Binding a public address exposes the
	// job queue to anyone who can reach it.
	Host string `yaml:"host"`
	// Port 0 binds an ephemeral port.
	Port int `yaml:"port"`
}

// RunnerConfig sizes the local execution side.
type RunnerConfig struct {
	// Parallelism is the number of instance slots.  Default: 1.
	Parallelism int `yaml:"parallelism"`
	// QueueTimeout bounds how long an admitted job waits.  Default: 10m.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	// QueueCapacity caps queued jobs.  0 means unbounded.
	QueueCapacity int `yaml:"queue_capacity"`
	// PollInterval is how often an idle worker slot asks for a job.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---------------------------------------------------------------------------
// Targets / credentials
// ---------------------------------------------------------------------------

// TargetConfig registers one repository or organization.
type TargetConfig struct {
	ID    string           `yaml:"id"`
	Kind  model.TargetKind `yaml:"kind"`
	Owner string           `yaml:"owner"`
	Repo  string           `yaml:"repo"`
	Name  string           `yaml:"name"`
	// Enabled defaults to true.  Use a *bool so we can distinguish "not
	// set" from "explicitly set to false".
	Enabled *bool `yaml:"enabled"`
	// RunnerDir is a configured runner directory imported into the
	// credential store when no credential is stored for the target yet.
	RunnerDir string `yaml:"runner_dir"`
}

// Target converts the entry into a model.Target.
func (t TargetConfig) Target() model.Target {
	enabled := t.Enabled == nil || *t.Enabled
	return model.Target{
		ID:          t.ID,
		Kind:        t.Kind,
		Owner:       t.Owner,
		Repo:        t.Repo,
		DisplayName: t.Name,
		Enabled:     enabled,
	}
}

// CredentialsConfig locates the credential store.
type CredentialsConfig struct {
	// Dir holds one file per target.  Default: <user config dir>/brokerproxy/credentials.
	Dir string `yaml:"dir"`
	// Encrypt seals stored credentials with an age identity.
	Encrypt bool `yaml:"encrypt"`
	// IdentityFile is the age identity, created on first use.
	// Default: <dir>/../identity.txt.
	IdentityFile string `yaml:"identity_file"`
}

// ---------------------------------------------------------------------------
// GitHub / broker
// ---------------------------------------------------------------------------

// GitHubConfig configures the REST client used for cancellations and
// contributor lookups.
type GitHubConfig struct {
	// Host is github.com or a GitHub Enterprise Server host.
	Host string `yaml:"host"`
	// Token is a personal access token.  When empty the token is resolved
	// the way the gh CLI does it (GH_TOKEN, GITHUB_TOKEN, gh auth login).
	Token string `yaml:"token"`
	// User is the authenticated login.  When empty it is looked up.
	User string `yaml:"user"`
	// RetryMax bounds retries of failed REST calls.  Default: 3.
	RetryMax int `yaml:"retry_max"`
}

// BrokerConfig tunes the broker sessions.
type BrokerConfig struct {
	PollTimeout            time.Duration `yaml:"poll_timeout"`
	InitialBackoff         time.Duration `yaml:"initial_backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

// Backoff returns the reconnect settings for broker.Config.
func (b BrokerConfig) Backoff() broker.Backoff {
	return broker.Backoff{
		Initial:                b.InitialBackoff,
		Max:                    b.MaxBackoff,
		MaxConsecutiveFailures: b.MaxConsecutiveFailures,
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects the sandbox backend of the built-in worker.
type EngineConfig struct {
	// Type is "none" (external workers use the HTTP API) or "docker".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the container image each job runs in.
	// Default: docker.DefaultImage.
	Image string `yaml:"image"`
	// Cmd overrides the image command.
	Cmd []string `yaml:"cmd"`
	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each job container.
	Dind bool `yaml:"dind"`
	// SkipPull uses a locally present image.
	SkipPull bool `yaml:"skip_pull"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves /metrics on the local listener.
	Prometheus bool `yaml:"prometheus"`
}

// SDKConfig converts the section into otel.Config.
func (o OTelConfig) SDKConfig() otel.Config {
	return otel.Config{
		Enabled:    o.Enabled,
		Endpoint:   o.Endpoint,
		Insecure:   o.Insecure,
		StdOut:     o.StdOut,
		Prometheus: o.Prometheus,
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listener.Host == "" {
		c.Listener.Host = "127.0.0.1"
	}
	if c.Runner.Parallelism == 0 {
		c.Runner.Parallelism = 1
	}
	if c.Runner.QueueTimeout == 0 {
		c.Runner.QueueTimeout = DefaultQueueTimeout
	}
	c.Filter = c.Filter.Normalize(nil)
	for i := range c.Targets {
		if c.Targets[i].Kind == "" {
			c.Targets[i].Kind = model.TargetKindRepo
			if c.Targets[i].Repo == "" {
				c.Targets[i].Kind = model.TargetKindOrg
			}
		}
	}
	if c.Credentials.Dir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.Credentials.Dir = filepath.Join(dir, "brokerproxy", "credentials")
		}
	}
	if c.Credentials.Encrypt && c.Credentials.IdentityFile == "" && c.Credentials.Dir != "" {
		c.Credentials.IdentityFile = filepath.Join(filepath.Dir(c.Credentials.Dir), "identity.txt")
	}
	if c.GitHub.Host == "" {
		c.GitHub.Host = github.DefaultHost
	}
	if c.GitHub.RetryMax == 0 {
		c.GitHub.RetryMax = 3
	}
	if c.Broker.PollTimeout == 0 {
		c.Broker.PollTimeout = broker.DefaultPollTimeout
	}
	if c.Broker.InitialBackoff == 0 {
		c.Broker.InitialBackoff = broker.DefaultInitialBackoff
	}
	if c.Broker.MaxBackoff == 0 {
		c.Broker.MaxBackoff = broker.DefaultMaxBackoff
	}
	if c.Broker.MaxConsecutiveFailures == 0 {
		c.Broker.MaxConsecutiveFailures = broker.DefaultMaxConsecutiveFailures
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineNone
	}
	if c.Engine.Type == EngineDocker && c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = docker.DefaultImage
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("listener.port %d is out of range", c.Listener.Port)
	}
	if c.Runner.Parallelism < 1 {
		return fmt.Errorf("runner.parallelism must be at least 1, got %d", c.Runner.Parallelism)
	}
	if c.Runner.QueueTimeout < 0 {
		return fmt.Errorf("runner.queue_timeout must not be negative")
	}
	if c.Runner.QueueCapacity < 0 {
		return fmt.Errorf("runner.queue_capacity must not be negative")
	}

	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if err := t.Target().Validate(); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if seen[t.ID] {
			return fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
	}

	if c.Credentials.Dir == "" {
		return fmt.Errorf("credentials.dir is required")
	}

	if c.Broker.InitialBackoff > c.Broker.MaxBackoff {
		return fmt.Errorf("broker.initial_backoff (%s) > broker.max_backoff (%s)", c.Broker.InitialBackoff, c.Broker.MaxBackoff)
	}
	if c.Broker.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("broker.max_consecutive_failures must be at least 1")
	}

	switch c.Engine.Type {
	case EngineNone, EngineDocker:
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: none, docker)", c.Engine.Type)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolveToken returns the configured GitHub token, falling back to the
// gh CLI lookup for the configured host.
func (c *Config) ResolveToken() (string, error) {
	if c.GitHub.Token != "" {
		return c.GitHub.Token, nil
	}
	token, _ := auth.TokenForHost(c.GitHub.Host)
	if token == "" {
		return "", fmt.Errorf("no github token: set github.token, GH_TOKEN or run gh auth login")
	}
	return token, nil
}

// NewGitHubClient creates the REST client used by the admission gate.
func (c *Config) NewGitHubClient(logger *slog.Logger) (*github.Client, error) {
	token, err := c.ResolveToken()
	if err != nil {
		return nil, err
	}
	return github.New(github.Config{
		Host:     c.GitHub.Host,
		Token:    token,
		RetryMax: c.GitHub.RetryMax,
		Logger:   logger,
	})
}

// NewCredentialStore opens the credential store, loading or creating the
// age identity when encryption is enabled.
func (c *Config) NewCredentialStore() (*credential.FileStore, error) {
	if !c.Credentials.Encrypt {
		return credential.NewFileStore(c.Credentials.Dir, nil)
	}
	if err := os.MkdirAll(filepath.Dir(c.Credentials.IdentityFile), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	identity, err := credential.LoadOrCreateIdentity(c.Credentials.IdentityFile)
	if err != nil {
		return nil, err
	}
	return credential.NewFileStore(c.Credentials.Dir, identity)
}

// NewEngine creates the sandbox engine selected by engine.type.  It
// returns nil for "none".
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case EngineNone:
		return nil, nil
	case EngineDocker:
		return docker.New(ctx, docker.Config{
			Image:    c.Engine.Docker.Image,
			Cmd:      c.Engine.Docker.Cmd,
			Dind:     c.Engine.Docker.Dind,
			SkipPull: c.Engine.Docker.SkipPull,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}
