// ABOUTME: Configuration loading and parsing for pilot-gateway.
// ABOUTME: YAML or TOML files with ${VAR} expansion, env overrides, and durations.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pilot-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Tools    ToolsConfig    `yaml:"tools" toml:"tools"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Tasks    TasksConfig    `yaml:"tasks" toml:"tasks"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and only
// serves the gRPC health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// AgentConfig holds the upstream agent link settings.
type AgentConfig struct {
	URL         string  `yaml:"url" toml:"url"`
	ClientName  string  `yaml:"client_name" toml:"client_name"`
	Token       string  `yaml:"token" toml:"token"`
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts"`
	Jitter      float64 `yaml:"backoff_jitter" toml:"backoff_jitter"`

	HandshakeTimeout  time.Duration `yaml:"-" toml:"-"`
	BackoffBase       time.Duration `yaml:"-" toml:"-"`
	BackoffMax        time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	KeepaliveTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	BackoffBaseRaw       string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMaxRaw        string `yaml:"backoff_max" toml:"backoff_max"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	KeepaliveTimeoutRaw  string `yaml:"keepalive_timeout" toml:"keepalive_timeout"`
}

// ToolsConfig holds tool backend settings.
type ToolsConfig struct {
	BrowserURL string `yaml:"browser_url" toml:"browser_url"`

	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	BootTimeout    time.Duration `yaml:"-" toml:"-"`
	VNCDialTimeout time.Duration `yaml:"-" toml:"-"`

	CallTimeoutRaw    string `yaml:"call_timeout" toml:"call_timeout"`
	BootTimeoutRaw    string `yaml:"boot_timeout" toml:"boot_timeout"`
	VNCDialTimeoutRaw string `yaml:"vnc_dial_timeout" toml:"vnc_dial_timeout"`
}

// SessionsConfig holds remote-control session settings.
type SessionsConfig struct {
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// TasksConfig holds task orchestration settings.
type TasksConfig struct {
	Timeout        time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// DatabaseConfig holds the event store location.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds client authentication settings. Auth is enforced
// only when Required is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Required  bool   `yaml:"required" toml:"required"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8082"},
		Agent: AgentConfig{
			URL:               "ws://localhost:8090/acp",
			ClientName:        "pilot-gateway",
			MaxAttempts:       10,
			Jitter:            0.2,
			HandshakeTimeout:  10 * time.Second,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			KeepaliveInterval: 15 * time.Second,
			KeepaliveTimeout:  45 * time.Second,
		},
		Tools: ToolsConfig{
			BrowserURL:     "http://localhost:8080/mcp",
			CallTimeout:    60 * time.Second,
			BootTimeout:    120 * time.Second,
			VNCDialTimeout: 10 * time.Second,
		},
		Sessions: SessionsConfig{QueueSize: 32},
		Tasks: TasksConfig{
			Timeout:        300 * time.Second,
			IdempotencyTTL: 10 * time.Minute,
		},
		Database: DatabaseConfig{Path: "pilot-gateway.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file on top of Default, expands ${VAR}
// references, applies environment overrides, and validates the result.
// Files ending in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from Default and the environment only.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyEnv overlays the deployment environment variables:
// AGENT_URL (or IFLOW_URL), MCP_HTTP_URL, PORT, TIMEOUT in seconds, and
// PILOT_JWT_SECRET.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("AGENT_URL"); ok && v != "" {
		c.Agent.URL = v
	} else if v, ok := lookup("IFLOW_URL"); ok && v != "" {
		c.Agent.URL = v
	}
	if v, ok := lookup("MCP_HTTP_URL"); ok && v != "" {
		c.Tools.BrowserURL = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT %q is not a valid port", v)
		}
		c.Server.HTTPAddr = ":" + v
	}
	if v, ok := lookup("TIMEOUT"); ok && v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("TIMEOUT %q is not a positive number of seconds", v)
		}
		c.Tasks.Timeout = time.Duration(secs * float64(time.Second))
	}
	if v, ok := lookup("PILOT_JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if !strings.HasPrefix(c.Agent.URL, "ws://") && !strings.HasPrefix(c.Agent.URL, "wss://") {
		errs = append(errs, fmt.Errorf("agent.url %q must be a ws:// or wss:// URL", c.Agent.URL))
	}
	if c.Agent.BackoffBase <= 0 {
		errs = append(errs, errors.New("agent.backoff_base must be positive"))
	}
	if c.Agent.BackoffMax < c.Agent.BackoffBase {
		errs = append(errs, errors.New("agent.backoff_max must be at least agent.backoff_base"))
	}
	// Jitter below 1 keeps consecutive delays strictly increasing.
	if c.Agent.Jitter < 0 || c.Agent.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("agent.backoff_jitter %v must be in [0, 1)", c.Agent.Jitter))
	}
	if c.Agent.MaxAttempts < 0 {
		errs = append(errs, errors.New("agent.max_attempts must not be negative"))
	}
	if c.Agent.KeepaliveInterval > 0 && c.Agent.KeepaliveTimeout <= c.Agent.KeepaliveInterval {
		errs = append(errs, errors.New("agent.keepalive_timeout must exceed agent.keepalive_interval"))
	}
	if c.Tools.BrowserURL != "" && !strings.HasPrefix(c.Tools.BrowserURL, "http://") && !strings.HasPrefix(c.Tools.BrowserURL, "https://") {
		errs = append(errs, fmt.Errorf("tools.browser_url %q must be an http(s) URL", c.Tools.BrowserURL))
	}
	if c.Tools.CallTimeout <= 0 {
		errs = append(errs, errors.New("tools.call_timeout must be positive"))
	}
	if c.Sessions.QueueSize <= 0 {
		errs = append(errs, errors.New("sessions.queue_size must be positive"))
	}
	if c.Tasks.Timeout <= 0 {
		errs = append(errs, errors.New("tasks.timeout must be positive"))
	}
	switch {
	case c.Auth.Required && c.Auth.JWTSecret == "":
		errs = append(errs, errors.New("auth.jwt_secret is required when auth.required is set"))
	case c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32:
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.handshake_timeout", cfg.Agent.HandshakeTimeoutRaw, &cfg.Agent.HandshakeTimeout},
		{"agent.backoff_base", cfg.Agent.BackoffBaseRaw, &cfg.Agent.BackoffBase},
		{"agent.backoff_max", cfg.Agent.BackoffMaxRaw, &cfg.Agent.BackoffMax},
		{"agent.keepalive_interval", cfg.Agent.KeepaliveIntervalRaw, &cfg.Agent.KeepaliveInterval},
		{"agent.keepalive_timeout", cfg.Agent.KeepaliveTimeoutRaw, &cfg.Agent.KeepaliveTimeout},
		{"tools.call_timeout", cfg.Tools.CallTimeoutRaw, &cfg.Tools.CallTimeout},
		{"tools.boot_timeout", cfg.Tools.BootTimeoutRaw, &cfg.Tools.BootTimeout},
		{"tools.vnc_dial_timeout", cfg.Tools.VNCDialTimeoutRaw, &cfg.Tools.VNCDialTimeout},
		{"tasks.timeout", cfg.Tasks.TimeoutRaw, &cfg.Tasks.Timeout},
		{"tasks.idempotency_ttl", cfg.Tasks.IdempotencyTTLRaw, &cfg.Tasks.IdempotencyTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
