package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// CurrentVersion is the config file version this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another version. Found is
// zero when the file has no version key.
type VersionError struct {
	Found int
}

func (e *VersionError) Error() string {
	if e.Found > CurrentVersion {
		return fmt.Sprintf("config version %d needs a newer deskpilot (this build reads version %d)", e.Found, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not supported, set `version: %d` and run `deskpilot config validate`", e.Found, CurrentVersion)
}

// Config is the main configuration structure for deskpilot.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Desktop  DesktopConfig  `yaml:"desktop"`
	Updates  UpdatesConfig  `yaml:"updates"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins lists CORS origins for the browser frontend.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. A postgres:// URL uses Postgres,
// anything else is a SQLite path or DSN.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// LLMConfig configures the model backends and what happens when the
// requested one has no credentials.
type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider"`

	// CredentialPolicy is "fallback" (switch to FallbackProvider) or
	// "fail" (end the session with an error).
	CredentialPolicy string `yaml:"credential_policy"`
	FallbackProvider string `yaml:"fallback_provider"`

	// RequestTimeout bounds one model call including its stream.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxAttempts bounds attempts to open a stream.
	MaxAttempts int `yaml:"max_attempts"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
	Vertex    VertexConfig    `yaml:"vertex"`
}

type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model replaces the built-in default model for this provider.
	Model string `yaml:"model"`
}

// BedrockConfig configures AWS Bedrock. Empty keys use the default AWS
// credential chain.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	VerifyAccess    bool   `yaml:"verify_access"`
	Model           string `yaml:"model"`
}

type VertexConfig struct {
	ProjectID string `yaml:"project_id"`
	Region    string `yaml:"region"`
	Model     string `yaml:"model"`
}

// AgentConfig tunes the sampling loop and the tools.
type AgentConfig struct {
	// MaxIterations caps model calls per run. Zero means unlimited.
	MaxIterations         int           `yaml:"max_iterations"`
	OnlyNMostRecentImages int           `yaml:"only_n_most_recent_images"`
	ToolTimeout           time.Duration `yaml:"tool_timeout"`

	Screen ScreenConfig `yaml:"screen"`
	Bash   BashConfig   `yaml:"bash"`
}

type ScreenConfig struct {
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	DisableScaling  bool          `yaml:"disable_scaling"`
	ScreenshotDelay time.Duration `yaml:"screenshot_delay"`
	OutputDir       string        `yaml:"output_dir"`
}

type BashConfig struct {
	Shell   string        `yaml:"shell"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// DesktopConfig configures the X display and VNC services.
type DesktopConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	DisplayNumber int           `yaml:"display_number"`
	VNCPort       int           `yaml:"vnc_port"`
	WebPort       int           `yaml:"web_port"`
	NoVNCDir      string        `yaml:"novnc_dir"`
	ViewerURL     string        `yaml:"viewer_url"`
	StartupDelay  time.Duration `yaml:"startup_delay"`
}

// IsEnabled reports whether desktop services are managed. Default true.
func (d DesktopConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// UpdatesConfig selects how clients receive live updates.
type UpdatesConfig struct {
	// Mode is "push" (queues plus SSE and WebSocket) or "poll" (store reads only).
	Mode              string        `yaml:"mode"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// Retention keeps a finished run's queue for late subscribers. Zero
	// means three keepalive intervals.
	Retention time.Duration `yaml:"retention"`
}

const (
	UpdatesPush = "push"
	UpdatesPoll = "poll"
)

type LoggingConfig struct {
	Level     string        `yaml:"level"`
	Format    string        `yaml:"format"`
	AddSource bool          `yaml:"add_source"`
	File      LogFileConfig `yaml:"file"`
	Redact    []string      `yaml:"redact_patterns"`
}

// LogFileConfig routes logs to a rotating file when Path is set.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	raw := map[string]any{"version": CurrentVersion}
	if strings.TrimSpace(path) != "" {
		var err error
		raw, err = LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Version != CurrentVersion {
		return nil, &VersionError{Found: cfg.Version}
	}
	applyEnvOverrides(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the conventional provider variables win over the
// file.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&cfg.LLM.DefaultProvider, "API_PROVIDER")
	set(&cfg.LLM.Bedrock.Region, "AWS_REGION")
	set(&cfg.LLM.Bedrock.Profile, "AWS_PROFILE")
	set(&cfg.LLM.Vertex.ProjectID, "VERTEX_PROJECT_ID")
	set(&cfg.LLM.Vertex.Region, "CLOUD_ML_REGION")
	set(&cfg.Database.URL, "DATABASE_URL")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = "deskpilot.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = string(models.ProviderAnthropic)
	}
	if cfg.LLM.CredentialPolicy == "" {
		cfg.LLM.CredentialPolicy = "fallback"
	}
	if cfg.LLM.FallbackProvider == "" {
		cfg.LLM.FallbackProvider = string(models.ProviderAnthropic)
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 10 * time.Minute
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.LLM.Bedrock.Region == "" {
		cfg.LLM.Bedrock.Region = "us-east-1"
	}
	if cfg.LLM.Vertex.Region == "" {
		cfg.LLM.Vertex.Region = "us-east5"
	}

	if cfg.Agent.OnlyNMostRecentImages == 0 {
		cfg.Agent.OnlyNMostRecentImages = 3
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 2 * time.Minute
	}
	if cfg.Agent.Screen.Width == 0 {
		cfg.Agent.Screen.Width = 1024
	}
	if cfg.Agent.Screen.Height == 0 {
		cfg.Agent.Screen.Height = 768
	}
	if cfg.Agent.Screen.ScreenshotDelay == 0 {
		cfg.Agent.Screen.ScreenshotDelay = 2 * time.Second
	}
	if cfg.Agent.Bash.Timeout == 0 {
		cfg.Agent.Bash.Timeout = 120 * time.Second
	}

	if cfg.Desktop.DisplayNumber == 0 {
		cfg.Desktop.DisplayNumber = 1
	}
	if cfg.Desktop.VNCPort == 0 {
		cfg.Desktop.VNCPort = 5900
	}
	if cfg.Desktop.WebPort == 0 {
		cfg.Desktop.WebPort = 6080
	}
	if cfg.Desktop.NoVNCDir == "" {
		cfg.Desktop.NoVNCDir = "/opt/noVNC"
	}
	if cfg.Desktop.StartupDelay == 0 {
		cfg.Desktop.StartupDelay = 2 * time.Second
	}

	if cfg.Updates.Mode == "" {
		cfg.Updates.Mode = UpdatesPush
	}
	if cfg.Updates.KeepaliveInterval == 0 {
		cfg.Updates.KeepaliveInterval = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "deskpilot"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// validate reports every problem at once.
func validate(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Database.MaxOpenConns < 0 || cfg.Database.MaxIdleConns < 0 {
		add("database pool sizes must not be negative")
	}

	if _, err := models.ParseProvider(cfg.LLM.DefaultProvider); err != nil {
		add("llm.default_provider: %v", err)
	}
	if _, err := models.ParseProvider(cfg.LLM.FallbackProvider); err != nil {
		add("llm.fallback_provider: %v", err)
	}
	switch strings.ToLower(cfg.LLM.CredentialPolicy) {
	case "fallback", "fail":
	default:
		add("llm.credential_policy must be fallback or fail, got %q", cfg.LLM.CredentialPolicy)
	}
	if cfg.LLM.MaxAttempts < 0 {
		add("llm.max_attempts must not be negative")
	}
	if cfg.LLM.Bedrock.AccessKeyID != "" && cfg.LLM.Bedrock.SecretAccessKey == "" {
		add("llm.bedrock.secret_access_key is required with access_key_id")
	}

	if cfg.Agent.MaxIterations < 0 {
		add("agent.max_iterations must not be negative")
	}
	if cfg.Agent.OnlyNMostRecentImages < 0 {
		add("agent.only_n_most_recent_images must not be negative")
	}
	if cfg.Agent.Screen.Width < 0 || cfg.Agent.Screen.Height < 0 {
		add("agent.screen size must be positive")
	}

	if cfg.Desktop.VNCPort <= 0 || cfg.Desktop.VNCPort > 65535 {
		add("desktop.vnc_port %d is out of range", cfg.Desktop.VNCPort)
	}
	if cfg.Desktop.WebPort <= 0 || cfg.Desktop.WebPort > 65535 {
		add("desktop.web_port %d is out of range", cfg.Desktop.WebPort)
	}

	if cfg.Updates.Retention < 0 {
		add("updates.retention must not be negative")
	}
	switch cfg.Updates.Mode {
	case UpdatesPush, UpdatesPoll:
	default:
		add("updates.mode must be push or poll, got %q", cfg.Updates.Mode)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", cfg.Logging.Format)
	}

	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		add("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
