// Package config provides configuration management for AnyWork.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Driver names accepted by worker.driver.
const (
	DriverStatic       = "static"
	DriverLocal        = "local"
	DriverOrchestrated = "orchestrated"
)

// Workspace storage modes for the orchestrated driver.
const (
	WorkspaceEphemeral  = "ephemeral"
	WorkspacePersistent = "persistent"
)

// Config holds all configuration sections for AnyWork.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Kube     KubeConfig     `mapstructure:"kube"`
	Title    TitleConfig    `mapstructure:"title"`
	Channels ChannelsConfig `mapstructure:"channels"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// StoreConfig holds durable-state configuration.
// SQLite (the default) keeps its database file under DataDir with WAL
// journaling; Postgres is selected by setting Driver to "postgres" and DSN.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	DataDir  string `mapstructure:"dataDir"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkerConfig holds worker lifecycle configuration shared by all drivers.
type WorkerConfig struct {
	Driver              string            `mapstructure:"driver"` // static, local, orchestrated
	StaticURL           string            `mapstructure:"staticUrl"`
	Image               string            `mapstructure:"image"`
	Port                int               `mapstructure:"port"`
	ReadyTimeoutSeconds int               `mapstructure:"readyTimeoutSeconds"`
	Env                 map[string]string `mapstructure:"env"` // passed through to each worker
}

// DockerConfig holds Docker client configuration for the local driver.
type DockerConfig struct {
	Host              string `mapstructure:"host"`
	APIVersion        string `mapstructure:"apiVersion"`
	Network           string `mapstructure:"network"`
	WorkspaceBasePath string `mapstructure:"workspaceBasePath"`
}

// KubeConfig holds orchestrated-driver configuration.
type KubeConfig struct {
	Namespace        string `mapstructure:"namespace"`
	WorkspaceStorage string `mapstructure:"workspaceStorage"` // ephemeral, persistent
	StorageClass     string `mapstructure:"storageClass"`
	WorkspaceSize    string `mapstructure:"workspaceSize"`
	CPURequest       string `mapstructure:"cpuRequest"`
	CPULimit         string `mapstructure:"cpuLimit"`
	MemoryRequest    string `mapstructure:"memoryRequest"`
	MemoryLimit      string `mapstructure:"memoryLimit"`
	IdleTTLSeconds   int    `mapstructure:"idleTtlSeconds"` // 0 disables the idle reaper
}

// TitleConfig holds the session title generator configuration.
// Title generation is disabled when APIKey is empty.
type TitleConfig struct {
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
	Model   string `mapstructure:"model"`
}

// ChannelsConfig holds per-channel ingress configuration.
type ChannelsConfig struct {
	Webhook WebhookChannelConfig `mapstructure:"webhook"`
	GitHub  GitHubChannelConfig  `mapstructure:"github"`
}

// WebhookChannelConfig configures the generic shared-secret webhook channel.
type WebhookChannelConfig struct {
	Secret        string   `mapstructure:"secret"`
	DefaultSkills []string `mapstructure:"defaultSkills"`
}

// GitHubChannelConfig configures the GitHub issue-comment channel.
// The channel is registered only when Token and WebhookSecret are set.
type GitHubChannelConfig struct {
	WebhookSecret string   `mapstructure:"webhookSecret"`
	Token         string   `mapstructure:"token"`
	BotHandle     string   `mapstructure:"botHandle"`
	DefaultSkills []string `mapstructure:"defaultSkills"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReadyTimeout returns the worker readiness deadline as a time.Duration.
func (w *WorkerConfig) ReadyTimeout() time.Duration {
	return time.Duration(w.ReadyTimeoutSeconds) * time.Second
}

// IdleTTL returns the idle endpoint TTL as a time.Duration (0 disables).
func (k *KubeConfig) IdleTTL() time.Duration {
	return time.Duration(k.IdleTTLSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ANYWORK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dataDir", "./data")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "anywork")
	v.SetDefault("nats.maxReconnects", 10)

	// Worker defaults
	v.SetDefault("worker.driver", DriverStatic)
	v.SetDefault("worker.staticUrl", "http://localhost:8001")
	v.SetDefault("worker.image", "anywork-worker:latest")
	v.SetDefault("worker.port", 8001)
	v.SetDefault("worker.readyTimeoutSeconds", 90)
	v.SetDefault("worker.env", map[string]string{})

	// Docker defaults (local driver)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.workspaceBasePath", "./data/workspaces")

	// Orchestrated driver defaults
	v.SetDefault("kube.namespace", "anywork")
	v.SetDefault("kube.workspaceStorage", WorkspaceEphemeral)
	v.SetDefault("kube.storageClass", "")
	v.SetDefault("kube.workspaceSize", "1Gi")
	v.SetDefault("kube.cpuRequest", "250m")
	v.SetDefault("kube.cpuLimit", "1")
	v.SetDefault("kube.memoryRequest", "256Mi")
	v.SetDefault("kube.memoryLimit", "1Gi")
	v.SetDefault("kube.idleTtlSeconds", 1800)

	// Title generator defaults (disabled without an API key)
	v.SetDefault("title.apiKey", "")
	v.SetDefault("title.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("title.model", "gpt-4o-mini")

	// Channel defaults
	v.SetDefault("channels.webhook.secret", "")
	v.SetDefault("channels.github.webhookSecret", "")
	v.SetDefault("channels.github.token", "")
	v.SetDefault("channels.github.botHandle", "@anywork")

	// MCP server defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ANYWORK_ with snake_case naming; the
// short operational names (DRIVER, WORKER_IMAGE, NAMESPACE, ...) are bound as
// aliases so deployments can configure the engine without the prefix.
// Config file should be named config.yaml and placed in the current directory or /etc/anywork/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ANYWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys and for the short
	// operational env names. AutomaticEnv does not handle camelCase to
	// SNAKE_CASE conversion, so keys where the env var naming differs from
	// the config key naming are bound here.
	_ = v.BindEnv("store.dataDir", "ANYWORK_STORE_DATA_DIR", "DATA_DIR")
	_ = v.BindEnv("store.driver", "ANYWORK_STORE_DRIVER", "STORE_DRIVER")
	_ = v.BindEnv("store.dsn", "ANYWORK_STORE_DSN", "DATABASE_URL")
	_ = v.BindEnv("nats.url", "ANYWORK_NATS_URL", "NATS_URL")
	_ = v.BindEnv("worker.driver", "ANYWORK_WORKER_DRIVER", "DRIVER")
	_ = v.BindEnv("worker.staticUrl", "ANYWORK_WORKER_STATIC_URL", "STATIC_WORKER_URL")
	_ = v.BindEnv("worker.image", "ANYWORK_WORKER_IMAGE", "WORKER_IMAGE")
	_ = v.BindEnv("worker.port", "ANYWORK_WORKER_PORT", "WORKER_PORT")
	_ = v.BindEnv("worker.readyTimeoutSeconds", "ANYWORK_WORKER_READY_TIMEOUT_SECONDS")
	_ = v.BindEnv("kube.namespace", "ANYWORK_KUBE_NAMESPACE", "NAMESPACE")
	_ = v.BindEnv("kube.workspaceStorage", "ANYWORK_KUBE_WORKSPACE_STORAGE", "WORKSPACE_STORAGE")
	_ = v.BindEnv("kube.storageClass", "ANYWORK_KUBE_STORAGE_CLASS", "STORAGE_CLASS")
	_ = v.BindEnv("kube.idleTtlSeconds", "ANYWORK_KUBE_IDLE_TTL_SECONDS", "IDLE_TTL_SECONDS")
	_ = v.BindEnv("title.apiKey", "ANYWORK_TITLE_API_KEY", "TITLE_API_KEY")
	_ = v.BindEnv("title.baseUrl", "ANYWORK_TITLE_BASE_URL", "TITLE_BASE_URL")
	_ = v.BindEnv("title.model", "ANYWORK_TITLE_MODEL", "TITLE_MODEL")
	_ = v.BindEnv("channels.webhook.secret", "ANYWORK_CHANNELS_WEBHOOK_SECRET", "WEBHOOK_SECRET")
	_ = v.BindEnv("channels.github.webhookSecret", "ANYWORK_CHANNELS_GITHUB_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("channels.github.token", "ANYWORK_CHANNELS_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("channels.github.botHandle", "ANYWORK_CHANNELS_GITHUB_BOT_HANDLE", "GITHUB_BOT_HANDLE")
	_ = v.BindEnv("mcp.enabled", "ANYWORK_MCP_ENABLED")
	_ = v.BindEnv("mcp.port", "ANYWORK_MCP_PORT")
	_ = v.BindEnv("logging.outputPath", "ANYWORK_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/anywork/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Store validation
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.DataDir == "" {
			errs = append(errs, "store.dataDir is required for the sqlite store")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres store")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	// Worker driver validation
	switch cfg.Worker.Driver {
	case DriverStatic:
		if cfg.Worker.StaticURL == "" {
			errs = append(errs, "worker.staticUrl is required for the static driver")
		}
	case DriverLocal, DriverOrchestrated:
		if cfg.Worker.Image == "" {
			errs = append(errs, "worker.image is required for the "+cfg.Worker.Driver+" driver")
		}
		if cfg.Worker.Port <= 0 || cfg.Worker.Port > 65535 {
			errs = append(errs, "worker.port must be between 1 and 65535")
		}
	default:
		errs = append(errs, "worker.driver must be one of: static, local, orchestrated")
	}
	if cfg.Worker.ReadyTimeoutSeconds <= 0 {
		errs = append(errs, "worker.readyTimeoutSeconds must be positive")
	}

	// Orchestrated driver validation
	if cfg.Worker.Driver == DriverOrchestrated {
		if cfg.Kube.Namespace == "" {
			errs = append(errs, "kube.namespace is required for the orchestrated driver")
		}
		if cfg.Kube.WorkspaceStorage != WorkspaceEphemeral && cfg.Kube.WorkspaceStorage != WorkspacePersistent {
			errs = append(errs, "kube.workspaceStorage must be one of: ephemeral, persistent")
		}
		if cfg.Kube.IdleTTLSeconds < 0 {
			errs = append(errs, "kube.idleTtlSeconds must be zero or positive")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// SQLitePath returns the path of the SQLite database file under DataDir.
func (s *StoreConfig) SQLitePath() string {
	return s.DataDir + "/anywork.db"
}
