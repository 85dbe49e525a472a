// Package config provides configuration management for Kagan.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Kagan.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Database            DatabaseConfig            `mapstructure:"database"`
	NATS                NATSConfig                `mapstructure:"nats"`
	Events              EventsConfig              `mapstructure:"events"`
	Docker              DockerConfig              `mapstructure:"docker"`
	Agent               AgentConfig               `mapstructure:"agent"`
	Auth                AuthConfig                `mapstructure:"auth"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	RepositoryDiscovery RepositoryDiscoveryConfig `mapstructure:"repositoryDiscovery"`
	Worktree            WorktreeConfig            `mapstructure:"worktree"`
	RepoClone           RepoCloneConfig           `mapstructure:"repoClone"`
	Core                CoreConfig                `mapstructure:"core"`
	Automation          AutomationConfig          `mapstructure:"automation"`
	Instrumentation     InstrumentationConfig     `mapstructure:"instrumentation"`
	UI                  UIConfig                  `mapstructure:"ui"`
}

// UIConfig holds client-facing preferences the core persists on a user's
// behalf (spec settings.ui.*), even though the core itself never renders
// anything.
type UIConfig struct {
	SkipPairInstructions bool `mapstructure:"skipPairInstructions"`
}

// CoreConfig holds the core host's instance-lease and transport preferences.
type CoreConfig struct {
	RuntimeDir          string `mapstructure:"runtimeDir"`          // overrides $KAGAN_CORE_RUNTIME_DIR
	TransportPreference string `mapstructure:"transportPreference"` // "auto" | "socket" | "tcp"
	HeartbeatSeconds    int    `mapstructure:"heartbeatSeconds"`
	StaleAfterSeconds   int    `mapstructure:"staleAfterSeconds"`
}

// AutomationConfig holds the automation orchestrator's tuning knobs. Fields
// tagged below as exposed settings are the live, client-editable surface
// the settings capability reads and writes (spec settings.general.*); the
// rest (MaxIterations, IterationDelaySeconds) are deployment-time knobs not
// in that allowlist.
type AutomationConfig struct {
	AutoStart                  bool   `mapstructure:"autoStart"`
	AutoReview                 bool   `mapstructure:"autoReview"`
	AutoApprove                bool   `mapstructure:"autoApprove"`
	RequireReviewApproval      bool   `mapstructure:"requireReviewApproval"`
	SerializeMerges            bool   `mapstructure:"serializeMerges"`
	MaxConcurrentAgents        int    `mapstructure:"maxConcurrentAgents"`
	MaxIterations              int    `mapstructure:"maxIterations"`
	IterationDelaySeconds      int    `mapstructure:"iterationDelaySeconds"`
	AgentTimeoutSeconds        int    `mapstructure:"agentTimeoutSeconds"`
	DefaultBaseBranch          string `mapstructure:"defaultBaseBranch"`
	AutoSyncBaseBranch         bool   `mapstructure:"autoSyncBaseBranch"`
	WorktreeBaseRefStrategy    string `mapstructure:"worktreeBaseRefStrategy"` // remote | local | local_if_ahead
	DefaultWorkerAgent         string `mapstructure:"defaultWorkerAgent"`
	DefaultPairTerminalBackend string `mapstructure:"defaultPairTerminalBackend"`

	// AgentExecutionBackend maps a worker identity (the agentregistry.Builtins
	// key) to where its process runs: "local" (default), "sandboxed" (Docker
	// container per run), or "remote". The launcher runs "remote" entries as
	// local processes. Unset or unrecognized entries fall back to local.
	AgentExecutionBackend map[string]string `mapstructure:"agentExecutionBackend"`

	// DefaultModel* are nullable per-backend model overrides; empty string
	// means "use that backend's own default".
	DefaultModelClaude   string `mapstructure:"defaultModelClaude"`
	DefaultModelOpencode string `mapstructure:"defaultModelOpencode"`
	DefaultModelCodex    string `mapstructure:"defaultModelCodex"`
	DefaultModelGemini   string `mapstructure:"defaultModelGemini"`
	DefaultModelKimi     string `mapstructure:"defaultModelKimi"`
	DefaultModelCopilot  string `mapstructure:"defaultModelCopilot"`

	TasksWaitDefaultTimeoutSeconds int `mapstructure:"tasksWaitDefaultTimeoutSeconds"`
	TasksWaitMaxTimeoutSeconds     int `mapstructure:"tasksWaitMaxTimeoutSeconds"`
}

// InstrumentationConfig holds opt-in counters/timings configuration.
type InstrumentationConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	OTLPEndpoint  string `mapstructure:"otlpEndpoint"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled controls whether the Docker runtime is available for task execution.
	// When true and Docker is accessible, tasks can use Docker-based executors.
	// Default: true (Docker runtime is enabled if Docker is available)
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RepositoryDiscoveryConfig holds configuration for local repository scanning.
type RepositoryDiscoveryConfig struct {
	Roots    []string `mapstructure:"roots"`
	MaxDepth int      `mapstructure:"maxDepth"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	Enabled         bool   `mapstructure:"enabled"`         // Enable worktree mode
	BasePath        string `mapstructure:"basePath"`        // Base directory for worktrees (default: ~/.kagan/worktrees)
	DefaultBranch   string `mapstructure:"defaultBranch"`   // Default base branch (default: main)
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // Remove worktree directory on task deletion
}

// RepoCloneConfig holds configuration for automatic repository cloning.
type RepoCloneConfig struct {
	BasePath string `mapstructure:"basePath"` // Base directory for cloned repos (default: ~/.kagan/repos)
}

// AgentConfig holds agent runtime configuration.
// Note: Runtime selection is now per-task based on executor type, not global.
// The Standalone runtime (agentctl) always runs as a core service.
// Docker runtime is available when docker.enabled=true.
type AgentConfig struct {
	// StandaloneHost is the host where standalone agentctl is running (default: localhost)
	StandaloneHost string `mapstructure:"standaloneHost"`

	// StandalonePort is the control port for standalone agentctl (default: 9999)
	StandalonePort int `mapstructure:"standalonePort"`

	// McpServerEnabled enables the standalone MCP server (default: false)
	// Note: MCP is now embedded in agentctl and tunnels to backend via WebSocket.
	// This setting is only for running a separate standalone MCP server process.
	McpServerEnabled bool `mapstructure:"mcpServerEnabled"`

	// McpServerPort is the port for the standalone MCP server (default: 9090)
	McpServerPort int `mapstructure:"mcpServerPort"`

	// McpServerURL is the URL of the Kagan MCP server for task management
	// If set, agents with supports_mcp=true will be configured with this MCP server
	// Note: With the new architecture, MCP is embedded in agentctl and this is typically not needed.
	McpServerURL string `mapstructure:"mcpServerUrl"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
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
	if env := os.Getenv("KAGAN_CORE_ENV"); env == "production" || env == "prod" {
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

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./kagan.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kagan")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kagan")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "kagan-cluster")
	v.SetDefault("nats.clientId", "kagan-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Docker defaults â€” platform-aware host and volume path
	v.SetDefault("docker.enabled", true) // Docker runtime enabled by default if Docker is available
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "kagan-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	// Agent defaults (runtime selection is now per-task based on executor type)
	v.SetDefault("agent.standaloneHost", "localhost")
	v.SetDefault("agent.standalonePort", 9999)
	v.SetDefault("agent.mcpServerEnabled", false) // MCP is now embedded in agentctl
	v.SetDefault("agent.mcpServerPort", 9090)
	v.SetDefault("agent.mcpServerUrl", "")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Repository discovery defaults
	v.SetDefault("repositoryDiscovery.roots", []string{})
	v.SetDefault("repositoryDiscovery.maxDepth", 5)

	// Worktree defaults
	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.basePath", "~/.kagan/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.cleanupOnRemove", true)

	// RepoClone defaults
	v.SetDefault("repoClone.basePath", "~/.kagan/repos")

	// Core host defaults
	v.SetDefault("core.runtimeDir", "")
	v.SetDefault("core.transportPreference", "auto")
	v.SetDefault("core.heartbeatSeconds", 2)
	v.SetDefault("core.staleAfterSeconds", 10)

	// Automation defaults
	v.SetDefault("automation.autoStart", true)
	v.SetDefault("automation.autoReview", true)
	v.SetDefault("automation.autoApprove", true)
	v.SetDefault("automation.requireReviewApproval", false)
	v.SetDefault("automation.serializeMerges", true)
	v.SetDefault("automation.maxConcurrentAgents", 3)
	v.SetDefault("automation.maxIterations", 10)
	v.SetDefault("automation.iterationDelaySeconds", 2)
	v.SetDefault("automation.agentTimeoutSeconds", 60)
	v.SetDefault("automation.defaultBaseBranch", "main")
	v.SetDefault("automation.autoSyncBaseBranch", true)
	v.SetDefault("automation.worktreeBaseRefStrategy", "remote")
	v.SetDefault("automation.defaultWorkerAgent", "claude")
	v.SetDefault("automation.defaultPairTerminalBackend", "tmux")
	v.SetDefault("automation.defaultModelClaude", "")
	v.SetDefault("automation.defaultModelOpencode", "")
	v.SetDefault("automation.defaultModelCodex", "")
	v.SetDefault("automation.defaultModelGemini", "")
	v.SetDefault("automation.defaultModelKimi", "")
	v.SetDefault("automation.defaultModelCopilot", "")
	v.SetDefault("automation.agentExecutionBackend", map[string]string{})
	v.SetDefault("automation.tasksWaitDefaultTimeoutSeconds", 30)
	v.SetDefault("automation.tasksWaitMaxTimeoutSeconds", 300)

	// UI defaults
	v.SetDefault("ui.skipPairInstructions", false)

	// Instrumentation defaults
	v.SetDefault("instrumentation.enabled", false)
	v.SetDefault("instrumentation.otlpEndpoint", "")
}

// WorkerAgents is the closed set of built-in worker agent backends a task
// may be assigned.
var WorkerAgents = map[string]bool{
	"claude":   true,
	"opencode": true,
	"codex":    true,
	"gemini":   true,
	"kimi":     true,
	"copilot":  true,
}

// ExecutionBackends is the closed set of valid values for
// AutomationConfig.AgentExecutionBackend entries.
var ExecutionBackends = map[string]bool{
	"local":     true,
	"sandboxed": true,
	"remote":    true,
}

// PairTerminalBackends is the closed set of valid terminal backends for an
// interactive pair session.
var PairTerminalBackends = map[string]bool{
	"tmux":   true,
	"screen": true,
	"native": true,
}

// WorktreeBaseRefStrategyValues is the closed set of valid base-ref resolution strategies.
var WorktreeBaseRefStrategyValues = map[string]bool{
	"remote":         true,
	"local":          true,
	"local_if_ahead": true,
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "kagan", "volumes")
	}
	return "/var/lib/kagan/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KAGAN_CORE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kagan/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	cfg, _, err := LoadWithViper(configPath)
	return cfg, err
}

// LoadWithViper behaves like LoadWithPath but also returns the viper
// instance the config was read through, so a caller that later needs to
// persist runtime changes (the settings capability's update method) can
// write back through the same config file instead of guessing its path.
func LoadWithViper(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KAGAN_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.standalonePort", "AGENTCTL_PORT", "KAGAN_CORE_AGENT_STANDALONE_PORT")
	_ = v.BindEnv("agent.standaloneHost", "KAGAN_CORE_AGENT_STANDALONE_HOST")
	_ = v.BindEnv("agent.mcpServerPort", "KAGAN_CORE_AGENT_MCP_SERVER_PORT")
	_ = v.BindEnv("agent.mcpServerUrl", "KAGAN_CORE_AGENT_MCP_SERVER_URL")
	_ = v.BindEnv("logging.level", "KAGAN_CORE_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "KAGAN_CORE_EVENTS_NAMESPACE")
	_ = v.BindEnv("core.runtimeDir", "KAGAN_CORE_RUNTIME_DIR")
	_ = v.BindEnv("automation.maxConcurrentAgents", "KAGAN_CORE_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("instrumentation.enabled", "KAGAN_CORE_INSTRUMENTATION")
	_ = v.BindEnv("instrumentation.otlpEndpoint", "KAGAN_CORE_INSTRUMENTATION_LOG")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kagan/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, v, nil
}

// Save persists the automation.* and ui.* sections of cfg (the settings
// capability's client-editable surface) back through the viper instance
// that originally loaded it, writing to whatever config file was found (or
// a fresh ./config.yaml if none was) so a restart picks up the change.
func Save(v *viper.Viper, cfg *Config) error {
	v.Set("automation.autoReview", cfg.Automation.AutoReview)
	v.Set("automation.autoApprove", cfg.Automation.AutoApprove)
	v.Set("automation.requireReviewApproval", cfg.Automation.RequireReviewApproval)
	v.Set("automation.serializeMerges", cfg.Automation.SerializeMerges)
	v.Set("automation.defaultBaseBranch", cfg.Automation.DefaultBaseBranch)
	v.Set("automation.autoSyncBaseBranch", cfg.Automation.AutoSyncBaseBranch)
	v.Set("automation.worktreeBaseRefStrategy", cfg.Automation.WorktreeBaseRefStrategy)
	v.Set("automation.maxConcurrentAgents", cfg.Automation.MaxConcurrentAgents)
	v.Set("automation.defaultWorkerAgent", cfg.Automation.DefaultWorkerAgent)
	v.Set("automation.defaultPairTerminalBackend", cfg.Automation.DefaultPairTerminalBackend)
	v.Set("automation.defaultModelClaude", cfg.Automation.DefaultModelClaude)
	v.Set("automation.defaultModelOpencode", cfg.Automation.DefaultModelOpencode)
	v.Set("automation.defaultModelCodex", cfg.Automation.DefaultModelCodex)
	v.Set("automation.defaultModelGemini", cfg.Automation.DefaultModelGemini)
	v.Set("automation.defaultModelKimi", cfg.Automation.DefaultModelKimi)
	v.Set("automation.defaultModelCopilot", cfg.Automation.DefaultModelCopilot)
	v.Set("automation.agentExecutionBackend", cfg.Automation.AgentExecutionBackend)
	v.Set("automation.tasksWaitDefaultTimeoutSeconds", cfg.Automation.TasksWaitDefaultTimeoutSeconds)
	v.Set("automation.tasksWaitMaxTimeoutSeconds", cfg.Automation.TasksWaitMaxTimeoutSeconds)
	v.Set("ui.skipPairInstructions", cfg.UI.SkipPairInstructions)

	if v.ConfigFileUsed() == "" {
		return v.WriteConfigAs("./config.yaml")
	}
	return v.WriteConfig()
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Docker validation - optional (agent features disabled if not available)
	// No validation needed - will gracefully degrade

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
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

	if cfg.RepositoryDiscovery.MaxDepth <= 0 {
		errs = append(errs, "repositoryDiscovery.maxDepth must be positive")
	}

	if cfg.Automation.MaxConcurrentAgents < 1 || cfg.Automation.MaxConcurrentAgents > 10 {
		errs = append(errs, "automation.maxConcurrentAgents must be between 1 and 10")
	}
	if cfg.Automation.MaxIterations <= 0 {
		errs = append(errs, "automation.maxIterations must be positive")
	}
	if !WorktreeBaseRefStrategyValues[cfg.Automation.WorktreeBaseRefStrategy] {
		errs = append(errs, "automation.worktreeBaseRefStrategy must be one of: remote, local, local_if_ahead")
	}
	if !WorkerAgents[cfg.Automation.DefaultWorkerAgent] {
		errs = append(errs, "automation.defaultWorkerAgent must be a known worker agent")
	}
	if !PairTerminalBackends[strings.ToLower(cfg.Automation.DefaultPairTerminalBackend)] {
		errs = append(errs, "automation.defaultPairTerminalBackend must be one of: tmux, screen, native")
	}
	for identity, backend := range cfg.Automation.AgentExecutionBackend {
		if !ExecutionBackends[backend] {
			errs = append(errs, fmt.Sprintf("automation.agentExecutionBackend[%s] must be one of: local, sandboxed, remote", identity))
		}
	}
	if cfg.Automation.TasksWaitDefaultTimeoutSeconds < 1 || cfg.Automation.TasksWaitDefaultTimeoutSeconds > 3600 {
		errs = append(errs, "automation.tasksWaitDefaultTimeoutSeconds must be between 1 and 3600")
	}
	if cfg.Automation.TasksWaitMaxTimeoutSeconds < 1 || cfg.Automation.TasksWaitMaxTimeoutSeconds > 3600 {
		errs = append(errs, "automation.tasksWaitMaxTimeoutSeconds must be between 1 and 3600")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set KAGAN_CORE_AUTH_JWTSECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
