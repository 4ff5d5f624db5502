// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Approvals   ApprovalsConfig   `mapstructure:"approvals"`
	Subscribe   SubscribeConfig   `mapstructure:"subscribe"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectStore"`
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Skills      SkillsConfig      `mapstructure:"skills"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds durable store configuration. Driver is "sqlite3" or
// "pgx"; sqlite uses Path, postgres uses the host/port fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds Docker sandbox configuration.
type SandboxConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Image          string `mapstructure:"image"`
	Network        string `mapstructure:"network"`
	MemoryLimitMB  int    `mapstructure:"memoryLimitMb"`
	OpenCodePort   int    `mapstructure:"opencodePort"`
	WorkDir        string `mapstructure:"workDir"`
	StartupTimeout int    `mapstructure:"startupTimeout"` // in seconds
}

// GenerationConfig holds generation runner configuration.
type GenerationConfig struct {
	PreparingTimeout   int  `mapstructure:"preparingTimeout"`   // in seconds
	PromptTimeout      int  `mapstructure:"promptTimeout"`      // in seconds
	CancelPollInterval int  `mapstructure:"cancelPollInterval"` // in seconds
	DeferToWorker      bool `mapstructure:"deferToWorker"`
	ReaperInterval     int  `mapstructure:"reaperInterval"` // in seconds
}

// ApprovalsConfig holds pending approval/auth configuration.
type ApprovalsConfig struct {
	ApprovalTimeout      int      `mapstructure:"approvalTimeout"`      // in seconds
	AuthTimeout          int      `mapstructure:"authTimeout"`          // in seconds
	DecisionPollInterval int      `mapstructure:"decisionPollInterval"` // in milliseconds
	ExemptTools          []string `mapstructure:"exemptTools"`          // "integration:operation" pairs never auto-approved
	AutoApproveRoots     []string `mapstructure:"autoApproveRoots"`     // directory permission patterns under these roots auto-approve
}

// SubscribeConfig holds subscription stream configuration.
type SubscribeConfig struct {
	BasePollInterval   int `mapstructure:"basePollInterval"`   // in milliseconds
	AwaitingFloor      int `mapstructure:"awaitingFloor"`      // in milliseconds
	ChatBackoffCap     int `mapstructure:"chatBackoffCap"`     // in milliseconds
	WorkflowBackoffCap int `mapstructure:"workflowBackoffCap"` // in milliseconds
	HeartbeatInterval  int `mapstructure:"heartbeatInterval"`  // in seconds
	ChatMaxWait        int `mapstructure:"chatMaxWait"`        // in seconds
	WorkflowMaxWait    int `mapstructure:"workflowMaxWait"`    // in seconds
}

// QueueConfig holds background job queue configuration.
type QueueConfig struct {
	PollInterval int `mapstructure:"pollInterval"` // in milliseconds
	Concurrency  int `mapstructure:"concurrency"`
	MaxAttempts  int `mapstructure:"maxAttempts"`
}

// LeaseConfig holds generation lease configuration.
type LeaseConfig struct {
	TTL           int `mapstructure:"ttl"`           // in seconds
	RenewInterval int `mapstructure:"renewInterval"` // in seconds
}

// WorkflowConfig holds workflow generation configuration.
type WorkflowConfig struct {
	// ReuseSession keeps the provider session across workflow generations
	// of one conversation instead of creating a fresh one per run.
	ReuseSession bool `mapstructure:"reuseSession"`
}

// ObjectStoreConfig holds attachment/file storage configuration.
// Backend is "fs" or "s3".
type ObjectStoreConfig struct {
	Backend         string `mapstructure:"backend"`
	Path            string `mapstructure:"path"` // fs backend root
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

// AnthropicConfig holds the upstream model credential and title model.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"apiKey"`
	TitleModel string `mapstructure:"titleModel"`
}

// SkillsConfig holds platform skill configuration.
type SkillsConfig struct {
	ManifestPath string `mapstructure:"manifestPath"` // YAML manifest; empty uses built-ins
}

// MonitorConfig holds the optional external monitor for stuck-check pings.
type MonitorConfig struct {
	URL string `mapstructure:"url"`
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

// PreparingTimeoutDuration returns the sandbox preparation budget.
func (g *GenerationConfig) PreparingTimeoutDuration() time.Duration {
	return time.Duration(g.PreparingTimeout) * time.Second
}

// PromptTimeoutDuration returns the end-to-end prompt budget.
func (g *GenerationConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(g.PromptTimeout) * time.Second
}

// CancelPollIntervalDuration returns the durable cancel-flag poll cadence.
func (g *GenerationConfig) CancelPollIntervalDuration() time.Duration {
	return time.Duration(g.CancelPollInterval) * time.Second
}

// ReaperIntervalDuration returns the stale-generation scan cadence.
func (g *GenerationConfig) ReaperIntervalDuration() time.Duration {
	return time.Duration(g.ReaperInterval) * time.Second
}

// ApprovalTimeoutDuration returns the pending-approval budget.
func (a *ApprovalsConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(a.ApprovalTimeout) * time.Second
}

// AuthTimeoutDuration returns the pending-auth budget.
func (a *ApprovalsConfig) AuthTimeoutDuration() time.Duration {
	return time.Duration(a.AuthTimeout) * time.Second
}

// DecisionPollIntervalDuration returns the decision poll cadence.
func (a *ApprovalsConfig) DecisionPollIntervalDuration() time.Duration {
	return time.Duration(a.DecisionPollInterval) * time.Millisecond
}

// TTLDuration returns the lease TTL.
func (l *LeaseConfig) TTLDuration() time.Duration {
	return time.Duration(l.TTL) * time.Second
}

// RenewIntervalDuration returns the lease renew cadence.
func (l *LeaseConfig) RenewIntervalDuration() time.Duration {
	return time.Duration(l.RenewInterval) * time.Second
}

// PollIntervalDuration returns the job claim poll cadence.
func (q *QueueConfig) PollIntervalDuration() time.Duration {
	return time.Duration(q.PollInterval) * time.Millisecond
}

// StartupTimeoutDuration returns the sandbox startup budget.
func (s *SandboxConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file store unless a postgres host is set
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./data/parley.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "parley")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parley")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.apiVersion", "")
	v.SetDefault("sandbox.image", "parleyhq/sandbox:latest")
	v.SetDefault("sandbox.network", "bridge")
	v.SetDefault("sandbox.memoryLimitMb", 2048)
	v.SetDefault("sandbox.opencodePort", 4096)
	v.SetDefault("sandbox.workDir", "/app")
	v.SetDefault("sandbox.startupTimeout", 60)

	// Generation defaults
	v.SetDefault("generation.preparingTimeout", 300)
	v.SetDefault("generation.promptTimeout", 1500)
	v.SetDefault("generation.cancelPollInterval", 1)
	v.SetDefault("generation.deferToWorker", false)
	v.SetDefault("generation.reaperInterval", 300)

	// Approval defaults
	v.SetDefault("approvals.approvalTimeout", 300)
	v.SetDefault("approvals.authTimeout", 600)
	v.SetDefault("approvals.decisionPollInterval", 400)
	v.SetDefault("approvals.exemptTools", []string{"slack:send"})
	v.SetDefault("approvals.autoApproveRoots", []string{"/home/user/uploads"})

	// Subscription defaults
	v.SetDefault("subscribe.basePollInterval", 500)
	v.SetDefault("subscribe.awaitingFloor", 2000)
	v.SetDefault("subscribe.chatBackoffCap", 3000)
	v.SetDefault("subscribe.workflowBackoffCap", 5000)
	v.SetDefault("subscribe.heartbeatInterval", 10)
	v.SetDefault("subscribe.chatMaxWait", 180)
	v.SetDefault("subscribe.workflowMaxWait", 600)

	// Queue defaults
	v.SetDefault("queue.pollInterval", 1000)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.maxAttempts", 3)

	// Lease defaults
	v.SetDefault("lease.ttl", 120)
	v.SetDefault("lease.renewInterval", 30)

	// Workflow defaults
	v.SetDefault("workflow.reuseSession", false)

	// Object store defaults
	v.SetDefault("objectStore.backend", "fs")
	v.SetDefault("objectStore.path", "./data/files")
	v.SetDefault("objectStore.bucket", "")
	v.SetDefault("objectStore.region", "us-east-1")
	v.SetDefault("objectStore.endpoint", "")
	v.SetDefault("objectStore.prefix", "")
	v.SetDefault("objectStore.usePathStyle", false)

	// Anthropic defaults
	v.SetDefault("anthropic.apiKey", "")
	v.SetDefault("anthropic.titleModel", "claude-3-5-haiku-latest")

	// Skills defaults
	v.SetDefault("skills.manifestPath", "")

	// Monitor defaults
	v.SetDefault("monitor.url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parley/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("anthropic.apiKey", "ANTHROPIC_API_KEY", "PARLEY_ANTHROPIC_API_KEY")
	_ = v.BindEnv("database.driver", "PARLEY_DB_DRIVER")
	_ = v.BindEnv("database.path", "PARLEY_DB_PATH")
	_ = v.BindEnv("generation.deferToWorker", "PARLEY_DEFER_TO_WORKER")
	_ = v.BindEnv("monitor.url", "PARLEY_MONITOR_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Generation.PreparingTimeout <= 0 {
		errs = append(errs, "generation.preparingTimeout must be positive")
	}
	if cfg.Generation.PromptTimeout <= 0 {
		errs = append(errs, "generation.promptTimeout must be positive")
	}
	if cfg.Approvals.ApprovalTimeout <= 0 {
		errs = append(errs, "approvals.approvalTimeout must be positive")
	}
	if cfg.Approvals.AuthTimeout <= 0 {
		errs = append(errs, "approvals.authTimeout must be positive")
	}
	if cfg.Lease.TTL <= cfg.Lease.RenewInterval {
		errs = append(errs, "lease.ttl must exceed lease.renewInterval")
	}

	switch cfg.ObjectStore.Backend {
	case "fs":
		if cfg.ObjectStore.Path == "" {
			errs = append(errs, "objectStore.path is required for the fs backend")
		}
	case "s3":
		if cfg.ObjectStore.Bucket == "" {
			errs = append(errs, "objectStore.bucket is required for the s3 backend")
		}
	default:
		errs = append(errs, "objectStore.backend must be one of: fs, s3")
	}

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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
