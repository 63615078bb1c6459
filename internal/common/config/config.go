// Package config provides configuration management for the winfleet
// orchestrator. It supports loading configuration from environment
// variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RDP       RDPConfig       `mapstructure:"rdp"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Session   SessionConfig   `mapstructure:"session"`
	Job       JobConfig       `mapstructure:"job"`
	History   HistoryConfig   `mapstructure:"history"`
	Transport TransportConfig `mapstructure:"transport"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RDPConfig holds remote-desktop session port allocation configuration.
type RDPConfig struct {
	BasePort   int `mapstructure:"basePort"`
	PortSpread int `mapstructure:"portSpread"`
}

// SchedulerConfig holds scheduler loop configuration.
type SchedulerConfig struct {
	TickSeconds        int `mapstructure:"tickSeconds"`
	SendTimeoutSeconds int `mapstructure:"sendTimeoutSeconds"`
}

// AgentConfig holds agent pool configuration.
type AgentConfig struct {
	HeartbeatTimeoutMinutes int `mapstructure:"heartbeatTimeoutMinutes"`
	RecycleAfterJobs        int `mapstructure:"recycleAfterJobs"`
	DefaultCount            int `mapstructure:"defaultCount"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	InactivityTimeoutHours int `mapstructure:"inactivityTimeoutHours"`
	MaxJobs                int `mapstructure:"maxJobs"`
}

// JobConfig holds per-job execution bounds.
type JobConfig struct {
	TimeoutMinutes int `mapstructure:"timeoutMinutes"`
	MaxRetries     int `mapstructure:"maxRetries"`
}

// HistoryConfig bounds the retained terminal job history.
type HistoryConfig struct {
	MaxCompleted int `mapstructure:"maxCompleted"`
}

// TransportConfig holds agent transport circuit breaker configuration.
type TransportConfig struct {
	CircuitFailures        int `mapstructure:"circuitFailures"`
	CircuitCooldownSeconds int `mapstructure:"circuitCooldownSeconds"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker provisioner configuration. When Enabled is
// false sessions are provisioned by the stub provisioner.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
	Network    string `mapstructure:"network"`
}

// TemplatesConfig points at an optional YAML template library merged over
// the builtin templates.
type TemplatesConfig struct {
	Path string `mapstructure:"path"`
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

// Tick returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// SendTimeout returns the transport send timeout as a time.Duration.
func (s *SchedulerConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

// HeartbeatTimeout returns the agent heartbeat timeout as a time.Duration.
func (a *AgentConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(a.HeartbeatTimeoutMinutes) * time.Minute
}

// InactivityTimeout returns the session inactivity timeout as a time.Duration.
func (s *SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutHours) * time.Hour
}

// Timeout returns the running job timeout as a time.Duration.
func (j *JobConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutMinutes) * time.Minute
}

// CircuitCooldown returns the circuit breaker cooldown as a time.Duration.
func (t *TransportConfig) CircuitCooldown() time.Duration {
	return time.Duration(t.CircuitCooldownSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: "json" in Kubernetes/production, "text" for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("WINFLEET_ENV"); env == "production" || env == "prod" {
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

	// Session port allocation
	v.SetDefault("rdp.basePort", 3390)
	v.SetDefault("rdp.portSpread", 1000)

	// Scheduler defaults
	v.SetDefault("scheduler.tickSeconds", 5)
	v.SetDefault("scheduler.sendTimeoutSeconds", 10)

	// Agent pool defaults
	v.SetDefault("agent.heartbeatTimeoutMinutes", 5)
	v.SetDefault("agent.recycleAfterJobs", 50)
	v.SetDefault("agent.defaultCount", 2)

	// Session lifecycle defaults
	v.SetDefault("session.inactivityTimeoutHours", 2)
	v.SetDefault("session.maxJobs", 50)

	// Job defaults
	v.SetDefault("job.timeoutMinutes", 30)
	v.SetDefault("job.maxRetries", 3)

	// History retention
	v.SetDefault("history.maxCompleted", 1000)

	// Transport circuit breaker
	v.SetDefault("transport.circuitFailures", 5)
	v.SetDefault("transport.circuitCooldownSeconds", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "winfleet-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker provisioner defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "winfleet/agent:latest")
	v.SetDefault("docker.network", "winfleet-network")

	// Template library
	v.SetDefault("templates.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WINFLEET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/winfleet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WINFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/winfleet/")

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
	if cfg.RDP.BasePort <= 0 || cfg.RDP.BasePort > 65535 {
		errs = append(errs, "rdp.basePort must be between 1 and 65535")
	}
	if cfg.RDP.PortSpread <= 0 || cfg.RDP.BasePort+cfg.RDP.PortSpread > 65535 {
		errs = append(errs, "rdp.portSpread must be positive and keep ports below 65536")
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		errs = append(errs, "scheduler.tickSeconds must be positive")
	}
	if cfg.Scheduler.SendTimeoutSeconds <= 0 {
		errs = append(errs, "scheduler.sendTimeoutSeconds must be positive")
	}
	if cfg.Agent.HeartbeatTimeoutMinutes <= 0 {
		errs = append(errs, "agent.heartbeatTimeoutMinutes must be positive")
	}
	if cfg.Agent.RecycleAfterJobs <= 0 {
		errs = append(errs, "agent.recycleAfterJobs must be positive")
	}
	if cfg.Agent.DefaultCount < 0 {
		errs = append(errs, "agent.defaultCount must not be negative")
	}
	if cfg.Session.MaxJobs <= 0 {
		errs = append(errs, "session.maxJobs must be positive")
	}
	if cfg.Job.TimeoutMinutes <= 0 {
		errs = append(errs, "job.timeoutMinutes must be positive")
	}
	if cfg.Job.MaxRetries < 0 {
		errs = append(errs, "job.maxRetries must not be negative")
	}
	if cfg.History.MaxCompleted <= 0 {
		errs = append(errs, "history.maxCompleted must be positive")
	}
	if cfg.Transport.CircuitFailures <= 0 {
		errs = append(errs, "transport.circuitFailures must be positive")
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
