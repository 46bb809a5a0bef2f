package config

import "time"

// Config represents the complete promptgate configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Exec     ExecConfig     `yaml:"exec"`
	Retry    RetryConfig    `yaml:"retry"`
	Sessions SessionsConfig `yaml:"sessions"`
	API      APIConfig      `yaml:"api,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file,omitempty"`
}

// ExecConfig defines how the external command is invoked.
type ExecConfig struct {
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args"`
	DefaultModel     string        `yaml:"default_model,omitempty"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// RetryConfig defines retry behavior for failed executions.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	RetryOnEmpty bool          `yaml:"retry_on_empty"`
}

// SessionsConfig defines session storage settings.
type SessionsConfig struct {
	// Roots lists session root directories; the first entry is the primary root.
	Roots []string `yaml:"roots"`
	// SecureRoot is used for requests flagged secure. Empty means
	// "<primary root>/secure".
	SecureRoot       string `yaml:"secure_root,omitempty"`
	DefaultTailLines int    `yaml:"default_tail_lines"`
	MaxTailLines     int    `yaml:"max_tail_lines"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// AuthToken is an optional bearer token gate. Enforcement is a pass-through
	// check on write endpoints, not an authorization model.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// HistoryConfig defines the execution history database settings.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "promptgate",
			Host:     "127.0.0.1",
			Port:     8080,
			LogLevel: "info",
			PIDFile:  "./data/promptgate.pid",
		},
		Exec: ExecConfig{
			Command:          "claude",
			Args:             []string{"-p"},
			DefaultTimeout:   120 * time.Second,
			MaxTimeout:       30 * time.Minute,
			MaxConcurrent:    3,
			TerminationGrace: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:   2,
			BaseDelay:    500 * time.Millisecond,
			RetryOnEmpty: false,
		},
		Sessions: SessionsConfig{
			Roots:            []string{"./data/sessions"},
			DefaultTailLines: 200,
			MaxTailLines:     2000,
		},
		API: APIConfig{
			MaxBodyBytes: 1 << 20,
		},
		History: HistoryConfig{
			Path: "./data/history.db",
		},
	}
}

// Listen returns the host:port bind address.
func (c *Config) Listen() string {
	return joinHostPort(c.Service.Host, c.Service.Port)
}
