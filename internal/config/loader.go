package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the optional YAML file
// at configPath, then PROMPTGATE_* environment variables. Environment wins over
// the file, the file over defaults. An empty configPath skips the file layer.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", configPath, err)
		}
	}

	// A .env file in the working directory is optional.
	_ = godotenv.Load(".env")
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Service.Host = getEnv("PROMPTGATE_HOST", cfg.Service.Host)
	cfg.Service.Port = getEnvInt("PROMPTGATE_PORT", cfg.Service.Port)
	cfg.Service.LogLevel = getEnv("PROMPTGATE_LOG_LEVEL", cfg.Service.LogLevel)
	cfg.Service.PIDFile = getEnv("PROMPTGATE_PID_FILE", cfg.Service.PIDFile)

	cfg.Exec.Command = getEnv("PROMPTGATE_EXEC_COMMAND", cfg.Exec.Command)
	if v, ok := os.LookupEnv("PROMPTGATE_EXEC_ARGS"); ok {
		cfg.Exec.Args = strings.Fields(v)
	}
	cfg.Exec.DefaultModel = getEnv("PROMPTGATE_DEFAULT_MODEL", cfg.Exec.DefaultModel)
	cfg.Exec.DefaultTimeout = getEnvMillis("PROMPTGATE_DEFAULT_TIMEOUT_MS", cfg.Exec.DefaultTimeout)
	cfg.Exec.MaxTimeout = getEnvMillis("PROMPTGATE_MAX_TIMEOUT_MS", cfg.Exec.MaxTimeout)
	cfg.Exec.MaxConcurrent = getEnvInt("PROMPTGATE_MAX_CONCURRENT", cfg.Exec.MaxConcurrent)

	cfg.Retry.MaxRetries = getEnvInt("PROMPTGATE_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelay = getEnvMillis("PROMPTGATE_RETRY_BASE_DELAY_MS", cfg.Retry.BaseDelay)
	cfg.Retry.RetryOnEmpty = getEnvBool("PROMPTGATE_RETRY_ON_EMPTY", cfg.Retry.RetryOnEmpty)

	if v, ok := os.LookupEnv("PROMPTGATE_SESSION_ROOTS"); ok {
		var roots []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, r)
			}
		}
		if len(roots) > 0 {
			cfg.Sessions.Roots = roots
		}
	}
	cfg.Sessions.SecureRoot = getEnv("PROMPTGATE_SECURE_SESSION_ROOT", cfg.Sessions.SecureRoot)
	cfg.Sessions.DefaultTailLines = getEnvInt("PROMPTGATE_DEFAULT_TAIL_LINES", cfg.Sessions.DefaultTailLines)
	cfg.Sessions.MaxTailLines = getEnvInt("PROMPTGATE_MAX_TAIL_LINES", cfg.Sessions.MaxTailLines)

	cfg.API.MaxBodyBytes = getEnvInt64("PROMPTGATE_MAX_BODY_BYTES", cfg.API.MaxBodyBytes)
	cfg.API.AuthToken = getEnv("PROMPTGATE_AUTH_TOKEN", cfg.API.AuthToken)

	cfg.History.Path = getEnv("PROMPTGATE_HISTORY_DB", cfg.History.Path)
}

func validate(cfg *Config) error {
	if cfg.Service.Port <= 0 || cfg.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", cfg.Service.Port)
	}
	if strings.TrimSpace(cfg.Exec.Command) == "" {
		return fmt.Errorf("exec.command is empty")
	}
	if cfg.Exec.DefaultTimeout <= 0 {
		return fmt.Errorf("exec.default_timeout must be positive")
	}
	if cfg.Exec.MaxTimeout < cfg.Exec.DefaultTimeout {
		return fmt.Errorf("exec.max_timeout %v is below exec.default_timeout %v",
			cfg.Exec.MaxTimeout, cfg.Exec.DefaultTimeout)
	}
	if cfg.Exec.MaxConcurrent <= 0 {
		return fmt.Errorf("exec.max_concurrent must be positive")
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if len(cfg.Sessions.Roots) == 0 {
		return fmt.Errorf("sessions.roots is empty")
	}
	if cfg.Sessions.DefaultTailLines <= 0 || cfg.Sessions.MaxTailLines <= 0 {
		return fmt.Errorf("sessions tail line counts must be positive")
	}
	if cfg.API.MaxBodyBytes <= 0 {
		return fmt.Errorf("api.max_body_bytes must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SetListen overrides the bind address from a host:port string.
func (c *Config) SetListen(addr string) error {
	host, portS, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portS)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("listen port %q out of range", portS)
	}
	if host != "" {
		c.Service.Host = host
	}
	c.Service.Port = port
	return nil
}
