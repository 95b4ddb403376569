// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Session       SessionConfig       `yaml:"session"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// StoreConfig describes the record store backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MongoDatabase   string        `yaml:"mongo_database"`
}

// SessionConfig describes client form session behaviour.
type SessionConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	SavingIndicator  time.Duration `yaml:"saving_indicator"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ReplacePolicy    string        `yaml:"replace_policy"`
}

// WorkflowConfig describes status workflow settings.
type WorkflowConfig struct {
	TransitionPolicy string `yaml:"transition_policy"`
}

// GeneratorConfig describes the text generation provider.
type GeneratorConfig struct {
	Provider         string               `yaml:"provider"`
	BaseURL          string               `yaml:"base_url"`
	APIKeyEnv        string               `yaml:"api_key_env"`
	Model            string               `yaml:"model"`
	AnthropicVersion string               `yaml:"anthropic_version"`
	MaxTokens        int                  `yaml:"max_tokens"`
	Timeout          time.Duration        `yaml:"timeout"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			PublicURL:       "http://localhost:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id", "X-Idempotency-Key", "X-Operator"},
				MaxAge:         86400,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "INTAKE_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			SQLitePath:      "intake.db",
			MongoDatabase:   "intake",
		},
		Session: SessionConfig{
			DebounceInterval: time.Second,
			SavingIndicator:  800 * time.Millisecond,
			IdleTimeout:      30 * time.Minute,
			SweepInterval:    time.Minute,
			ReplacePolicy:    "last_write_wins",
		},
		Workflow: WorkflowConfig{
			TransitionPolicy: "permissive",
		},
		Generator: GeneratorConfig{
			Provider:         "anthropic",
			BaseURL:          "https://api.anthropic.com",
			APIKeyEnv:        "ANTHROPIC_API_KEY",
			Model:            "claude-sonnet-4-5-20250929",
			AnthropicVersion: "2023-06-01",
			MaxTokens:        1024,
			Timeout:          60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "INTAKE_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. A .env file next to the working directory is
// loaded first when present; variables already set in the environment win.
// An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Store.DSNEnv == "" {
			errs = append(errs, fmt.Sprintf("store.dsn_env is required for driver %q", c.Store.Driver))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for driver \"sqlite\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, sqlite, mongo", c.Store.Driver))
	}

	if c.Session.DebounceInterval <= 0 {
		errs = append(errs, "session.debounce_interval must be positive")
	}
	if c.Session.SavingIndicator < 0 {
		errs = append(errs, "session.saving_indicator must not be negative")
	}
	switch c.Session.ReplacePolicy {
	case "last_write_wins", "versioned":
	default:
		errs = append(errs, fmt.Sprintf("session.replace_policy %q is not one of last_write_wins, versioned", c.Session.ReplacePolicy))
	}

	switch c.Workflow.TransitionPolicy {
	case "permissive", "strict":
	default:
		errs = append(errs, fmt.Sprintf("workflow.transition_policy %q is not one of permissive, strict", c.Workflow.TransitionPolicy))
	}

	switch c.Generator.Provider {
	case "disabled":
	case "anthropic":
		if c.Generator.BaseURL == "" {
			errs = append(errs, "generator.base_url is required for provider \"anthropic\"")
		}
		if c.Generator.MaxTokens <= 0 {
			errs = append(errs, "generator.max_tokens must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("generator.provider %q is not one of anthropic, disabled", c.Generator.Provider))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads INTAKE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INTAKE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("INTAKE_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("INTAKE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("INTAKE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("INTAKE_REPLACE_POLICY"); v != "" {
		cfg.Session.ReplacePolicy = v
	}
	if v := os.Getenv("INTAKE_TRANSITION_POLICY"); v != "" {
		cfg.Workflow.TransitionPolicy = v
	}
	if v := os.Getenv("INTAKE_GENERATOR_PROVIDER"); v != "" {
		cfg.Generator.Provider = v
	}
	if v := os.Getenv("INTAKE_GENERATOR_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("INTAKE_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("INTAKE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

// DSN returns the value of the environment variable named by dsn_env.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// APIKey returns the value of the environment variable named by api_key_env.
func (g GeneratorConfig) APIKey() string {
	if g.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(g.APIKeyEnv)
}

// Addr returns the value of the environment variable named by addr_env.
func (s IdempotencyStoreConfig) Addr() string {
	if s.AddrEnv == "" {
		return ""
	}
	return os.Getenv(s.AddrEnv)
}
