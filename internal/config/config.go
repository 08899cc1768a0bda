// Package config provides environment-aware configuration management for the
// deferred deletion engine and its surrounding process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP surface exposing health and metrics endpoints.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// DatabaseConfig describes how to reach the Postgres-backed deferred storage.
//
// DSN, when set, is used verbatim. Otherwise ConnectionString assembles a DSN
// from the discrete fields, following the lib/pq keyword/value format.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn"`
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	User            string `json:"user" yaml:"user"`
	Password        string `json:"password" yaml:"password"`
	Name            string `json:"name" yaml:"name"`
	SSLMode         string `json:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ConnectionString builds a lib/pq keyword/value DSN from the discrete fields.
// It ignores DSN; callers that want to honor an explicit DSN should check
// DatabaseConfig.DSN first.
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// LoggingConfig mirrors pkg/logger.LoggingConfig so configuration files can
// drive the process logger directly.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix"`
}

// SecurityConfig holds secrets unrelated to authentication.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" yaml:"secret_encryption_key"`
}

// AuthUser is a statically configured operator credential, used by the
// diagnostics endpoints (report/metrics) when exposed outside a trusted network.
type AuthUser struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Role     string `json:"role" yaml:"role"`
}

// AuthConfig configures access to the process's own HTTP surface.
type AuthConfig struct {
	Tokens    []string   `json:"tokens" yaml:"tokens"`
	JWTSecret string     `json:"jwt_secret" yaml:"jwt_secret"`
	Users     []AuthUser `json:"users" yaml:"users"`
}

// DeferredConfig holds the deferred deletion engine's tunable constants.
type DeferredConfig struct {
	CheckInterval                time.Duration `json:"check_interval" yaml:"check_interval"`
	FatalErrorIntervalMultiplier int           `json:"fatal_error_interval_multiplier" yaml:"fatal_error_interval_multiplier"`
	OperationDelayThreshold      time.Duration `json:"operation_delay_threshold" yaml:"operation_delay_threshold"`
	MaxDelayRate                 float64       `json:"max_delay_rate" yaml:"max_delay_rate"`
	MaxRetryableErrorRetries     int           `json:"max_retryable_error_retries" yaml:"max_retryable_error_retries"`
	MaxFatalErrorRetries         int           `json:"max_fatal_error_retries" yaml:"max_fatal_error_retries"`
	MaxDeletionsAtOnce           int           `json:"max_deletions_at_once" yaml:"max_deletions_at_once"`
	RetriesToRetry               int           `json:"retries_to_retry" yaml:"retries_to_retry"`
}

// Config holds all process configuration.
type Config struct {
	Server   ServerConfig    `json:"server" yaml:"server"`
	Database DatabaseConfig  `json:"database" yaml:"database"`
	Logging  LoggingConfig   `json:"logging" yaml:"logging"`
	Security SecurityConfig  `json:"security" yaml:"security"`
	Auth     AuthConfig      `json:"auth" yaml:"auth"`
	Deferred DeferredConfig  `json:"deferred" yaml:"deferred"`

	MetricsPort int `json:"metrics_port" yaml:"metrics_port"`
}

// New returns a Config populated with production-sane defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "service-layer",
		},
		Deferred: DeferredConfig{
			CheckInterval:                7 * time.Second,
			FatalErrorIntervalMultiplier: 4,
			OperationDelayThreshold:      2 * time.Second,
			MaxDelayRate:                 10.0,
			MaxRetryableErrorRetries:     14,
			MaxFatalErrorRetries:         4,
			MaxDeletionsAtOnce:           10,
			RetriesToRetry:               3,
		},
		MetricsPort: 9090,
	}
}

// LoadConfig loads a Config from a JSON file, starting from defaults and
// overlaying whatever the file specifies. DATABASE_URL, when set, always wins
// over the file's database.dsn.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile loads a Config from a YAML file, starting from defaults. A missing
// file is not an error: defaults (plus any DATABASE_URL override) are
// returned instead, so a deployment can run with env vars alone.
func LoadFile(path string) (*Config, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDatabaseURLOverride(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// Load builds a Config from, in increasing priority: built-in defaults, the
// file named by CONFIG_FILE (YAML), then individual environment variable
// overrides. A missing CONFIG_FILE is ignored.
func Load() (*Config, error) {
	var (
		cfg *Config
		err error
	)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg, err = LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = New()
		applyDatabaseURLOverride(cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDatabaseURLOverride(cfg *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = port
		}
	}
	applyDatabaseURLOverride(cfg)
}

// Validate rejects configuration that would be unsafe or nonsensical to run.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.Deferred.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.Deferred.MaxDelayRate < 1.0 {
		return fmt.Errorf("max delay rate must be >= 1.0")
	}
	if c.Deferred.MaxDeletionsAtOnce < 1 {
		return fmt.Errorf("max deletions at once must be >= 1")
	}
	if c.Deferred.MaxRetryableErrorRetries < 1 {
		return fmt.Errorf("max retryable error retries must be >= 1")
	}
	if c.Deferred.MaxFatalErrorRetries < 1 {
		return fmt.Errorf("max fatal error retries must be >= 1")
	}
	if c.Deferred.RetriesToRetry < 1 {
		return fmt.Errorf("retries to retry must be >= 1")
	}
	return nil
}
