package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the full daemon configuration
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig represents the operational HTTP surface settings
type APIConfig struct {
	Address             string `yaml:"address" envconfig:"API_ADDRESS"`
	StatsPushIntervalMs int    `yaml:"stats_push_interval_ms" envconfig:"STATS_PUSH_INTERVAL_MS"`
}

// DatabaseConfig represents database and pool settings
type DatabaseConfig struct {
	Path             string `yaml:"path" envconfig:"DB_PATH"`
	MaxConnections   int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	MinConnections   int    `yaml:"min_connections" envconfig:"DB_MIN_CONNECTIONS"`
	AcquireTimeoutMs int    `yaml:"acquire_timeout_ms" envconfig:"DB_ACQUIRE_TIMEOUT_MS"`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms" envconfig:"DB_IDLE_TIMEOUT_MS"`
	ReapIntervalMs   int    `yaml:"reap_interval_ms" envconfig:"DB_REAP_INTERVAL_MS"`
	BusyTimeoutMs    int    `yaml:"busy_timeout_ms" envconfig:"DB_BUSY_TIMEOUT_MS"`
	CacheSizeKB      int    `yaml:"cache_size_kb" envconfig:"DB_CACHE_SIZE_KB"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// AcquireTimeout returns the acquire timeout as a duration
func (d DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(d.AcquireTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration
func (d DatabaseConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutMs) * time.Millisecond
}

// ReapInterval returns the idle reaper interval as a duration
func (d DatabaseConfig) ReapInterval() time.Duration {
	return time.Duration(d.ReapIntervalMs) * time.Millisecond
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Address:             ":8090",
			StatsPushIntervalMs: 2000,
		},
		Database: DatabaseConfig{
			Path:             "./data.db",
			MaxConnections:   10,
			MinConnections:   2,
			AcquireTimeoutMs: 30000,
			IdleTimeoutMs:    300000,
			ReapIntervalMs:   60000,
			BusyTimeoutMs:    5000,
			CacheSizeKB:      64000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		if err := loadFromFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables
	if err := envconfig.Process("dbpool", config); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.Address == "" {
		return fmt.Errorf("api address cannot be empty")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	if c.Database.MinConnections < 0 {
		return fmt.Errorf("database min connections cannot be negative")
	}

	if c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("database min connections (%d) cannot exceed max connections (%d)",
			c.Database.MinConnections, c.Database.MaxConnections)
	}

	if c.Database.AcquireTimeoutMs < 1 {
		return fmt.Errorf("database acquire timeout must be positive")
	}

	if c.Database.IdleTimeoutMs < 1 {
		return fmt.Errorf("database idle timeout must be positive")
	}

	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	valid := []string{"debug", "info", "warn", "error"}
	level = strings.ToLower(level)
	for _, v := range valid {
		if level == v {
			return true
		}
	}
	return false
}

// String returns a string representation of the configuration (for logging)
func (c *Config) String() string {
	return fmt.Sprintf("Config{API: %s, DB: %s, Pool: %d-%d, LogLevel: %s}",
		c.API.Address, c.Database.Path, c.Database.MinConnections, c.Database.MaxConnections, c.Logging.Level)
}
