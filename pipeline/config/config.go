package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the fleet telemetry pipeline configuration
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Data        DataConfig        `yaml:"data"`
	NIM         NIMConfig         `yaml:"nim"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	PostgreSQL  PostgreSQLConfig  `yaml:"postgresql"`
	API         APIConfig         `yaml:"api"`
}

// DataConfig controls where telemetry is read from and how much reaches a prompt
type DataConfig struct {
	Path            string `yaml:"path"`
	Backend         string `yaml:"backend"` // auto, accelerated or standard
	Spill           bool   `yaml:"spill"`
	MaxContextRows  int    `yaml:"max_context_rows"`
	MaxContextChars int    `yaml:"max_context_chars"`
	CacheDir        string `yaml:"cache_dir"`
}

// NIMConfig points at the OpenAI-compatible inference endpoint
type NIMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// ObjectStoreConfig configures s3:// telemetry sources
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PostgreSQLConfig contains the results database configuration
type PostgreSQLConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// APIConfig configures the HTTP query API
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Data: DataConfig{
			Backend:         "auto",
			Spill:           true,
			MaxContextRows:  1000,
			MaxContextChars: 12000,
		},
		NIM: NIMConfig{
			BaseURL:     "http://localhost:8000",
			Model:       "meta/llama3-8b-instruct",
			Timeout:     "120s",
			MaxTokens:   512,
			Temperature: 0.2,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "fleet_telemetry",
			User:         "postgres",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		API: APIConfig{
			Addr: ":8081",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, substituting environment
// references and filling defaults for missing fields. An empty path returns
// the defaults.
func LoadFromFile(path string, log logrus.FieldLogger) (*Config, error) {
	log = log.WithField("component", "config")

	if path == "" {
		log.Debug("No config path provided, using defaults")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	substituted, err := SubstituteEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.WithFields(logrus.Fields{
		"data_path":   cfg.Data.Path,
		"backend":     cfg.Data.Backend,
		"nim_url":     cfg.NIM.BaseURL,
		"nim_model":   cfg.NIM.Model,
		"pg_enabled":  cfg.PostgreSQL.Enabled,
		"api_address": cfg.API.Addr,
	}).Info("Loaded configuration")

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Data.Backend == "" {
		c.Data.Backend = d.Data.Backend
	}
	if c.Data.MaxContextRows == 0 {
		c.Data.MaxContextRows = d.Data.MaxContextRows
	}
	if c.Data.MaxContextChars == 0 {
		c.Data.MaxContextChars = d.Data.MaxContextChars
	}
	if c.NIM.BaseURL == "" {
		c.NIM.BaseURL = d.NIM.BaseURL
	}
	if c.NIM.Model == "" {
		c.NIM.Model = d.NIM.Model
	}
	if c.NIM.Timeout == "" {
		c.NIM.Timeout = d.NIM.Timeout
	}
	if c.NIM.MaxTokens == 0 {
		c.NIM.MaxTokens = d.NIM.MaxTokens
	}
	if c.PostgreSQL.Host == "" {
		c.PostgreSQL.Host = d.PostgreSQL.Host
	}
	if c.PostgreSQL.Port == 0 {
		c.PostgreSQL.Port = d.PostgreSQL.Port
	}
	if c.PostgreSQL.Database == "" {
		c.PostgreSQL.Database = d.PostgreSQL.Database
	}
	if c.PostgreSQL.User == "" {
		c.PostgreSQL.User = d.PostgreSQL.User
	}
	if c.PostgreSQL.SSLMode == "" {
		c.PostgreSQL.SSLMode = d.PostgreSQL.SSLMode
	}
	if c.PostgreSQL.MaxOpenConns == 0 {
		c.PostgreSQL.MaxOpenConns = d.PostgreSQL.MaxOpenConns
	}
	if c.PostgreSQL.MaxIdleConns == 0 {
		c.PostgreSQL.MaxIdleConns = d.PostgreSQL.MaxIdleConns
	}
	if c.API.Addr == "" {
		c.API.Addr = d.API.Addr
	}
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	switch strings.ToLower(c.Data.Backend) {
	case "auto", "accelerated", "standard":
	default:
		return fmt.Errorf("data.backend must be auto, accelerated or standard, got %q", c.Data.Backend)
	}

	if c.Data.MaxContextRows < 0 {
		return fmt.Errorf("data.max_context_rows must not be negative")
	}
	if c.Data.MaxContextChars < 0 {
		return fmt.Errorf("data.max_context_chars must not be negative")
	}

	if !strings.HasPrefix(c.NIM.BaseURL, "http://") && !strings.HasPrefix(c.NIM.BaseURL, "https://") {
		return fmt.Errorf("nim.base_url must be an http(s) URL")
	}
	if _, err := c.NIM.TimeoutDuration(); err != nil {
		return err
	}

	if c.PostgreSQL.Enabled {
		if err := c.PostgreSQL.Validate(); err != nil {
			return fmt.Errorf("invalid PostgreSQL configuration: %w", err)
		}
	}

	return nil
}

// TimeoutDuration parses the NIM request timeout
func (c NIMConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid nim.timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("nim.timeout must be positive")
	}
	return d, nil
}

// Validate validates the PostgreSQL configuration
func (c *PostgreSQLConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be greater than 0")
	}
	if c.MaxIdleConns <= 0 {
		return fmt.Errorf("max_idle_conns must be greater than 0")
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgreSQLConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
