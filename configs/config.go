package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"saltypie/pkg/salt"
)

// Config is the process-level configuration of the saltypie command.
type Config struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Eauth          string        `yaml:"eauth"`
	TrustHost      bool          `yaml:"trust_host"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	LookupInterval time.Duration `yaml:"lookup_interval"`

	LogLevel        string `yaml:"log_level"`
	LogEncoding     string `yaml:"log_encoding"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

func LoadConfig() *Config {
	return &Config{
		URL:             getEnv("SALT_API_URL", "https://localhost:8000"),
		Username:        getEnv("SALT_API_USERNAME", ""),
		Password:        getEnv("SALT_API_PASSWORD", ""),
		Eauth:           getEnv("SALT_API_EAUTH", salt.DefaultEauth),
		TrustHost:       getEnvAsBool("SALT_API_TRUST_HOST", false),
		Timeout:         getEnvAsDuration("SALT_API_TIMEOUT", salt.DefaultTimeout),
		MaxRetries:      getEnvAsInt("SALT_API_MAX_RETRIES", salt.DefaultMaxRetries),
		LookupInterval:  getEnvAsDuration("SALT_API_LOOKUP_INTERVAL", salt.DefaultLookupInterval),
		LogLevel:        getEnv("SALTYPIE_LOG_LEVEL", "info"),
		LogEncoding:     getEnv("SALTYPIE_LOG_ENCODING", "console"),
		TracingEnabled:  getEnvAsBool("SALTYPIE_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("SALTYPIE_TRACING_ENDPOINT", "localhost:4318"),
		MetricsAddr:     getEnv("SALTYPIE_METRICS_ADDR", ""),
	}
}

// LoadFile overlays the YAML document at path on top of the environment
// configuration. Keys absent from the file keep their environment value.
func LoadFile(path string) (*Config, error) {
	cfg := LoadConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaltConfig converts to the constructor-level client configuration.
func (c *Config) SaltConfig() salt.Config {
	return salt.Config{
		URL:            c.URL,
		Username:       c.Username,
		Password:       c.Password,
		Eauth:          c.Eauth,
		TrustHost:      c.TrustHost,
		Timeout:        c.Timeout,
		MaxRetries:     c.MaxRetries,
		LookupInterval: c.LookupInterval,
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
