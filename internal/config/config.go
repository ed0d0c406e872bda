// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a reverse proxy that overwrites those headers.
	TrustProxy     bool          `yaml:"trusted_proxy"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"` // stdout, stderr or a file path

	// Storage
	RootDirectory    string `yaml:"root_directory"`
	MaxSearchResults int    `yaml:"max_search_results"`

	// Auth
	AccessPassword     string        `yaml:"access_password"`
	AccessPasswordHash string        `yaml:"access_password_hash"`
	JWTSecret          string        `yaml:"jwt_secret_key"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	StreamTokenTTL     time.Duration `yaml:"stream_token_ttl"`

	// CORS
	FrontendURL string `yaml:"frontend_url"`

	// Rate limiting
	LoginAttempts    int           `yaml:"login_attempts"`
	LoginWindow      time.Duration `yaml:"login_window"`
	RateLimitCleanup time.Duration `yaml:"rate_limit_cleanup"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"` // 0 = no global throttle
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:             "0.0.0.0",
		Port:             8000,
		MetricsAddr:      ":9090",
		RequestTimeout:   30 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		RootDirectory:    "./files",
		MaxSearchResults: 1000,
		TokenTTL:         24 * time.Hour,
		StreamTokenTTL:   10 * time.Minute,
		FrontendURL:      "http://localhost:3000",
		LoginAttempts:    5,
		LoginWindow:      time.Minute,
		RateLimitCleanup: time.Minute,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment variables. The root
// directory is made absolute and created if missing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.RootDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolve root directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}
	cfg.RootDirectory = root

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Host = envOr("HOST", c.Host)
	c.Port = envInt("PORT", c.Port)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.TLSCertFile = envOr("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = envOr("TLS_KEY_FILE", c.TLSKeyFile)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.LogOutput = envOr("LOG_OUTPUT", c.LogOutput)
	c.TrustProxy = envBool("TRUSTED_PROXY", c.TrustProxy)
	c.RootDirectory = envOr("ROOT_DIRECTORY", c.RootDirectory)
	c.MaxSearchResults = envInt("MAX_SEARCH_RESULTS", c.MaxSearchResults)
	c.AccessPassword = envOr("ACCESS_PASSWORD", c.AccessPassword)
	c.AccessPasswordHash = envOr("ACCESS_PASSWORD_HASH", c.AccessPasswordHash)
	c.JWTSecret = envOr("JWT_SECRET_KEY", c.JWTSecret)
	c.TokenTTL = envHours("JWT_EXPIRATION_HOURS", c.TokenTTL)
	c.StreamTokenTTL = envDuration("STREAM_TOKEN_TTL", c.StreamTokenTTL)
	c.FrontendURL = envOr("FRONTEND_URL", c.FrontendURL)
	c.LoginAttempts = envInt("LOGIN_ATTEMPTS", c.LoginAttempts)
	c.LoginWindow = envDuration("LOGIN_WINDOW", c.LoginWindow)
	c.RateLimitCleanup = envDuration("RATE_LIMIT_CLEANUP", c.RateLimitCleanup)
	c.RateLimitRPS = envFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
}

// Validate checks the values that have no usable fallback.
func (c *Config) Validate() error {
	if c.AccessPassword == "" && c.AccessPasswordHash == "" {
		return errors.New("ACCESS_PASSWORD or ACCESS_PASSWORD_HASH is required")
	}
	if c.RootDirectory == "" {
		return errors.New("ROOT_DIRECTORY is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.TokenTTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	if c.StreamTokenTTL <= 0 {
		return errors.New("stream token TTL must be positive")
	}
	if c.LoginAttempts < 1 || c.LoginWindow <= 0 {
		return errors.New("login rate limit must allow at least one attempt per positive window")
	}
	if c.RateLimitCleanup <= 0 {
		return errors.New("RATE_LIMIT_CLEANUP must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// ListenAddr returns host:port for the API listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UseTLS reports whether both TLS files are configured.
func (c *Config) UseTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envHours reads a whole number of hours, the unit JWT_EXPIRATION_HOURS uses.
func envHours(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	h, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(h) * time.Hour
}
