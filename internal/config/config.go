// Package config handles configuration loading and validation for mintkey.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds configuration for the SQLite allocation store.
type StoreConfig struct {
	Path        string `yaml:"path"`         // Database file path (default: ~/.mintkey/mintkey.db)
	PoolSize    int    `yaml:"pool_size"`    // Max concurrent connections (default: 10)
	BusyTimeout string `yaml:"busy_timeout"` // Duration string, e.g. "5s"
}

// KeyspaceConfig holds the identifier length policy.
type KeyspaceConfig struct {
	MinLength  int     `yaml:"min_length"`  // Starting identifier length (default: 4)
	MaxLength  int     `yaml:"max_length"`  // Hard ceiling before allocation fails (default: 12)
	EscalateAt float64 `yaml:"escalate_at"` // Usage ratio that retires a length (default: 0.85)
}

// AllocatorConfig holds the allocator's retry budgets.
type AllocatorConfig struct {
	MaxAttempts      int    `yaml:"max_attempts"`       // Candidate budget per length (default: 100)
	MaxCommitRetries int    `yaml:"max_commit_retries"` // Collisions before escalating (default: 3)
	MaxEscalations   int    `yaml:"max_escalations"`    // Length escalations per allocation (default: 5)
	TransientRetries int    `yaml:"transient_retries"`  // Storage error retries (default: 3)
	RetryBackoff     string `yaml:"retry_backoff"`      // Duration string, e.g. "50ms"
}

// ReservedConfig holds configuration for the reserved-word filter.
type ReservedConfig struct {
	RefreshInterval string `yaml:"refresh_interval"` // Background reload interval, "0" disables (default: "5m")
}

// ServerConfig holds configuration for the HTTP API server.
type ServerConfig struct {
	Listen        string `yaml:"listen"`
	AuthToken     string `yaml:"auth_token"`
	PublicBaseURL string `yaml:"public_base_url"` // Base for redirect targets when records lack one
}

// UploadConfig holds configuration for the S3-compatible object store.
type UploadConfig struct {
	Endpoint        string `yaml:"endpoint"` // S3-compatible endpoint URL (R2, MinIO, AWS)
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	KeyPrefix       string `yaml:"key_prefix"`      // Object key prefix (default: "i")
	PublicBaseURL   string `yaml:"public_base_url"` // CDN or bucket URL objects are served from
}

// BatchConfig holds configuration for the batch upload pipeline.
type BatchConfig struct {
	Workers    int      `yaml:"workers"`    // Concurrent file workers (default: 4)
	Extensions []string `yaml:"extensions"` // Accepted extensions; empty accepts everything
}

// Config is the root mintkey configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Keyspace  KeyspaceConfig  `yaml:"keyspace"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Reserved  ReservedConfig  `yaml:"reserved"`
	Server    ServerConfig    `yaml:"server"`
	Upload    UploadConfig    `yaml:"upload"`
	Batch     BatchConfig     `yaml:"batch"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "~/.mintkey/mintkey.db"
	}
	c.Store.Path = expandHome(c.Store.Path)
	if c.Store.PoolSize == 0 {
		c.Store.PoolSize = 10
	}
	if c.Store.BusyTimeout == "" {
		c.Store.BusyTimeout = "5s"
	}
	if c.Keyspace.MinLength == 0 {
		c.Keyspace.MinLength = 4
	}
	if c.Keyspace.MaxLength == 0 {
		c.Keyspace.MaxLength = 12
	}
	if c.Keyspace.EscalateAt == 0 {
		c.Keyspace.EscalateAt = 0.85
	}
	if c.Allocator.MaxAttempts == 0 {
		c.Allocator.MaxAttempts = 100
	}
	if c.Allocator.MaxCommitRetries == 0 {
		c.Allocator.MaxCommitRetries = 3
	}
	if c.Allocator.MaxEscalations == 0 {
		c.Allocator.MaxEscalations = 5
	}
	if c.Allocator.TransientRetries == 0 {
		c.Allocator.TransientRetries = 3
	}
	if c.Allocator.RetryBackoff == "" {
		c.Allocator.RetryBackoff = "50ms"
	}
	if c.Reserved.RefreshInterval == "" {
		c.Reserved.RefreshInterval = "5m"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Upload.KeyPrefix == "" {
		c.Upload.KeyPrefix = "i"
	}
	if c.Upload.Region == "" {
		c.Upload.Region = "auto"
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = 4
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Keyspace.MinLength < 1 {
		return fmt.Errorf("keyspace min_length must be at least 1")
	}
	if c.Keyspace.MaxLength < c.Keyspace.MinLength {
		return fmt.Errorf("keyspace max_length must be >= min_length")
	}
	if c.Keyspace.EscalateAt <= 0 || c.Keyspace.EscalateAt > 1 {
		return fmt.Errorf("keyspace escalate_at must be in (0, 1]")
	}
	if c.Allocator.MaxAttempts < 1 {
		return fmt.Errorf("allocator max_attempts must be at least 1")
	}
	if _, err := time.ParseDuration(c.Store.BusyTimeout); err != nil {
		return fmt.Errorf("invalid store busy_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Allocator.RetryBackoff); err != nil {
		return fmt.Errorf("invalid allocator retry_backoff: %w", err)
	}
	if _, err := time.ParseDuration(c.Reserved.RefreshInterval); err != nil {
		return fmt.Errorf("invalid reserved refresh_interval: %w", err)
	}
	if c.Upload.Endpoint != "" {
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload bucket is required when endpoint is set")
		}
		if c.Upload.AccessKeyID == "" || c.Upload.SecretAccessKey == "" {
			return fmt.Errorf("upload credentials are required when endpoint is set")
		}
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch workers must be at least 1")
	}
	return nil
}

// ValidateServer additionally checks the fields the serve command needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address is required")
	}
	if c.Server.AuthToken == "" {
		return fmt.Errorf("server auth_token is required")
	}
	return nil
}

// BusyTimeoutDuration returns the parsed store busy timeout.
func (c *StoreConfig) BusyTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// RetryBackoffDuration returns the parsed allocator backoff.
func (c *AllocatorConfig) RetryBackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.RetryBackoff)
	if err != nil {
		return 50 * time.Millisecond
	}
	return d
}

// RefreshIntervalDuration returns the parsed reserved refresh interval.
func (c *ReservedConfig) RefreshIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
