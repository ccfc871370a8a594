package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintkey/mintkey/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
store:
  path: "/var/lib/mintkey/mintkey.db"
  pool_size: 20
keyspace:
  min_length: 5
  max_length: 10
  escalate_at: 0.9
server:
  listen: ":9090"
  auth_token: "test-token-123"
upload:
  endpoint: "https://account.r2.cloudflarestorage.com"
  bucket: "images"
  access_key_id: "AKID"
  secret_access_key: "SECRET"
  public_base_url: "https://cdn.example.com"
`
	configPath := testutil.TempFile(t, dir, "mintkey.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mintkey/mintkey.db", cfg.Store.Path)
	assert.Equal(t, 20, cfg.Store.PoolSize)
	assert.Equal(t, 5, cfg.Keyspace.MinLength)
	assert.Equal(t, 10, cfg.Keyspace.MaxLength)
	assert.Equal(t, 0.9, cfg.Keyspace.EscalateAt)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "test-token-123", cfg.Server.AuthToken)
	assert.Equal(t, "images", cfg.Upload.Bucket)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateServer())
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "mintkey.yaml", "{}\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Store.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Store.BusyTimeoutDuration())
	assert.Equal(t, 4, cfg.Keyspace.MinLength)
	assert.Equal(t, 12, cfg.Keyspace.MaxLength)
	assert.Equal(t, 0.85, cfg.Keyspace.EscalateAt)
	assert.Equal(t, 100, cfg.Allocator.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Allocator.RetryBackoffDuration())
	assert.Equal(t, 5*time.Minute, cfg.Reserved.RefreshIntervalDuration())
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "i", cfg.Upload.KeyPrefix)
	assert.Equal(t, "auto", cfg.Upload.Region)
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.NotEmpty(t, cfg.Store.Path)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/mintkey.yaml")
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max below min", func(c *Config) { c.Keyspace.MaxLength = 2 }},
		{"escalate_at above 1", func(c *Config) { c.Keyspace.EscalateAt = 1.5 }},
		{"bad busy_timeout", func(c *Config) { c.Store.BusyTimeout = "soon" }},
		{"bad retry_backoff", func(c *Config) { c.Allocator.RetryBackoff = "quick" }},
		{"endpoint without bucket", func(c *Config) { c.Upload.Endpoint = "https://r2.example.com" }},
		{"negative workers", func(c *Config) { c.Batch.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateServer_RequiresAuthToken(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Error(t, cfg.ValidateServer())

	cfg.Server.AuthToken = "secret"
	assert.NoError(t, cfg.ValidateServer())
}
