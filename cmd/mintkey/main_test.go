package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintkey/mintkey/internal/config"
	"github.com/mintkey/mintkey/testutil"
)

func TestStarterConfigParses(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "mintkey.yaml", starterConfig)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Keyspace.MinLength)
	assert.Equal(t, 12, cfg.Keyspace.MaxLength)
	assert.Equal(t, "i", cfg.Upload.KeyPrefix)
	assert.Contains(t, cfg.Batch.Extensions, ".jpg")
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfgFile = ""
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}
