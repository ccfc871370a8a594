package upload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintkey/mintkey/internal/config"
)

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "i/aB3x.jpg", StorageKey("i", "aB3x", ".jpg"))
	assert.Equal(t, "i/aB3x.jpg", StorageKey("i", "aB3x", "jpg"))
	assert.Equal(t, "aB3x.png", StorageKey("", "aB3x", ".png"))
	assert.Equal(t, "img/2024/aB3x", StorageKey("/img/2024/", "aB3x", ""))
}

func TestNew_DerivesKeysAndURLs(t *testing.T) {
	c, err := New(context.Background(), config.UploadConfig{
		Endpoint:        "https://account.r2.cloudflarestorage.com",
		Region:          "auto",
		Bucket:          "images",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		KeyPrefix:       "i",
		PublicBaseURL:   "https://cdn.example.com/",
	})
	require.NoError(t, err)

	key := c.StorageKey("aB3x", ".jpg")
	assert.Equal(t, "i/aB3x.jpg", key)
	assert.Equal(t, "https://cdn.example.com/i/aB3x.jpg", c.PublicURL(key))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.UploadConfig{Region: "auto"})
	require.Error(t, err)
}

func TestPublicURL_EmptyWithoutBase(t *testing.T) {
	c, err := New(context.Background(), config.UploadConfig{
		Region: "auto",
		Bucket: "images",
	})
	require.NoError(t, err)
	assert.Empty(t, c.PublicURL("i/aB3x.jpg"))
}
