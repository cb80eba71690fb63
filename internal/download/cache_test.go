package download

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lmarena-bridge/bridge/internal/config"
)

func TestCacheGetMissThenHit(t *testing.T) {
	c := NewCache(config.MemoryConfig{ImageCacheMaxSizeMB: 1, ImageCacheTTLSeconds: 60})

	_, ok := c.Get("https://example.com/a.png")
	require.False(t, ok)

	c.Put("https://example.com/a.png", "YWJj", []byte("abc"))
	b64, ok := c.Get("https://example.com/a.png")
	require.True(t, ok)
	require.Equal(t, "YWJj", b64)
}

func TestCacheExpiresByTTL(t *testing.T) {
	c := NewCache(config.MemoryConfig{ImageCacheMaxSizeMB: 1, ImageCacheTTLSeconds: 60})
	c.Put("u", "b", []byte("b"))
	c.byURL["u"].createdAt = time.Now().Add(-time.Hour)

	_, ok := c.Get("u")
	require.False(t, ok)
}

func TestCacheEvictsLRUWhenOverCapacity(t *testing.T) {
	c := NewCache(config.MemoryConfig{ImageCacheMaxSizeMB: 0, ImageCacheTTLSeconds: 60})
	c.maxBytes = 10

	c.Put("a", "YQ==", []byte("aaaaaa"))
	c.Put("b", "Yg==", []byte("bbbbbb"))

	_, aPresent := c.Get("a")
	_, bPresent := c.Get("b")
	require.False(t, aPresent, "oldest entry should be evicted once capacity is exceeded")
	require.True(t, bPresent)
}

func TestSweepExpiredRemovesOnlyStaleEntries(t *testing.T) {
	c := NewCache(config.MemoryConfig{ImageCacheMaxSizeMB: 1, ImageCacheTTLSeconds: 60})
	c.Put("fresh", "Zg==", []byte("f"))
	c.Put("stale", "cw==", []byte("s"))
	c.byURL["stale"].createdAt = time.Now().Add(-time.Hour)

	removed := c.SweepExpired()
	require.Equal(t, 1, removed)

	_, freshOK := c.Get("fresh")
	require.True(t, freshOK)
}

func TestDuplicateUploadShortCircuit(t *testing.T) {
	c := NewCache(config.MemoryConfig{ImageCacheMaxSizeMB: 1, ImageCacheTTLSeconds: 60})
	raw := []byte("same bytes")

	_, ok := c.AlreadyUploaded(raw)
	require.False(t, ok)

	c.RecordUpload(raw, "https://filebed.example.com/x")
	ref, ok := c.AlreadyUploaded(raw)
	require.True(t, ok)
	require.Equal(t, "https://filebed.example.com/x", ref)
}
