package download

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/pkg/safego"
)

// cacheEntry is one Image Cache record: the resolved base64 payload
// keyed by source URL, with its insertion time for TTL eviction and its
// position in the LRU list for size eviction (spec.md §3/§8's
// memory_management bounds).
type cacheEntry struct {
	url       string
	b64       string
	sizeBytes int
	createdAt time.Time
	elem      *list.Element
}

// Cache implements the Image Cache named by spec.md §4.9: TTL eviction
// plus an LRU size bound, and a separate SHA-keyed duplicate-upload
// short-circuit so re-uploading byte-identical content to the File Bed
// is skipped (grounded on the teacher's ToolResultCache hash-keyed
// dedup shape).
type Cache struct {
	mu           sync.Mutex
	byURL        map[string]*cacheEntry
	order        *list.List // front = most recently used
	totalBytes   int
	maxBytes     int
	ttl          time.Duration
	uploadsBySHA map[string]string // sha256 of raw bytes -> already-uploaded URL/ref
}

// NewCache sizes itself from cfg's memory_management block.
func NewCache(cfg config.MemoryConfig) *Cache {
	maxBytes := cfg.ImageCacheMaxSizeMB * 1 << 20
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	ttl := time.Duration(cfg.ImageCacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		byURL:        make(map[string]*cacheEntry),
		order:        list.New(),
		maxBytes:     maxBytes,
		ttl:          ttl,
		uploadsBySHA: make(map[string]string),
	}
}

// Get returns the cached base64 payload for url if present and
// unexpired, bumping its LRU recency.
func (c *Cache) Get(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byURL[url]
	if !ok {
		return "", false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.evictLocked(entry)
		return "", false
	}
	c.order.MoveToFront(entry.elem)
	return entry.b64, true
}

// Put stores url's resolved base64 payload, evicting least-recently-used
// entries until the cache fits within maxBytes.
func (c *Cache) Put(url, b64 string, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byURL[url]; ok {
		c.evictLocked(existing)
	}

	entry := &cacheEntry{
		url:       url,
		b64:       b64,
		sizeBytes: len(raw),
		createdAt: time.Now(),
	}
	entry.elem = c.order.PushFront(entry)
	c.byURL[url] = entry
	c.totalBytes += entry.sizeBytes

	for c.totalBytes > c.maxBytes && c.order.Len() > 0 {
		oldest := c.order.Back()
		c.evictLocked(oldest.Value.(*cacheEntry))
	}
}

func (c *Cache) evictLocked(entry *cacheEntry) {
	delete(c.byURL, entry.url)
	c.order.Remove(entry.elem)
	c.totalBytes -= entry.sizeBytes
}

// SweepExpired drops every entry older than the cache's TTL; run
// periodically by StartSweeper.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.order.Back(); e != nil; {
		entry := e.Value.(*cacheEntry)
		prev := e.Prev()
		if time.Since(entry.createdAt) > c.ttl {
			c.evictLocked(entry)
			removed++
		}
		e = prev
	}
	return removed
}

// AlreadyUploaded reports whether raw's content has already been
// uploaded to the File Bed, returning the prior reference if so
// (spec.md §4.9's "duplicate-upload short-circuit cache").
func (c *Cache) AlreadyUploaded(raw []byte) (string, bool) {
	sum := shaOf(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.uploadsBySHA[sum]
	return ref, ok
}

// RecordUpload remembers that raw's content was uploaded as ref, so a
// later identical upload short-circuits via AlreadyUploaded.
func (c *Cache) RecordUpload(raw []byte, ref string) {
	sum := shaOf(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadsBySHA[sum] = ref
}

func shaOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// StartSweeper runs SweepExpired on a fixed period until ctx is
// cancelled (spec.md §9's memory-management sweep).
func (c *Cache) StartSweeper(ctx context.Context, logger *zap.Logger, period time.Duration) {
	safego.Every(ctx, logger, "image-cache-sweep", period, func(ctx context.Context) {
		if n := c.SweepExpired(); n > 0 {
			logger.Debug("image cache sweep evicted expired entries", zap.Int("count", n))
		}
	})
}
