// Package cache keeps downloaded HiPS payloads in memory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB    int
	TileTTL            time.Duration
	PropertiesCacheLen int
}

// DefaultConfig mirrors the defaults of the YAML configuration.
func DefaultConfig() Config {
	return Config{TileCacheSizeMB: 256, TileTTL: 10 * time.Minute, PropertiesCacheLen: 64}
}

// Manager holds raw tile bytes keyed by URL and parsed survey properties.
type Manager struct {
	tileCache  *bigcache.BigCache
	propsCache *lru.Cache[string, map[string]string]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.PropertiesCacheLen <= 0 {
		cfg.PropertiesCacheLen = 64
	}
	// FITS tiles reach 1MB; few shards keep each shard larger than a tile.
	tileCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	propsCache, err := lru.New[string, map[string]string](cfg.PropertiesCacheLen)
	if err != nil {
		return nil, fmt.Errorf("failed to create properties cache: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		propsCache: propsCache,
	}, nil
}

// GetTile retrieves a payload from cache.
func (m *Manager) GetTile(url string) ([]byte, bool) {
	data, err := m.tileCache.Get(TileKey(url))
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a payload in cache.
func (m *Manager) SetTile(url string, data []byte) error {
	return m.tileCache.Set(TileKey(url), data)
}

// GetProperties retrieves the properties of the survey at root.
func (m *Manager) GetProperties(root string) (map[string]string, bool) {
	return m.propsCache.Get(root)
}

// SetProperties stores survey properties.
func (m *Manager) SetProperties(root string, props map[string]string) {
	m.propsCache.Add(root, props)
}

// TileKey shortens long URLs to a stable key.
func TileKey(url string) string {
	if len(url) <= 128 {
		return "tile:" + url
	}
	h := sha256.Sum256([]byte(url))
	return "tile:" + hex.EncodeToString(h[:])
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	st := m.tileCache.Stats()
	return map[string]interface{}{
		"tile_cache_len":  m.tileCache.Len(),
		"tile_cache_cap":  m.tileCache.Capacity(),
		"tile_cache_hits": st.Hits,
		"tile_cache_miss": st.Misses,
		"properties_len":  m.propsCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
