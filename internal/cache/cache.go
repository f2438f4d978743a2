// Package cache provides caching for query results and open sample stores.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tissuequant/server/internal/cellstore"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	StoreCacheSize    int
}

// Manager caches serialized query results and keeps a bounded set of
// per-sample stores open. Result keys embed a fingerprint of the store's
// mutable state (thresholds, build time), so a threshold commit or a
// rebuild changes every key instead of requiring invalidation.
type Manager struct {
	results *bigcache.BigCache
	stores  *lru.Cache[string, *storeHandle]
}

// storeHandle refcounts one open store so eviction never closes it under a
// caller still holding it; the close runs when the last holder releases.
type storeHandle struct {
	store *cellstore.Store

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (h *storeHandle) acquire() *cellstore.Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs++
	return h.store
}

func (h *storeHandle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.evicted && h.refs == 0 {
		h.store.Close()
	}
}

func (h *storeHandle) evict() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = true
	if h.refs == 0 {
		h.store.Close()
	}
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	resultConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	results, err := bigcache.New(context.Background(), resultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	stores, err := lru.NewWithEvict[string, *storeHandle](cfg.StoreCacheSize,
		func(_ string, h *storeHandle) { h.evict() })
	if err != nil {
		results.Close()
		return nil, fmt.Errorf("failed to create store cache: %w", err)
	}

	return &Manager{results: results, stores: stores}, nil
}

// Store returns an open store for the sample directory, opening and caching
// it on first use, plus a release callback the caller must invoke once done
// with the handle. The store stays open until released even if evicted or
// purged meanwhile. A cached handle whose backing file was rebuilt since it
// was opened is discarded and reopened.
func (m *Manager) Store(ctx context.Context, dir cellstore.SampleDir, retry cellstore.RetryConfig) (*cellstore.Store, func(), error) {
	if h, ok := m.stores.Get(dir.Path); ok {
		if !h.store.Stale() {
			return h.acquire(), h.release, nil
		}
		m.stores.Remove(dir.Path)
	}
	s, err := cellstore.Open(ctx, dir, retry)
	if err != nil {
		return nil, nil, err
	}
	h := &storeHandle{store: s}
	// Acquire before Add so an immediate eviction of the new entry cannot
	// close the store under the caller.
	store := h.acquire()
	m.stores.Add(dir.Path, h)
	return store, h.release, nil
}

// Evict drops the cached store handle for a sample, if any. The underlying
// store closes once the last holder releases it.
func (m *Manager) Evict(dir cellstore.SampleDir) {
	m.stores.Remove(dir.Path)
}

// GetResult retrieves a serialized result from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.results.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores a serialized result in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.results.Set(key, data)
}

// ResultKey generates a cache key for one operation against one sample.
// fingerprint should capture every mutable input the result depends on
// (see cellstore.Store fingerprinting); params are the call's own arguments.
func ResultKey(sample, kind, fingerprint string, params ...any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", sample, kind, fingerprint)
	for _, p := range params {
		fmt.Fprintf(h, "|%v", p)
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.results.Len(),
		"result_cache_cap": m.results.Capacity(),
		"store_cache_len":  m.stores.Len(),
	}
}

// Close closes all cached stores and the result cache.
func (m *Manager) Close() error {
	m.stores.Purge()
	return m.results.Close()
}
