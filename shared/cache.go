package shared

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL             = 10 * time.Minute
	defaultCacheCleanupInterval = 2 * time.Minute
	defaultCacheMaxSize         = 1000
)

// CacheLoader loads a value on cache miss.
type CacheLoader interface {
	Load(ctx context.Context, key string) (interface{}, error)
}

// MemoryCacheConfig configures a MemoryCache.
type MemoryCacheConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	MaxSize         int
	Loader          CacheLoader
	Clock           clockwork.Clock
	Logger          *Logger
}

// MemoryCache is a TTL cache with LRU eviction and load-through misses.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	loader    CacheLoader
	ttl       time.Duration
	interval  time.Duration
	maxSize   int
	clock     clockwork.Clock
	logger    *Logger
	stopChan  chan struct{}
	isRunning bool
}

type cacheEntry struct {
	data       interface{}
	expiresAt  time.Time
	lastUsedAt time.Time
	hitCount   int64
	isLoading  bool
}

// NewMemoryCache creates a cache from config, filling in defaults.
func NewMemoryCache(config *MemoryCacheConfig) *MemoryCache {
	if config == nil {
		config = &MemoryCacheConfig{}
	}
	if config.TTL == 0 {
		config.TTL = defaultCacheTTL
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaultCacheCleanupInterval
	}
	if config.MaxSize == 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &MemoryCache{
		entries:  make(map[string]*cacheEntry),
		loader:   config.Loader,
		ttl:      config.TTL,
		interval: config.CleanupInterval,
		maxSize:  config.MaxSize,
		clock:    config.Clock,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background cleanup routine.
func (mc *MemoryCache) Start(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.isRunning {
		return fmt.Errorf("memory cache is already running")
	}
	mc.isRunning = true

	go mc.cleanupRoutine(ctx)
	return nil
}

// Get returns the cached value for key, loading it on a miss.
func (mc *MemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	mc.mu.Lock()
	if entry, exists := mc.entries[key]; exists && !mc.isExpired(entry) && !entry.isLoading {
		entry.hitCount++
		entry.lastUsedAt = mc.clock.Now()
		data := entry.data
		mc.mu.Unlock()
		return data, nil
	}
	mc.mu.Unlock()

	return mc.loadAndStore(ctx, key)
}

// Put stores a value with the configured TTL.
func (mc *MemoryCache) Put(key string, data interface{}) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.store(key, data)
}

// Delete removes a key from the cache.
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, key)
}

// Clear removes all entries.
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries = make(map[string]*cacheEntry)
}

// Contains reports whether key is cached and fresh.
func (mc *MemoryCache) Contains(key string) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	entry, exists := mc.entries[key]
	return exists && !mc.isExpired(entry) && !entry.isLoading
}

// Size returns the number of cached entries.
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.entries)
}

// Shutdown stops the cleanup routine and drops all entries.
func (mc *MemoryCache) Shutdown(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.isRunning {
		return nil
	}
	close(mc.stopChan)
	mc.entries = make(map[string]*cacheEntry)
	mc.isRunning = false
	return nil
}

func (mc *MemoryCache) loadAndStore(ctx context.Context, key string) (interface{}, error) {
	if mc.loader == nil {
		return nil, fmt.Errorf("no loader configured for cache")
	}

	mc.mu.Lock()
	if entry, exists := mc.entries[key]; exists && entry.isLoading {
		mc.mu.Unlock()
		// Another goroutine is loading this key; back off briefly.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-mc.clock.After(10 * time.Millisecond):
		}
		return mc.Get(ctx, key)
	}
	mc.entries[key] = &cacheEntry{
		expiresAt: mc.clock.Now().Add(mc.ttl),
		isLoading: true,
	}
	mc.mu.Unlock()

	data, err := mc.loader.Load(ctx, key)

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err != nil {
		delete(mc.entries, key)
		if mc.logger != nil {
			mc.logger.Warn("cache load failed", zap.String("key", key), zap.Error(err))
		}
		return nil, fmt.Errorf("failed to load data for key %s: %v", key, err)
	}

	mc.store(key, data)
	return data, nil
}

// store requires mc.mu to be held.
func (mc *MemoryCache) store(key string, data interface{}) {
	if len(mc.entries) >= mc.maxSize {
		mc.evictLRUEntry()
	}
	now := mc.clock.Now()
	mc.entries[key] = &cacheEntry{
		data:       data,
		expiresAt:  now.Add(mc.ttl),
		lastUsedAt: now,
		hitCount:   1,
	}
}

func (mc *MemoryCache) isExpired(entry *cacheEntry) bool {
	return mc.clock.Now().After(entry.expiresAt)
}

func (mc *MemoryCache) evictLRUEntry() {
	var lruKey string
	var lruTime time.Time
	first := true
	for key, entry := range mc.entries {
		if entry.isLoading {
			continue
		}
		if first || entry.lastUsedAt.Before(lruTime) {
			lruKey = key
			lruTime = entry.lastUsedAt
			first = false
		}
	}
	if lruKey != "" {
		delete(mc.entries, lruKey)
	}
}

func (mc *MemoryCache) cleanupRoutine(ctx context.Context) {
	ticker := mc.clock.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			mc.performCleanup()
		case <-mc.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (mc *MemoryCache) performCleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for key, entry := range mc.entries {
		if mc.isExpired(entry) && !entry.isLoading {
			delete(mc.entries, key)
		}
	}
}
