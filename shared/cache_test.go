package shared

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type countingLoader struct {
	mu    sync.Mutex
	loads int
	fail  bool
}

func (l *countingLoader) Load(ctx context.Context, key string) (interface{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.fail {
		return nil, errors.New("load failure")
	}
	return "value:" + key, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func TestMemoryCacheLoadThrough(t *testing.T) {
	loader := &countingLoader{}
	cache := NewMemoryCache(&MemoryCacheConfig{Loader: loader})
	ctx := context.Background()

	got, err := cache.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get on cold cache failed: %v", err)
	}
	if got != "value:alpha" {
		t.Fatalf("Get = %v, want value:alpha", got)
	}
	if loader.count() != 1 {
		t.Fatalf("loader ran %d times, want 1", loader.count())
	}

	// Second read must come from the cache.
	if _, err := cache.Get(ctx, "alpha"); err != nil {
		t.Fatalf("Get on warm cache failed: %v", err)
	}
	if loader.count() != 1 {
		t.Errorf("loader ran %d times after warm read, want 1", loader.count())
	}
	if !cache.Contains("alpha") {
		t.Error("Contains = false for a fresh entry")
	}
	if cache.Size() != 1 {
		t.Errorf("Size = %d, want 1", cache.Size())
	}
}

func TestMemoryCacheLoaderFailure(t *testing.T) {
	loader := &countingLoader{fail: true}
	cache := NewMemoryCache(&MemoryCacheConfig{Loader: loader})

	if _, err := cache.Get(context.Background(), "broken"); err == nil {
		t.Fatal("Get succeeded despite loader failure")
	}
	// Failed loads must not leave a poisoned placeholder behind.
	if cache.Contains("broken") {
		t.Error("failed load left an entry in the cache")
	}
	if cache.Size() != 0 {
		t.Errorf("Size = %d after failed load, want 0", cache.Size())
	}
}

func TestMemoryCacheGetWithoutLoader(t *testing.T) {
	cache := NewMemoryCache(nil)
	if _, err := cache.Get(context.Background(), "anything"); err == nil {
		t.Error("Get on a loaderless cache miss should fail")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loader := &countingLoader{}
	cache := NewMemoryCache(&MemoryCacheConfig{
		TTL:    time.Minute,
		Loader: loader,
		Clock:  clock,
	})
	ctx := context.Background()

	if _, err := cache.Get(ctx, "alpha"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !cache.Contains("alpha") {
		t.Fatal("entry missing right after load")
	}

	clock.Advance(time.Minute + time.Second)

	if cache.Contains("alpha") {
		t.Error("Contains = true for an expired entry")
	}
	if _, err := cache.Get(ctx, "alpha"); err != nil {
		t.Fatalf("Get after expiry failed: %v", err)
	}
	if loader.count() != 2 {
		t.Errorf("loader ran %d times, want 2 (initial load plus reload)", loader.count())
	}
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewMemoryCache(&MemoryCacheConfig{
		TTL:     time.Hour,
		MaxSize: 2,
		Clock:   clock,
	})
	ctx := context.Background()

	cache.Put("a", 1)
	clock.Advance(time.Second)
	cache.Put("b", 2)
	clock.Advance(time.Second)

	// Touch a so b becomes the least recently used entry.
	if _, err := cache.Get(ctx, "a"); err != nil {
		t.Fatalf("Get(a) failed: %v", err)
	}
	clock.Advance(time.Second)

	cache.Put("c", 3)

	if !cache.Contains("a") {
		t.Error("recently used entry a was evicted")
	}
	if cache.Contains("b") {
		t.Error("least recently used entry b survived eviction")
	}
	if !cache.Contains("c") {
		t.Error("newly stored entry c is missing")
	}
	if cache.Size() != 2 {
		t.Errorf("Size = %d, want 2", cache.Size())
	}
}

func TestMemoryCacheCleanupRoutine(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewMemoryCache(&MemoryCacheConfig{
		TTL:             time.Minute,
		CleanupInterval: 2 * time.Minute,
		Clock:           clock,
	})
	ctx := context.Background()

	if err := cache.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := cache.Start(ctx); err == nil {
		t.Error("second Start should fail while running")
	}

	cache.Put("stale", "x")

	// Wait for the cleanup goroutine to register its ticker, then push the
	// clock past both the TTL and the cleanup interval.
	clock.BlockUntil(1)
	clock.Advance(2*time.Minute + time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for cache.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.Size() != 0 {
		t.Errorf("cleanup left %d entries, want 0", cache.Size())
	}

	if err := cache.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := cache.Shutdown(ctx); err != nil {
		t.Errorf("repeated Shutdown should be a no-op, got %v", err)
	}
}
