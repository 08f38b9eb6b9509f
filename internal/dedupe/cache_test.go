// ABOUTME: Tests for the idempotency cache: TTL expiry, eviction, and atomic put.
// ABOUTME: Time is driven by the fake clock.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/pilot-gateway/internal/clock"
)

func newCache(ttl time.Duration, max int) (*Cache, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, ttl, max), clk
}

func TestCache_GetMissing(t *testing.T) {
	cache, _ := newCache(time.Minute, 10)
	defer cache.Close()

	_, ok := cache.Get("never-seen")
	assert.False(t, ok)
}

func TestCache_PutAndGet(t *testing.T) {
	cache, _ := newCache(time.Minute, 10)
	defer cache.Close()

	cache.Put("key-1", "task-1")
	v, ok := cache.Get("key-1")
	assert.True(t, ok)
	assert.Equal(t, "task-1", v)
}

func TestCache_Expiry(t *testing.T) {
	cache, clk := newCache(time.Minute, 10)
	defer cache.Close()

	cache.Put("key-1", "task-1")
	clk.Advance(59 * time.Second)
	_, ok := cache.Get("key-1")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = cache.Get("key-1")
	assert.False(t, ok)
}

func TestCache_PutIfAbsent(t *testing.T) {
	cache, clk := newCache(time.Minute, 10)
	defer cache.Close()

	v, loaded := cache.PutIfAbsent("key", "task-1")
	assert.False(t, loaded)
	assert.Equal(t, "task-1", v)

	v, loaded = cache.PutIfAbsent("key", "task-2")
	assert.True(t, loaded)
	assert.Equal(t, "task-1", v)

	// An expired entry is replaced.
	clk.Advance(2 * time.Minute)
	v, loaded = cache.PutIfAbsent("key", "task-3")
	assert.False(t, loaded)
	assert.Equal(t, "task-3", v)
}

func TestCache_PutIfAbsentConcurrent(t *testing.T) {
	cache, _ := newCache(time.Minute, 100)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, loaded := cache.PutIfAbsent("same", fmt.Sprintf("task-%d", i)); !loaded {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestCache_EvictsOldest(t *testing.T) {
	cache, _ := newCache(time.Minute, 2)
	defer cache.Close()

	cache.Put("a", "1")
	cache.Put("b", "2")
	cache.Put("c", "3")

	_, ok := cache.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestCache_RePutRefreshesOrder(t *testing.T) {
	cache, _ := newCache(time.Minute, 2)
	defer cache.Close()

	cache.Put("a", "1")
	cache.Put("b", "2")
	cache.Put("a", "1")
	cache.Put("c", "3")

	_, ok := cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("b")
	assert.False(t, ok)
}

func TestCache_Sweep(t *testing.T) {
	cache, clk := newCache(time.Minute, 10)
	defer cache.Close()

	cache.Put("old", "1")
	clk.Advance(30 * time.Second)
	cache.Put("new", "2")
	clk.Advance(45 * time.Second)

	cache.Sweep()
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("new")
	assert.True(t, ok)
}

func TestCache_Delete(t *testing.T) {
	cache, _ := newCache(time.Minute, 10)
	defer cache.Close()

	cache.Put("a", "1")
	cache.Delete("a")
	cache.Delete("missing")
	assert.Zero(t, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache, _ := newCache(time.Minute, 10)
	cache.Close()
	cache.Close()
}
