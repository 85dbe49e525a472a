package corehost

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyCache_DeduplicatesSameFingerprint(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32

	run := func() *Response {
		return c.Execute("tasks", "create", "key-1", "session-1", func() *Response {
			atomic.AddInt32(&calls, 1)
			return Success("req-1", map[string]interface{}{"id": "t1"})
		})
	}

	first := run()
	second := run()
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestIdempotencyCache_DifferentKeysDoNotCollide(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32
	run := func(key string) *Response {
		return c.Execute("tasks", "create", key, "session-1", func() *Response {
			atomic.AddInt32(&calls, 1)
			return Success("req", nil)
		})
	}
	run("key-1")
	run("key-2")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencyCache_DifferentSessionsDoNotCollide(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32
	run := func(session string) *Response {
		return c.Execute("tasks", "create", "same-key", session, func() *Response {
			atomic.AddInt32(&calls, 1)
			return Success("req", nil)
		})
	}
	run("session-a")
	run("session-b")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencyCache_DifferentMethodsDoNotCollide(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32
	run := func(method string) *Response {
		return c.Execute("tasks", method, "same-key", "session-1", func() *Response {
			atomic.AddInt32(&calls, 1)
			return Success("req", nil)
		})
	}
	run("create")
	run("update")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencyCache_EmptyKeyBypassesCache(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32
	run := func() *Response {
		return c.Execute("tasks", "create", "", "session-1", func() *Response {
			atomic.AddInt32(&calls, 1)
			return Success("req", nil)
		})
	}
	run()
	run()
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencyCache_NonMutationMethodBypassesCache(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32
	run := func() *Response {
		return c.Execute("tasks", "list", "key-1", "session-1", func() *Response {
			atomic.AddInt32(&calls, 1)
			return Success("req", nil)
		})
	}
	run()
	run()
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestIdempotencyCache_CapacityClampedToDefault(t *testing.T) {
	c := NewIdempotencyCache(1)
	assert.Equal(t, DefaultIdempotencyCacheSize, c.capacity)
}

func TestIdempotencyCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewIdempotencyCache(2)
	c.capacity = 2 // shrink below default for a tight eviction test

	for i, key := range []string{"k1", "k2", "k3"} {
		c.Execute("tasks", "create", key, "session-1", func() *Response {
			return Success("req", nil)
		})
		_ = i
	}

	c.mu.Lock()
	_, hasK1 := c.entries[fingerprint("tasks", "create", "k1", "session-1")]
	_, hasK3 := c.entries[fingerprint("tasks", "create", "k3", "session-1")]
	c.mu.Unlock()

	assert.False(t, hasK1, "oldest entry must be evicted once capacity is exceeded")
	assert.True(t, hasK3, "most recently added entry must survive")
}

func TestIdempotencyCache_ConcurrentCallersShareOneExecution(t *testing.T) {
	c := NewIdempotencyCache(0)
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*Response, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = c.Execute("tasks", "create", "shared-key", "session-1", func() *Response {
				if atomic.AddInt32(&calls, 1) == 1 {
					close(started)
					<-release
				}
				return Success("req", map[string]interface{}{"n": 1})
			})
		}(i)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first execution never started")
	}
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}
