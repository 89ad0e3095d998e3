package cache

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cachelab/blockcache/internal/util"
)

// countingMetrics tallies events for controller assertions.
type countingMetrics struct {
	hits, misses, hotHits, hotMisses    atomic.Int64
	hotBlocked, hotFlushes, hotRefilled atomic.Int64
	secondaryHits                       atomic.Int64
	evictions                           atomic.Int64
}

func (m *countingMetrics) Hit()              { m.hits.Add(1) }
func (m *countingMetrics) Miss()             { m.misses.Add(1) }
func (m *countingMetrics) Evict(EvictReason) { m.evictions.Add(1) }
func (m *countingMetrics) Size(int64, int64) {}
func (m *countingMetrics) HotHit()           { m.hotHits.Add(1) }
func (m *countingMetrics) HotMiss()          { m.hotMisses.Add(1) }
func (m *countingMetrics) HotInsertBlocked() { m.hotBlocked.Add(1) }
func (m *countingMetrics) HotFlush()         { m.hotFlushes.Add(1) }
func (m *countingMetrics) HotRefill(n int)   { m.hotRefilled.Add(int64(n)) }
func (m *countingMetrics) SecondaryHit()     { m.secondaryHits.Add(1) }

func adaptiveTestOptions(m Metrics, flushMode int) Options {
	return Options{
		Capacity:         1000,
		ShardBits:        0,
		HotIndexMode:     50,
		FlushMode:        flushMode,
		HotIndexBits:     8,
		ReaderStripes:    4,
		AdaptiveInterval: 100,
		Metrics:          m,
		Logger:           zap.NewNop(),
	}
}

func driveLookups(t *testing.T, c *Cache, keys []string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k := keys[i%len(keys)]
		h := c.Lookup([]byte(k), util.HashString(k))
		require.NotNil(t, h, "key %s must be resident", k)
		c.Release(h, false)
	}
}

// Hot-index activation: after the controller has refilled the index and
// observed a high virtual hit rate, the shard enables the fast path and a
// hot key is served under the read lock without touching the primary path.
func TestAdaptive_ActivationAndReadPathHit(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	c := newTestCache(t, adaptiveTestOptions(m, 0))
	s := c.shards[0]

	keys := make([]string, 32)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		mustInsert(t, c, keys[i], 1, PriorityLow)
	}

	// First recompute (lookup 101) fills the index from the LRU; the
	// second (lookup 202) sees the virtual hit rate and enables the shard.
	driveLookups(t, c, keys, 202)
	require.True(t, c.adapt.enabled(0), "shard must enable its hot index")
	assert.Greater(t, m.hotRefilled.Load(), int64(0))

	// A subsequent hit on a shadowed key is served by the read path: the
	// primary-path virtual counters stay untouched.
	vBefore := c.adapt.vTotalHit[0].Load()
	h := c.Lookup([]byte(keys[5]), util.HashString(keys[5]))
	require.NotNil(t, h)
	assert.True(t, h.inHotIndex())
	assert.Nil(t, h.next, "hot-index hit must not touch LRU links")
	assert.Equal(t, vBefore, c.adapt.vTotalHit[0].Load(), "read path must bypass the primary table")
	assert.Greater(t, m.hotHits.Load(), int64(0))
	assert.False(t, c.Release(h, false), "hot-index release is never the last reference")

	checkShardInvariants(t, s)
}

// Flush on regression: when the workload shifts away from the shadowed
// keys the miss budget disables the shard's index and the next recompute
// drains it back into the LRU.
func TestAdaptive_FlushOnRegression(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	c := newTestCache(t, adaptiveTestOptions(m, 30))
	s := c.shards[0]

	hot := make([]string, 32)
	for i := range hot {
		hot[i] = fmt.Sprintf("k%d", i)
		mustInsert(t, c, hot[i], 1, PriorityLow)
	}
	driveLookups(t, c, hot, 202)
	require.True(t, c.adapt.enabled(0))

	// Shift to a disjoint working set: the index misses every probe.
	cold := make([]string, 200)
	for i := range cold {
		cold[i] = fmt.Sprintf("n%d", i)
		mustInsert(t, c, cold[i], 1, PriorityLow)
	}
	for i := 0; i < 150; i++ {
		k := cold[i%len(cold)]
		h := c.Lookup([]byte(k), util.HashString(k))
		require.NotNil(t, h)
		c.Release(h, false)
	}

	assert.False(t, c.adapt.enabled(0), "miss budget must disable the shard")
	assert.Greater(t, m.hotFlushes.Load(), int64(0), "regressed hit rate must flush the index")

	// A formerly shadowed key is LRU-eligible again.
	s.mu.Lock()
	k5 := s.table.lookup([]byte(hot[5]), util.HashString(hot[5]))
	require.NotNil(t, k5)
	onLRU := k5.next != nil && k5.prev != nil
	shadowed := k5.inHotIndex()
	s.mu.Unlock()
	assert.True(t, onLRU, "flushed entry must rejoin the LRU")
	assert.False(t, shadowed)

	checkShardInvariants(t, s)
}

// Mode 100 forces the fast path without waiting for thresholds: the
// controller still refills the index, and misses never disable the shard.
func TestAdaptive_ForcedMode(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	opt := adaptiveTestOptions(m, 0)
	opt.HotIndexMode = 100
	c := newTestCache(t, opt)

	keys := make([]string, 8)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		mustInsert(t, c, keys[i], 1, PriorityLow)
	}
	driveLookups(t, c, keys, 150)

	// Every probe before the first refill missed the index, yet the forced
	// mode kept probing.
	assert.Greater(t, m.hotMisses.Load(), int64(0))
	assert.Greater(t, m.hotHits.Load(), int64(0), "forced mode must serve read-path hits after refill")
}

// Mode 0 disables the fast path entirely: no probes, no controller work.
func TestAdaptive_DisabledMode(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	opt := adaptiveTestOptions(m, 30)
	opt.HotIndexMode = 0
	c := newTestCache(t, opt)

	keys := make([]string, 8)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		mustInsert(t, c, keys[i], 1, PriorityLow)
	}
	driveLookups(t, c, keys, 300)

	assert.Zero(t, m.hotHits.Load())
	assert.Zero(t, m.hotMisses.Load())
	assert.Zero(t, m.hotRefilled.Load())
	assert.False(t, c.adapt.enabled(0))
}

// Displacement: overwriting a shadowed key swaps the hot-index slot to the
// new entry and the old value's deleter still fires exactly once.
func TestAdaptive_OverwriteShadowedKey(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	c := newTestCache(t, adaptiveTestOptions(m, 0))
	s := c.shards[0]

	keys := make([]string, 32)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		mustInsert(t, c, keys[i], 1, PriorityLow)
	}
	driveLookups(t, c, keys, 202)
	require.True(t, c.adapt.enabled(0))

	key := []byte(keys[7])
	hash := util.HashString(keys[7])
	st, err := c.Insert(key, hash, "v2", 1, nil, PriorityLow)
	require.NoError(t, err)
	require.Equal(t, StatusOKOverwritten, st)

	h := c.Lookup(key, hash)
	require.NotNil(t, h)
	assert.Equal(t, "v2", h.Value())
	assert.True(t, h.inHotIndex(), "replacement must take over the hot-index slot")
	c.Release(h, false)

	checkShardInvariants(t, s)
}
