// Package cache provides a sharded in-memory block cache with priority-aware
// LRU eviction and an adaptive read-optimized fast path, intended as the
// primary buffer of a storage engine.
//
// Design
//
//   - Sharding: the cache splits into 1<<ShardBits shards selected by the
//     low bits of a caller-supplied 32-bit key hash. Each shard owns an
//     open-chained primary hash table (indexed by the high hash bits, so
//     iteration cursors survive resizes), a circular LRU list, and a hot
//     index, under one exclusive mutex plus one read/write mutex.
//
//   - LRU: the list holds only evictable entries — in cache, unreferenced,
//     not shadowed by the hot index. It splits into a high-priority prefix
//     (bounded by HighPriPoolRatio) and a low-priority suffix; eviction
//     always takes the cold end, low priority first.
//
//   - Hot index: a small fixed table shadowing a shard's hottest entries.
//     Lookups that hit it run under the shared lock, record the reference
//     in a striped slot pool, and skip LRU bookkeeping entirely; the index
//     is the recency proxy for its contents. Removal reconciles the slot
//     pool with the entry's refcount under the write lock.
//
//   - Adaptive controller: per-shard hit/miss counters (real and virtual)
//     feed a median-across-shards threshold every AdaptiveInterval primary
//     hits, enabling, refilling, or flushing each shard's hot index as the
//     workload shifts. HotIndexMode pins the behavior at either extreme.
//
//   - References: Lookup and InsertHandle return referenced handles that
//     must be Released. An entry is freed — by its client deleter, outside
//     all locks — once it has left the table and its last reference is
//     gone. Handle accessors (Value, Charge, Hash, Key, Deleter) are valid
//     while the reference is held.
//
//   - Secondary tier: an optional SecondaryCache receives evicted
//     secondary-compatible entries and serves LookupFull misses, either
//     synchronously or through pending handles completed by WaitAll.
//
// Basic usage
//
//	c, err := cache.New(cache.Options{Capacity: 64 << 20})
//	if err != nil {
//	    // invalid options
//	}
//	key := []byte("block-42")
//	h := util.HashKey(key)
//	c.Insert(key, h, block, int64(len(block.data)), freeBlock, cache.PriorityLow)
//	if e := c.Lookup(key, h); e != nil {
//	    use(e.Value())
//	    c.Release(e, false)
//	}
//
// Exporting metrics (Prometheus adapter)
//
//	m := prom.New(nil, "engine", "blockcache", nil) // implements cache.Metrics
//	c, _ := cache.New(cache.Options{Capacity: 64 << 20, Metrics: m})
//
// Thread-safety & complexity
//
// All methods are safe for concurrent use. Operations are amortized O(1):
// a bucket walk plus constant list fixes under a shard lock; hot-index hits
// touch only the shared lock and one pool counter.
package cache
