package cache

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/cachelab/blockcache/internal/util"
)

// benchmarkMix exercises a read/write mix against a warm cache.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
// Keys are precomputed with their hashes so the benchmark exposes the cache
// hot path rather than strconv/hashing costs.
func benchmarkMix(b *testing.B, readsPct, hotIndexMode int) {
	c, err := New(Options{
		Capacity:     100_000,
		HotIndexMode: hotIndexMode,
		FlushMode:    30,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	const keyspace = 1 << 16
	keys := make([][]byte, keyspace)
	hashes := make([]uint32, keyspace)
	for i := range keys {
		keys[i] = []byte("k:" + strconv.Itoa(i))
		hashes[i] = util.HashKey(keys[i])
	}

	// Preload half the capacity to get a realistic hit-rate.
	for i := 0; i < 50_000; i++ {
		j := i & (keyspace - 1)
		_, _ = c.Insert(keys[j], hashes[j], "v", 1, nil, PriorityLow)
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	b.RunParallel(func(pb *testing.PB) {
		// Independent RNG stream for each worker.
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			j := i & (keyspace - 1)
			if r.Intn(100) < readsPct {
				if h := c.Lookup(keys[j], hashes[j]); h != nil {
					c.Release(h, false)
				}
			} else {
				_, _ = c.Insert(keys[j], hashes[j], "v", 1, nil, PriorityLow)
			}
			i++
		}
	})
}

func BenchmarkCache_90r10w(b *testing.B)          { benchmarkMix(b, 90, 0) }
func BenchmarkCache_50r50w(b *testing.B)          { benchmarkMix(b, 50, 0) }
func BenchmarkCache_HotIndex_90r10w(b *testing.B) { benchmarkMix(b, 90, 100) }
func BenchmarkCache_HotIndex_50r50w(b *testing.B) { benchmarkMix(b, 50, 100) }

// BenchmarkHotIndexLookup isolates the shared-lock read path: every key is
// shadowed, so each hit is one chain walk plus one slot increment.
func BenchmarkHotIndexLookup(b *testing.B) {
	c, err := New(Options{
		Capacity:         4096,
		ShardBits:        0,
		HotIndexMode:     100,
		HotIndexBits:     8,
		AdaptiveInterval: 64,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })

	const keyspace = 64
	keys := make([][]byte, keyspace)
	hashes := make([]uint32, keyspace)
	for i := range keys {
		keys[i] = []byte("k:" + strconv.Itoa(i))
		hashes[i] = util.HashKey(keys[i])
		_, _ = c.Insert(keys[i], hashes[i], "v", 1, nil, PriorityLow)
	}
	// Warm the controller until the working set is shadowed.
	for i := 0; i < 64*keyspace; i++ {
		j := i % keyspace
		if h := c.Lookup(keys[j], hashes[j]); h != nil {
			c.Release(h, false)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			j := i % keyspace
			if h := c.Lookup(keys[j], hashes[j]); h != nil {
				c.Release(h, false)
			}
			i++
		}
	})
}
