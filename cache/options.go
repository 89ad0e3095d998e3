package cache

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/cachelab/blockcache/internal/util"
)

// Priority ranks entries for the LRU's segmented insertion.
type Priority int8

const (
	// PriorityLow entries join the low-priority segment and are evicted first.
	PriorityLow Priority = iota
	// PriorityHigh entries join the high-priority pool near the recent end.
	PriorityHigh
)

// ChargePolicy selects how much per-entry metadata counts against capacity.
type ChargePolicy int8

const (
	// DontChargeMetadata charges only the client-supplied value charge.
	DontChargeMetadata ChargePolicy = iota
	// FullChargeMetadata additionally charges the key bytes and the
	// record's own footprint.
	FullChargeMetadata
)

// Options configures the cache. Zero values are safe for every field except
// Capacity, which must be set; defaults are applied in New:
//   - ShardBits < 0      => auto from capacity
//   - HotIndexBits <= 0  => 8
//   - ReaderStripes <= 0 => auto from GOMAXPROCS (rounded to a power of two)
//   - AdaptiveInterval <= 0 => 2048
//   - nil Metrics        => NoopMetrics
//   - nil Logger         => no logging
type Options struct {
	// Capacity is the total charge budget in bytes, split evenly across
	// shards. Must be > 0.
	Capacity int64

	// ShardBits sets the shard count to 1<<ShardBits. Must be < 20.
	// Negative selects a heuristic from Capacity.
	ShardBits int

	// StrictCapacityLimit makes Insert fail instead of overshooting when
	// eviction cannot free enough space.
	StrictCapacityLimit bool

	// HighPriPoolRatio is the fraction of capacity reserved for the
	// high-priority LRU segment. Must be in [0, 1].
	HighPriPoolRatio float64

	// ChargePolicy selects metadata accounting.
	ChargePolicy ChargePolicy

	// HotIndexMode gates the per-shard hot index: 0 disables it entirely,
	// 100 forces it always on, anything between is the hit-rate percentile
	// above which a shard's index auto-enables. Must be in [0, 100].
	HotIndexMode int

	// FlushMode is the hit-rate percentile below which a shard's hot index
	// is drained back into the LRU; 0 never flushes. Must be in [0, 100].
	FlushMode int

	// HotIndexBits sizes each shard's hot index at 1<<HotIndexBits buckets.
	HotIndexBits int

	// ReaderStripes bounds concurrent hot-index readers per shard: it sizes
	// the reference-slot pool at (1<<HotIndexBits) × ReaderStripes
	// counters. Rounded up to a power of two.
	ReaderStripes int

	// AdaptiveInterval is the number of primary-table hits between
	// controller recomputations per shard.
	AdaptiveInterval int64

	// Secondary is the optional overflow tier.
	Secondary SecondaryCache

	Metrics Metrics
	Logger  *zap.Logger
}

// withDefaults validates opt and fills in derived values.
func (opt Options) withDefaults() (Options, error) {
	if opt.Capacity <= 0 {
		return opt, wrapInvalid("Capacity must be > 0")
	}
	if opt.ShardBits >= 20 {
		// The cache cannot be sharded into too many fine pieces.
		return opt, wrapInvalid("ShardBits must be < 20")
	}
	if opt.HighPriPoolRatio < 0 || opt.HighPriPoolRatio > 1 {
		return opt, wrapInvalid("HighPriPoolRatio must be in [0, 1]")
	}
	if opt.HotIndexMode < 0 || opt.HotIndexMode > 100 {
		return opt, wrapInvalid("HotIndexMode must be in [0, 100]")
	}
	if opt.FlushMode < 0 || opt.FlushMode > 100 {
		return opt, wrapInvalid("FlushMode must be in [0, 100]")
	}
	if opt.ShardBits < 0 {
		opt.ShardBits = util.DefaultShardBits(opt.Capacity)
	}
	if opt.HotIndexBits <= 0 {
		opt.HotIndexBits = defaultHotIndexBits
	}
	if opt.HotIndexBits > 16 {
		return opt, wrapInvalid("HotIndexBits must be <= 16")
	}
	if opt.ReaderStripes <= 0 {
		opt.ReaderStripes = util.ReaderStripeCount(runtime.GOMAXPROCS(0))
	} else {
		opt.ReaderStripes = int(util.NextPow2(uint64(opt.ReaderStripes)))
	}
	if opt.AdaptiveInterval <= 0 {
		opt.AdaptiveInterval = defaultAdaptiveInterval
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	return opt, nil
}

const (
	defaultHotIndexBits     = 8
	defaultAdaptiveInterval = 2048
)
