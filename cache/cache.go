package cache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Cache is a sharded block cache with an adaptive read-optimized fast path.
// All methods are safe for concurrent use by multiple goroutines.
//
// Callers address entries by (key, 32-bit hash); util.HashKey produces a
// suitable hash. The low hash bits select a shard, the high bits index
// within its tables.
type Cache struct {
	shards    []*shard
	shardMask uint32
	shardBits int
	opt       Options
	adapt     *adaptive
	closed    atomic.Bool
}

// New constructs a cache with the provided Options. It returns
// ErrInvalidArgument for out-of-range knobs (see Options).
func New(opt Options) (*Cache, error) {
	opt, err := opt.withDefaults()
	if err != nil {
		return nil, err
	}

	numShards := 1 << opt.ShardBits
	adapt := newAdaptive(opt.HotIndexMode, opt.FlushMode, opt.AdaptiveInterval, numShards, opt.Logger)

	c := &Cache{
		shards:    make([]*shard, numShards),
		shardMask: uint32(numShards - 1),
		shardBits: opt.ShardBits,
		opt:       opt,
		adapt:     adapt,
	}
	perShard := (opt.Capacity + int64(numShards) - 1) / int64(numShards)
	for i := 0; i < numShards; i++ {
		c.shards[i] = newShard(perShard, &opt, 32-opt.ShardBits, adapt, i)
	}
	return c, nil
}

// shardFor maps a hash to its shard by the low bits; the tables inside the
// shard consume the high bits.
func (c *Cache) shardFor(hash uint32) *shard {
	return c.shards[hash&c.shardMask]
}

// Insert adds key→value with the given byte charge, evicting from the LRU
// tail as needed. The deleter is invoked, outside all locks, once the entry
// is dropped and its last reference released. StatusOKOverwritten reports
// that a prior entry with the same key was displaced.
func (c *Cache) Insert(key []byte, hash uint32, value any, charge int64, deleter DeleterFn, pri Priority) (Status, error) {
	_, st, err := c.insert(key, hash, value, charge, deleter, nil, false, pri)
	return st, err
}

// InsertHandle is Insert returning a referenced handle. The entry stays off
// the LRU until the handle is released. Under a strict capacity limit a
// full cache yields StatusIncomplete, ErrCacheFull, and a nil handle.
func (c *Cache) InsertHandle(key []byte, hash uint32, value any, charge int64, deleter DeleterFn, pri Priority) (*Handle, Status, error) {
	return c.insert(key, hash, value, charge, deleter, nil, true, pri)
}

// InsertWithHelper inserts a secondary-compatible entry: on eviction it is
// offered to the secondary tier via helper.SaveTo before being freed with
// helper.Delete.
func (c *Cache) InsertWithHelper(key []byte, hash uint32, value any, charge int64, helper *ItemHelper, pri Priority, wantHandle bool) (*Handle, Status, error) {
	return c.insert(key, hash, value, charge, nil, helper, wantHandle, pri)
}

func (c *Cache) insert(key []byte, hash uint32, value any, charge int64, deleter DeleterFn, helper *ItemHelper, wantHandle bool, pri Priority) (*Handle, Status, error) {
	if c.closed.Load() {
		return nil, StatusIncomplete, ErrCacheClosed
	}
	// Allocate outside the shard mutex; if the cache is full the entry is
	// released without ever being published.
	e := &Handle{
		value:   value,
		key:     append([]byte(nil), key...),
		hash:    hash,
		charge:  charge,
		deleter: deleter,
		helper:  helper,
	}
	e.stamp.Store(noStamp)
	if helper != nil {
		e.setFlag(flagSecondaryCompatible, true)
	}
	e.setFlag(flagInCache, true)
	e.setPriority(pri)
	return c.shardFor(hash).insertItem(e, wantHandle, true)
}

// Lookup returns a referenced handle for key, or nil. The caller must
// Release it.
func (c *Cache) Lookup(key []byte, hash uint32) *Handle {
	if c.closed.Load() {
		return nil
	}
	return c.shardFor(hash).lookup(key, hash, nil, nil, PriorityLow, false)
}

// LookupFull is Lookup with secondary-tier support: on a primary miss with
// a helper and create callback the secondary cache is consulted outside all
// locks. With wait=false a pending handle may be returned; complete it via
// IsReady or WaitAll before reading its value.
func (c *Cache) LookupFull(key []byte, hash uint32, helper *ItemHelper, create CreateCallback, pri Priority, wait bool) *Handle {
	if c.closed.Load() {
		return nil
	}
	return c.shardFor(hash).lookup(key, hash, helper, create, pri, wait)
}

// Release drops one reference and returns true iff this call freed the
// entry. With forceErase the entry is dropped from the cache even when it
// would otherwise return to the LRU.
func (c *Cache) Release(h *Handle, forceErase bool) bool {
	if h == nil {
		return false
	}
	return c.shardFor(h.hash).release(h, forceErase)
}

// Ref adds a reference to an already-referenced handle.
func (c *Cache) Ref(h *Handle) bool {
	if h == nil {
		return false
	}
	return c.shardFor(h.hash).refHandle(h)
}

// Erase drops key if present. The entry is freed once its last reference
// is released (immediately, when unreferenced).
func (c *Cache) Erase(key []byte, hash uint32) {
	if c.closed.Load() {
		return
	}
	c.shardFor(hash).erase(key, hash)
}

// EraseUnRefEntries drops every evictable entry in every shard.
func (c *Cache) EraseUnRefEntries() {
	for _, s := range c.shards {
		s.eraseUnrefEntries()
	}
}

// IsReady reports whether a handle's value is available; pending handles
// from wait=false secondary lookups become ready once the tier completes.
func (c *Cache) IsReady(h *Handle) bool {
	if h == nil {
		return false
	}
	s := c.shardFor(h.hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.isPending() && h.secHand != nil {
		return h.secHand.IsReady()
	}
	return true
}

// WaitAll blocks until every pending handle's secondary lookup completes
// and promotes the results into their shards. Nil and non-pending handles
// are skipped.
func (c *Cache) WaitAll(handles []*Handle) {
	if c.opt.Secondary == nil {
		return
	}
	secs := make([]SecondaryHandle, 0, len(handles))
	for _, h := range handles {
		if h != nil && h.isPending() && h.secHand != nil {
			secs = append(secs, h.secHand)
		}
	}
	if len(secs) == 0 {
		return
	}
	c.opt.Secondary.WaitAll(secs)
	for _, h := range handles {
		if h == nil || !h.isPending() || h.secHand == nil {
			continue
		}
		c.shardFor(h.hash).promote(h)
	}
}

// SetCapacity rebudgets the cache, evicting down to the new limit.
func (c *Cache) SetCapacity(capacity int64) {
	numShards := int64(len(c.shards))
	perShard := (capacity + numShards - 1) / numShards
	for _, s := range c.shards {
		s.setCapacity(perShard)
	}
}

// SetStrictCapacityLimit toggles strict insertion.
func (c *Cache) SetStrictCapacityLimit(strict bool) {
	for _, s := range c.shards {
		s.setStrictCapacityLimit(strict)
	}
}

// SetHighPriPoolRatio resizes the high-priority pool and demotes overflow.
func (c *Cache) SetHighPriPoolRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return wrapInvalid("HighPriPoolRatio must be in [0, 1]")
	}
	for _, s := range c.shards {
		s.setHighPriPoolRatio(ratio)
	}
	return nil
}

// GetUsage returns the total charge of resident entries.
func (c *Cache) GetUsage() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.getUsage()
	}
	return total
}

// GetPinnedUsage returns the charge of entries held off the LRU (externally
// referenced or shadowed by a hot index).
func (c *Cache) GetPinnedUsage() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.getPinnedUsage()
	}
	return total
}

// ApplyToSomeEntries visits a chunk of the cache per call. state is an
// opaque resumption cursor starting at 0; it reads math.MaxUint64 once the
// iteration completed. averageEntriesPerLock bounds how much of a shard is
// walked under its mutex at a time.
func (c *Cache) ApplyToSomeEntries(cb func(key []byte, value any, charge int64, deleter DeleterFn), averageEntriesPerLock uint32, state *uint64) {
	shardIdx := uint32(*state >> 32)
	cursor := uint32(*state)
	if shardIdx >= uint32(len(c.shards)) {
		*state = math.MaxUint64
		return
	}
	c.shards[shardIdx].applyToSomeEntries(cb, averageEntriesPerLock, &cursor)
	if cursor == math.MaxUint32 {
		shardIdx++
		cursor = 0
		if shardIdx >= uint32(len(c.shards)) {
			*state = math.MaxUint64
			return
		}
	}
	*state = uint64(shardIdx)<<32 | uint64(cursor)
}

// ApplyToAllEntries walks the whole cache in averageEntriesPerLock chunks.
func (c *Cache) ApplyToAllEntries(cb func(key []byte, value any, charge int64, deleter DeleterFn), averageEntriesPerLock uint32) {
	var state uint64
	for state != math.MaxUint64 {
		c.ApplyToSomeEntries(cb, averageEntriesPerLock, &state)
	}
}

// GetPrintableOptions renders the effective configuration.
func (c *Cache) GetPrintableOptions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "    capacity : %d\n", c.opt.Capacity)
	fmt.Fprintf(&b, "    shard_bits : %d\n", c.shardBits)
	fmt.Fprintf(&b, "    strict_capacity_limit : %t\n", c.opt.StrictCapacityLimit)
	fmt.Fprintf(&b, "    high_pri_pool_ratio: %.3f\n", c.opt.HighPriPoolRatio)
	fmt.Fprintf(&b, "    hot_index_mode : %d\n", c.opt.HotIndexMode)
	fmt.Fprintf(&b, "    hot_index_bits : %d\n", c.opt.HotIndexBits)
	fmt.Fprintf(&b, "    flush_mode : %d\n", c.opt.FlushMode)
	fmt.Fprintf(&b, "    reader_stripes : %d\n", c.opt.ReaderStripes)
	return b.String()
}

// Close marks the cache closed and drains evictable entries. Entries still
// referenced are freed by their final Release.
func (c *Cache) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.EraseUnRefEntries()
	}
	return nil
}
