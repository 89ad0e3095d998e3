package cache

import (
	"math"
	"math/rand"
	"sync"
)

// shard is an independent partition of the cache. Two locks split its state:
//
//   - mu guards the primary table, the LRU list, usage accounting, and the
//     adaptive controller's tick.
//   - rw guards the hot index's chains, FIFO queue, and availability flags.
//     Readers hold it shared and record references in the striped slot pool.
//
// Lock order is strictly mu then rw. Allocation, client deleters, and
// secondary-cache traffic always run outside both locks: mutation paths
// collect victims into a local list and finish them after unlocking.
type shard struct {
	mu sync.Mutex
	rw sync.RWMutex

	capacity            int64
	strictCapacityLimit bool
	highPriPoolRatio    float64
	highPriPoolCapacity float64
	chargePolicy        ChargePolicy

	usage            int64 // total charge of handles in the primary table
	lruUsage         int64 // total charge of handles on the LRU list
	highPriPoolUsage int64

	table handleTable
	hot   *hotIndex

	lru       Handle  // sentinel of the circular LRU list
	lruLowPri *Handle // tail of the low-priority segment

	secondary SecondaryCache
	metrics   Metrics
	adapt     *adaptive
	idx       int // this shard's slot in the controller arrays
}

func newShard(capacity int64, opt *Options, maxUpperHashBits int, adapt *adaptive, idx int) *shard {
	s := &shard{
		strictCapacityLimit: opt.StrictCapacityLimit,
		highPriPoolRatio:    opt.HighPriPoolRatio,
		chargePolicy:        opt.ChargePolicy,
		table:               newHandleTable(maxUpperHashBits),
		hot:                 newHotIndex(opt.HotIndexBits, opt.ReaderStripes),
		secondary:           opt.Secondary,
		metrics:             opt.Metrics,
		adapt:               adapt,
		idx:                 idx,
	}
	s.lru.next = &s.lru
	s.lru.prev = &s.lru
	s.lruLowPri = &s.lru
	s.setCapacity(capacity)
	return s
}

// hotEnabled reports whether the hot index exists at all for this cache
// (mode 0 disables it everywhere; per-shard enablement is the controller's).
func (s *shard) hotEnabled() bool { return s.adapt.mode != 0 }

// readerStripe picks a slot stripe for the current reader. Stripes spread
// concurrent readers over distinct pool cache lines; since only the sum of
// a stamp's range is meaningful, the pick does not have to be stable across
// a handle's acquire and release.
func (s *shard) readerStripe() int32 {
	return int32(rand.Uint32()) & (s.hot.stripes - 1)
}

// evictFromLRU removes handles from the cold end until the new charge fits
// or the list is empty. Victims are unlinked from the primary table, marked
// out of cache, and appended for the caller to finish outside the lock.
// Handles shadowed by the hot index are not on the list and are never
// touched here.
func (s *shard) evictFromLRU(charge int64, victims *[]*Handle) {
	for s.usage+charge > s.capacity && s.lru.next != &s.lru {
		old := s.lru.next
		s.lruRemove(old)
		s.table.remove(old.key, old.hash)
		old.setFlag(flagInCache, false)
		s.usage -= old.totalCharge(s.chargePolicy)
		s.metrics.Evict(EvictCapacity)
		*victims = append(*victims, old)
	}
}

// finish demotes secondary-compatible victims to the secondary tier and
// frees them. Must be called outside both locks.
func (s *shard) finish(victims []*Handle) {
	for _, v := range victims {
		if s.secondary != nil && v.isSecondaryCompatible() && !v.isPromoted() {
			_ = s.secondary.Insert(v.key, v.value, v.helper)
		}
		v.free()
	}
}

func (s *shard) setCapacity(capacity int64) {
	var victims []*Handle
	s.mu.Lock()
	s.capacity = capacity
	s.highPriPoolCapacity = float64(capacity) * s.highPriPoolRatio
	s.evictFromLRU(0, &victims)
	s.mu.Unlock()
	s.finish(victims)
}

func (s *shard) setStrictCapacityLimit(strict bool) {
	s.mu.Lock()
	s.strictCapacityLimit = strict
	s.mu.Unlock()
}

func (s *shard) setHighPriPoolRatio(ratio float64) {
	s.mu.Lock()
	s.highPriPoolRatio = ratio
	s.highPriPoolCapacity = float64(s.capacity) * ratio
	s.maintainPoolSize()
	s.mu.Unlock()
}

// hotInsertLocked shadows e in the hot index and reattaches whatever handle
// the FIFO displaced to make room. Requires mu and the rw write lock.
func (s *shard) hotInsertLocked(e *Handle) bool {
	evicted, ok := s.hot.insert(e)
	if evicted != nil && evicted.inCache() && !evicted.hasRefs() {
		s.lruInsert(evicted)
	}
	if !ok {
		s.metrics.HotInsertBlocked()
	}
	return ok
}

// insertItem adopts a freshly allocated handle. With wantHandle the caller
// receives a referenced handle and the entry stays off the LRU; otherwise
// the entry goes straight onto the list. freeOnFail controls whether a
// strict-capacity rejection frees the handle (the promote path keeps the
// value alive for its caller).
func (s *shard) insertItem(e *Handle, wantHandle, freeOnFail bool) (*Handle, Status, error) {
	var (
		victims  []*Handle
		rejected *Handle
		handle   *Handle
		err      error
	)
	st := StatusOK
	total := e.totalCharge(s.chargePolicy)

	s.mu.Lock()
	// Free space following LRU policy until the new entry fits or the list
	// is drained.
	s.evictFromLRU(total, &victims)

	if s.usage+total > s.capacity && (s.strictCapacityLimit || !wantHandle) {
		e.setFlag(flagInCache, false)
		if !wantHandle {
			// Keep the OK status: behave as if the entry was inserted and
			// evicted immediately.
			victims = append(victims, e)
		} else {
			if freeOnFail {
				rejected = e // freed below, but never offered to the secondary tier
			}
			st = StatusIncomplete
			err = ErrCacheFull
		}
	} else {
		// The shard may exceed capacity here if eviction could not free
		// enough; accounting accepts that in non-strict mode.
		old := s.table.insert(e)
		s.usage += total
		if old != nil {
			st = StatusOKOverwritten
			old.setFlag(flagInCache, false)
			if s.hotEnabled() && old.inHotIndex() {
				s.rw.Lock()
				if old.inHotIndex() {
					// Swap the hot-index slot to the new handle. The forced
					// removal folds outstanding reader slots into old.refs
					// so a displaced-but-still-read handle survives until
					// its readers release it.
					s.hot.remove(old.key, old.hash, false)
					s.hotInsertLocked(e)
				}
				s.rw.Unlock()
			}
			if !old.hasRefs() {
				s.lruRemove(old)
				s.usage -= old.totalCharge(s.chargePolicy)
				s.metrics.Evict(EvictOverwrite)
				victims = append(victims, old)
			}
		}
		if !wantHandle {
			if !e.inHotIndex() {
				s.lruInsert(e)
			}
		} else {
			if !e.inHotIndex() {
				e.ref()
			}
			handle = e
		}
	}
	s.metrics.Size(int64(s.table.elems), s.usage)
	s.mu.Unlock()

	s.finish(victims)
	if rejected != nil {
		rejected.free()
	}
	return handle, st, err
}

// release drops one reference. Handles shadowed by the hot index release
// through the slot pool without any lock and are never the last reference:
// the index itself keeps them alive until removal folds the slots back.
// Returns true iff this call freed the handle.
func (s *shard) release(e *Handle, forceErase bool) bool {
	if e == nil {
		return false
	}
	if s.hotEnabled() && e.inHotIndex() {
		s.hot.adjust(e, s.readerStripe(), -1)
		return false
	}

	s.mu.Lock()
	if s.hotEnabled() && e.inHotIndex() {
		// Promoted into the index between the unlocked check and the lock.
		s.mu.Unlock()
		s.hot.adjust(e, s.readerStripe(), -1)
		return false
	}
	last := e.unref()
	if last && e.inCache() {
		// Still in cache and nobody else references it: either reclaim the
		// slot now or park it back on the LRU.
		if s.usage > s.capacity || forceErase {
			s.table.remove(e.key, e.hash)
			e.setFlag(flagInCache, false)
		} else {
			s.lruInsert(e)
			last = false
		}
	}
	// A secondary-compatible handle with a nil value was never charged
	// (its tier lookup failed), so only decrement usage for charged ones.
	if last && (!e.isSecondaryCompatible() || e.value != nil) {
		s.usage -= e.totalCharge(s.chargePolicy)
	}
	s.mu.Unlock()

	if last {
		e.free()
	}
	return last
}

// refHandle adds a reference to an already-referenced handle.
func (s *shard) refHandle(e *Handle) bool {
	if s.hotEnabled() && e.inHotIndex() {
		s.hot.adjust(e, s.readerStripe(), 1)
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.hasRefs() {
		return false
	}
	e.ref()
	return true
}

func (s *shard) erase(key []byte, hash uint32) {
	var e *Handle
	last := false
	s.mu.Lock()
	if e = s.table.remove(key, hash); e != nil {
		e.setFlag(flagInCache, false)
		if s.hotEnabled() && e.inHotIndex() {
			s.rw.Lock()
			if e.inHotIndex() {
				s.hot.remove(e.key, e.hash, false)
			}
			s.rw.Unlock()
		}
		// After the fold, refs reflects shared-lock readers too; only free
		// when nobody holds the handle. lruRemove is a no-op for handles
		// that were shadowed.
		if !e.hasRefs() {
			s.lruRemove(e)
			s.usage -= e.totalCharge(s.chargePolicy)
			s.metrics.Evict(EvictErase)
			last = true
		}
	}
	s.mu.Unlock()

	if last {
		e.free()
	}
}

// eraseUnrefEntries drains every evictable handle. Hot-index residents are
// returned to the LRU first so they drain too; handles held externally (or
// pinned by outstanding shared-lock readers) stay.
func (s *shard) eraseUnrefEntries() {
	var victims []*Handle
	s.mu.Lock()
	if s.hotEnabled() {
		s.rw.Lock()
		for _, evicted := range s.hot.drain() {
			if evicted.inCache() && !evicted.hasRefs() {
				s.lruInsert(evicted)
			}
		}
		s.rw.Unlock()
	}
	for s.lru.next != &s.lru {
		old := s.lru.next
		s.lruRemove(old)
		s.table.remove(old.key, old.hash)
		old.setFlag(flagInCache, false)
		s.usage -= old.totalCharge(s.chargePolicy)
		s.metrics.Evict(EvictErase)
		victims = append(victims, old)
	}
	s.mu.Unlock()

	for _, v := range victims {
		v.free()
	}
}

// promote installs a completed secondary-cache result into the shard. The
// caller holds a reference on e; insertItem takes its own, which is dropped
// here. On a strict-capacity rejection the value stays in memory for the
// caller and is simply not accounted against the cache.
func (s *shard) promote(e *Handle) {
	sec := e.secHand
	e.setFlag(flagIncomplete, false)
	e.setFlag(flagInCache, true)
	e.setFlag(flagPromoted, true)
	e.value = sec.Value()
	e.charge = sec.Charge()
	e.secHand = nil

	if e.value != nil {
		if _, _, err := s.insertItem(e, true, false); err == nil {
			s.mu.Lock()
			e.unref()
			s.mu.Unlock()
		}
		return
	}
	// The secondary lookup came back empty: don't charge the cache, the
	// metadata is released with the handle.
	s.mu.Lock()
	e.charge = 0
	e.setFlag(flagInCache, false)
	s.mu.Unlock()
}

// applyToSomeEntries visits a chunk of the primary table. state is the
// resumption cursor: the starting hash prefix, advanced by
// averageEntriesPerLock buckets per call, math.MaxUint32 once done. Cursors
// use the upper hash bits so they stay valid across resizes.
func (s *shard) applyToSomeEntries(cb func(key []byte, value any, charge int64, deleter DeleterFn), averageEntriesPerLock uint32, state *uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lengthBits := uint(s.table.lengthBits)
	length := uint32(1) << lengthBits

	indexBegin := *state >> (32 - lengthBits)
	indexEnd := indexBegin + averageEntriesPerLock
	if indexEnd >= length {
		indexEnd = length
		*state = math.MaxUint32
	} else {
		*state = indexEnd << (32 - lengthBits)
	}

	s.table.applyToEntriesRange(func(h *Handle) {
		cb(h.key, h.value, h.charge, h.Deleter())
	}, indexBegin, indexEnd)
}

func (s *shard) getUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *shard) getPinnedUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage - s.lruUsage
}
