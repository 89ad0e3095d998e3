package cache

import (
	"bytes"
	"sync/atomic"
)

// hotKey is a FIFO record of an insertion into the hot index. The queue may
// hold stale keys (the handle can leave the index through other paths), so
// eviction re-checks existence before removing.
type hotKey struct {
	key  []byte
	hash uint32
}

// hotIndex is a fixed-size open-chained table shadowing a subset of the
// primary table's handles. Lookups run under the shard's read lock and
// record references in a striped slot pool instead of touching the
// exclusive-locked refcount; all structural mutation requires the write
// lock. Handles shadowed here are kept off the LRU list.
//
// The slot pool is laid out as capacity×stripes reference counters followed
// by capacity availability flags, one per stamp. A handle with stamp s owns
// slots [s×stripes, (s+1)×stripes); a reader increments one slot in that
// range on a hit and decrements one on release. Only the sum over the range
// is meaningful: remove folds it back into the handle's refcount.
type hotIndex struct {
	lengthBits int
	capacity   int32 // 1 << lengthBits, also the number of stamps
	stripes    int32

	list  []*Handle
	elems uint32

	slots     []atomic.Int64
	availBase int32
	stampHint int32

	fifo     []hotKey
	fifoHead int
}

func newHotIndex(bits, stripes int) *hotIndex {
	capacity := int32(1) << bits
	return &hotIndex{
		lengthBits: bits,
		capacity:   capacity,
		stripes:    int32(stripes),
		list:       make([]*Handle, capacity),
		slots:      make([]atomic.Int64, int(capacity)*stripes+int(capacity)),
		availBase:  capacity * int32(stripes),
	}
}

// halfFull reports whether the index reached its fill target. Insertion
// evicts at half capacity so chains stay short and stamps stay available.
func (hi *hotIndex) halfFull() bool {
	return hi.elems>>(hi.lengthBits-1) > 0 // elems >= capacity/2
}

// lookup finds a handle and records a reference in the caller's stripe.
// Requires the read lock. A concurrent removal can clear the stamp between
// the find and the increment; the removal path folds outstanding slot
// counts into the refcount and saturates at zero, so the stale update only
// shifts which domain carries the count.
func (hi *hotIndex) lookup(key []byte, hash uint32, stripe int32) *Handle {
	h := *hi.findPointer(key, hash)
	if h != nil {
		if s := h.stamp.Load(); s > noStamp && s < hi.capacity {
			hi.slots[s*hi.stripes+stripe].Add(1)
		}
	}
	return h
}

// adjust applies a reference delta to h's slot range. Takes no lock: the
// stamp read races with removal exactly as in lookup, with the same
// fold-and-saturate safety net.
func (hi *hotIndex) adjust(h *Handle, stripe int32, delta int64) {
	if s := h.stamp.Load(); s > noStamp && s < hi.capacity {
		hi.slots[s*hi.stripes+stripe].Add(delta)
	}
}

// insert shadows h in the index. Requires the write lock and a key not
// already present. When the index is at its fill target one FIFO victim is
// evicted first; if every candidate is pinned the insert is refused.
// Returns the evicted handle (for the caller to reattach to the LRU) and
// whether h was inserted.
func (hi *hotIndex) insert(h *Handle) (evicted *Handle, ok bool) {
	if hi.halfFull() {
		evicted = hi.evictFIFO()
	}
	if hi.halfFull() {
		return evicted, false
	}

	ptr := hi.findPointer(h.key, h.hash)
	if *ptr != nil {
		return evicted, false
	}

	stamp := hi.allocStamp()
	if stamp == noStamp {
		return evicted, false
	}

	*ptr = h
	h.nextHot = nil
	hi.elems++
	hi.fifoPush(hotKey{key: h.key, hash: h.hash})
	h.setFlag(flagInHotIndex, true)
	h.stamp.Store(stamp)
	return evicted, true
}

// allocStamp linearly probes the availability flags starting just past the
// last allocation. The index holds at most capacity/2 handles, so a free
// stamp is normally one or two probes away.
func (hi *hotIndex) allocStamp() int32 {
	i := hi.stampHint
	for looped := int32(0); looped < hi.capacity; looped++ {
		i++
		if i >= hi.capacity {
			i = 0
		}
		if hi.slots[hi.availBase+i].Load() == 0 {
			hi.slots[hi.availBase+i].Store(1)
			hi.stampHint = i
			return i
		}
	}
	return noStamp
}

// remove unchains the handle for key. Requires the write lock. The stamp's
// slot range is summed; with dontForce set a non-zero sum (outstanding
// shared-lock readers) refuses the removal and returns nil. Otherwise the
// range is zeroed, the sum is folded into the handle's refcount (saturating
// at zero when a racing release already drained it), and the stamp is freed.
func (hi *hotIndex) remove(key []byte, hash uint32, dontForce bool) *Handle {
	ptr := hi.findPointer(key, hash)
	result := *ptr
	if result == nil {
		return nil
	}
	stamp := result.stamp.Load()
	if stamp <= noStamp || stamp >= hi.capacity {
		return nil
	}

	base := stamp * hi.stripes
	var sum int64
	for i := int32(0); i < hi.stripes; i++ {
		sum += hi.slots[base+i].Load()
	}
	if dontForce && sum != 0 {
		return nil
	}
	for i := int32(0); i < hi.stripes; i++ {
		hi.slots[base+i].Store(0)
	}
	if folded := int64(result.refs) + sum; folded < 0 {
		result.refs = 0
	} else {
		result.refs = uint32(folded)
	}
	result.stamp.Store(noStamp)
	hi.slots[hi.availBase+stamp].Store(0)
	result.setFlag(flagInHotIndex, false)

	*ptr = result.nextHot
	result.nextHot = nil
	hi.elems--
	return result
}

// evictFIFO pops insertion-order candidates until one can be removed
// without force. Pinned candidates are requeued; stale queue records are
// dropped. Bounded to one table's worth of attempts per call.
func (hi *hotIndex) evictFIFO() *Handle {
	for hardLimit := hi.capacity; hi.fifoLen() > 0 && hardLimit > 0; hardLimit-- {
		k := hi.fifoPop()
		if *hi.findPointer(k.key, k.hash) == nil {
			continue
		}
		if result := hi.remove(k.key, k.hash, true); result != nil {
			return result
		}
		hi.fifoPush(k) // still referenced; retry later
	}
	return nil
}

// drain force-removes every resident handle in FIFO order and returns
// them. Requires the write lock. Outstanding shared-lock references are
// folded into each handle's refcount, so a still-read handle comes back
// pinned instead of staying behind (a dont-force drain would never finish:
// primary-path releases can leave slot sums permanently non-zero).
func (hi *hotIndex) drain() []*Handle {
	var drained []*Handle
	for hi.fifoLen() > 0 {
		k := hi.fifoPop()
		if *hi.findPointer(k.key, k.hash) == nil {
			continue
		}
		if h := hi.remove(k.key, k.hash, false); h != nil {
			drained = append(drained, h)
		}
	}
	return drained
}

// refSum returns the outstanding shared-lock reference count for a stamp.
// Requires the write lock.
func (hi *hotIndex) refSum(stamp int32) int64 {
	var sum int64
	for i := int32(0); i < hi.stripes; i++ {
		sum += hi.slots[stamp*hi.stripes+i].Load()
	}
	return sum
}

func (hi *hotIndex) findPointer(key []byte, hash uint32) **Handle {
	ptr := &hi.list[hash>>(32-uint(hi.lengthBits))]
	for *ptr != nil && ((*ptr).hash != hash || !bytes.Equal(key, (*ptr).key)) {
		ptr = &(*ptr).nextHot
	}
	return ptr
}

func (hi *hotIndex) fifoLen() int { return len(hi.fifo) - hi.fifoHead }

func (hi *hotIndex) fifoPush(k hotKey) { hi.fifo = append(hi.fifo, k) }

func (hi *hotIndex) fifoPop() hotKey {
	k := hi.fifo[hi.fifoHead]
	hi.fifo[hi.fifoHead] = hotKey{}
	hi.fifoHead++
	if hi.fifoHead > 32 && hi.fifoHead > len(hi.fifo)/2 {
		n := copy(hi.fifo, hi.fifo[hi.fifoHead:])
		hi.fifo = hi.fifo[:n]
		hi.fifoHead = 0
	}
	return k
}
