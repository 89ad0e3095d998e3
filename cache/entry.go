package cache

import (
	"sync/atomic"
	"unsafe"
)

// noStamp marks a handle that owns no hot-index slot.
const noStamp = int32(-1)

// Handle flag bits. The flag word is atomic because the Release fast path
// and hot-index readers inspect it without holding the shard mutex.
const (
	flagInCache uint32 = 1 << iota
	flagHighPri
	flagInHighPriPool
	flagHasHit
	flagSecondaryCompatible
	flagPromoted
	flagIncomplete
	flagInHotIndex
)

// Handle is the per-item record. It lives in the shard's primary table, may
// additionally be chained into the hot index, and sits on the LRU list only
// while it is in cache, unreferenced, and not shadowed by the hot index.
//
// Mutable fields other than the flag word and the stamp are guarded by the
// shard mutex; key, hash, deleter and helper are immutable after creation.
type Handle struct {
	value  any
	key    []byte
	hash   uint32
	charge int64

	deleter DeleterFn
	helper  *ItemHelper
	secHand SecondaryHandle

	// refs counts external references handed out by the exclusive-locked
	// paths. References taken through the hot index live in its slot pool
	// and are folded into refs when the handle leaves the index.
	refs uint32

	next, prev *Handle // LRU links; both nil iff off the list
	nextHash   *Handle // primary-table bucket chain
	nextHot    *Handle // hot-index bucket chain

	flags atomic.Uint32
	stamp atomic.Int32 // hot-index slot stamp; noStamp when not shadowed
}

// handleMetadataCharge approximates the heap footprint of the record itself
// for the full metadata charge policy.
const handleMetadataCharge = int64(unsafe.Sizeof(Handle{}))

// Key returns the handle's key. Callers must treat it as read-only.
func (h *Handle) Key() []byte { return h.key }

// Hash returns the key's 32-bit hash.
func (h *Handle) Hash() uint32 { return h.hash }

// Value returns the cached value. For a pending handle the value is nil
// until the secondary lookup completes (see Cache.IsReady and WaitAll).
func (h *Handle) Value() any { return h.value }

// Charge returns the byte cost the entry contributes to shard usage.
func (h *Handle) Charge() int64 { return h.charge }

// Deleter returns the function that will free the value.
func (h *Handle) Deleter() DeleterFn {
	if h.isSecondaryCompatible() && h.helper != nil {
		return h.helper.Delete
	}
	return h.deleter
}

func (h *Handle) setFlag(bit uint32, on bool) {
	if on {
		h.flags.Or(bit)
	} else {
		h.flags.And(^bit)
	}
}

func (h *Handle) hasFlag(bit uint32) bool { return h.flags.Load()&bit != 0 }

func (h *Handle) inCache() bool               { return h.hasFlag(flagInCache) }
func (h *Handle) isHighPri() bool             { return h.hasFlag(flagHighPri) }
func (h *Handle) inHighPriPool() bool         { return h.hasFlag(flagInHighPriPool) }
func (h *Handle) hasHit() bool                { return h.hasFlag(flagHasHit) }
func (h *Handle) isSecondaryCompatible() bool { return h.hasFlag(flagSecondaryCompatible) }
func (h *Handle) isPromoted() bool            { return h.hasFlag(flagPromoted) }
func (h *Handle) isPending() bool             { return h.hasFlag(flagIncomplete) }
func (h *Handle) inHotIndex() bool            { return h.hasFlag(flagInHotIndex) }

func (h *Handle) setPriority(p Priority) { h.setFlag(flagHighPri, p == PriorityHigh) }

func (h *Handle) hasRefs() bool { return h.refs > 0 }

func (h *Handle) ref() { h.refs++ }

// unref drops one reference and reports whether it was the last. A handle
// that already reached zero stays at zero, so releasing twice reports
// "last" exactly once.
func (h *Handle) unref() bool {
	if h.refs == 0 {
		return false
	}
	h.refs--
	return h.refs == 0
}

func (h *Handle) totalCharge(p ChargePolicy) int64 {
	if p == FullChargeMetadata {
		return h.charge + int64(len(h.key)) + handleMetadataCharge
	}
	return h.charge
}

// free invokes the client deleter. Only the path that observed the last
// reference leave the cache may call it, and only outside all shard locks.
func (h *Handle) free() {
	if h.isSecondaryCompatible() {
		if h.helper != nil && h.helper.Delete != nil && h.value != nil {
			h.helper.Delete(h.key, h.value)
		}
		return
	}
	if h.deleter != nil {
		h.deleter(h.key, h.value)
	}
}
