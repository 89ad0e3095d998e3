package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHotTestHandle(key string) *Handle {
	h := newTestHandle(key, 1)
	return h
}

func TestHotIndex_InsertAllocatesStamp(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(4, 2) // 16 buckets, fill target 8, 2 stripes
	e := newHotTestHandle("a")

	_, ok := hi.insert(e)
	require.True(t, ok)
	require.True(t, e.inHotIndex())

	stamp := e.stamp.Load()
	require.GreaterOrEqual(t, stamp, int32(0))
	require.Less(t, stamp, hi.capacity)
	assert.EqualValues(t, 1, hi.slots[hi.availBase+stamp].Load(), "availability flag must be set")
	assert.EqualValues(t, 1, hi.elems)
}

func TestHotIndex_LookupCountsStripedRefs(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(4, 4)
	e := newHotTestHandle("a")
	_, ok := hi.insert(e)
	require.True(t, ok)
	stamp := e.stamp.Load()

	// Hits from different stripes all land in the same stamp range.
	require.Same(t, e, hi.lookup(e.key, e.hash, 0))
	require.Same(t, e, hi.lookup(e.key, e.hash, 3))
	require.Same(t, e, hi.lookup(e.key, e.hash, 3))
	assert.EqualValues(t, 3, hi.refSum(stamp))

	// A release may use a different stripe than its acquire; only the sum
	// matters.
	hi.adjust(e, 1, -1)
	assert.EqualValues(t, 2, hi.refSum(stamp))
}

// Removal with dontForce must refuse while readers are outstanding, and a
// forced removal must fold the slot sum into the refcount and clear the
// whole slot range, reconciling the two reference domains.
func TestHotIndex_RemoveFoldsSlotRefs(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(4, 4)
	e := newHotTestHandle("a")
	e.refs = 2 // simulated external references
	_, ok := hi.insert(e)
	require.True(t, ok)
	stamp := e.stamp.Load()

	hi.lookup(e.key, e.hash, 0)
	hi.lookup(e.key, e.hash, 2)
	hi.lookup(e.key, e.hash, 3)

	require.Nil(t, hi.remove(e.key, e.hash, true), "dontForce must refuse a referenced entry")
	require.True(t, e.inHotIndex(), "refused removal must leave the entry in place")

	got := hi.remove(e.key, e.hash, false)
	require.Same(t, e, got)
	assert.EqualValues(t, 5, e.refs, "pre-remove refs plus folded slot sum")
	assert.EqualValues(t, noStamp, e.stamp.Load())
	assert.False(t, e.inHotIndex())
	assert.EqualValues(t, 0, hi.refSum(stamp))
	assert.EqualValues(t, 0, hi.slots[hi.availBase+stamp].Load(), "stamp must be freed")
	assert.Nil(t, *hi.findPointer(e.key, e.hash))
}

// A release without a matching shared-lock acquire (as when a primary-path
// hit of a shadowed handle is released) drives the slot sum negative; the
// fold on removal must saturate at zero instead of underflowing.
func TestHotIndex_FoldSaturatesAtZero(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(4, 2)
	e := newHotTestHandle("a")
	_, ok := hi.insert(e)
	require.True(t, ok)

	hi.adjust(e, 0, -1) // release without a matching shared-lock acquire
	got := hi.remove(e.key, e.hash, false)
	require.Same(t, e, got)
	assert.EqualValues(t, 0, e.refs)
}

func TestHotIndex_EvictFIFOOrderAndRequeue(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(3, 2) // 8 buckets, fill target 4
	var entries []*Handle
	for i := 0; i < 4; i++ {
		e := newHotTestHandle(fmt.Sprintf("k%d", i))
		_, ok := hi.insert(e)
		require.True(t, ok)
		entries = append(entries, e)
	}
	require.True(t, hi.halfFull())

	// Pin the oldest; FIFO eviction must skip it and take the second.
	hi.lookup(entries[0].key, entries[0].hash, 0)
	evicted := hi.evictFIFO()
	require.Same(t, entries[1], evicted)
	assert.True(t, entries[0].inHotIndex(), "pinned entry must be requeued, not evicted")
	assert.False(t, entries[1].inHotIndex())

	// Releasing the pin makes the oldest evictable again.
	hi.adjust(entries[0], 1, -1)
	require.Same(t, entries[2], hi.evictFIFO(), "requeue moved k0 behind k2/k3")
}

// Insertion at the fill target evicts one candidate first; when every
// candidate is pinned the insert must be refused and the index left as-is.
func TestHotIndex_InsertBlockedWhenAllPinned(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(3, 2)
	for i := 0; i < 4; i++ {
		e := newHotTestHandle(fmt.Sprintf("k%d", i))
		_, ok := hi.insert(e)
		require.True(t, ok)
		hi.lookup(e.key, e.hash, 0) // pin
	}

	extra := newHotTestHandle("extra")
	evicted, ok := hi.insert(extra)
	assert.False(t, ok)
	assert.Nil(t, evicted)
	assert.False(t, extra.inHotIndex())
	assert.EqualValues(t, 4, hi.elems)
}

func TestHotIndex_StaleFIFORecordsAreDropped(t *testing.T) {
	t.Parallel()

	hi := newHotIndex(3, 2)
	a := newHotTestHandle("a")
	b := newHotTestHandle("b")
	_, _ = hi.insert(a)
	_, _ = hi.insert(b)

	// Remove a through another path; its FIFO record goes stale.
	require.Same(t, a, hi.remove(a.key, a.hash, false))
	require.Same(t, b, hi.evictFIFO(), "stale record for a must be skipped")
}
