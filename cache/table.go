package cache

import "bytes"

// handleTable is the open-chained primary hash table of a shard. Buckets are
// indexed by the top bits of the hash so that iteration cursors survive a
// resize. Since each cached block is fairly large, the table resizes to keep
// the average chain length at most one.
//
// All methods require the shard mutex.
type handleTable struct {
	lengthBits    int
	list          []*Handle
	elems         uint32
	maxLengthBits int
}

const initialLengthBits = 4

func newHandleTable(maxUpperHashBits int) handleTable {
	return handleTable{
		lengthBits:    initialLengthBits,
		list:          make([]*Handle, 1<<initialLengthBits),
		maxLengthBits: maxUpperHashBits,
	}
}

func (t *handleTable) lookup(key []byte, hash uint32) *Handle {
	return *t.findPointer(key, hash)
}

// insert chains h, replacing and returning any existing handle with the
// same key (nil otherwise).
func (t *handleTable) insert(h *Handle) *Handle {
	ptr := t.findPointer(h.key, h.hash)
	old := *ptr
	if old != nil {
		h.nextHash = old.nextHash
		old.nextHash = nil
	} else {
		h.nextHash = nil
	}
	*ptr = h
	if old == nil {
		t.elems++
		if t.elems>>t.lengthBits > 0 { // elems >= length
			t.resize()
		}
	}
	return old
}

func (t *handleTable) remove(key []byte, hash uint32) *Handle {
	ptr := t.findPointer(key, hash)
	result := *ptr
	if result != nil {
		*ptr = result.nextHash
		result.nextHash = nil
		t.elems--
	}
	return result
}

// findPointer walks the bucket chain and returns the slot holding the
// matching handle, or the nil tail slot where it would be chained.
func (t *handleTable) findPointer(key []byte, hash uint32) **Handle {
	ptr := &t.list[hash>>(32-uint(t.lengthBits))]
	for *ptr != nil && ((*ptr).hash != hash || !bytes.Equal(key, (*ptr).key)) {
		ptr = &(*ptr).nextHash
	}
	return ptr
}

func (t *handleTable) resize() {
	if t.lengthBits >= t.maxLengthBits {
		// The hash carries no more index information; a bigger table would
		// only spread the same buckets thinner.
		return
	}
	if t.lengthBits >= 31 {
		return
	}

	oldLength := uint32(1) << t.lengthBits
	newLengthBits := t.lengthBits + 1
	newList := make([]*Handle, 1<<newLengthBits)
	for i := uint32(0); i < oldLength; i++ {
		h := t.list[i]
		for h != nil {
			next := h.nextHash
			ptr := &newList[h.hash>>(32-uint(newLengthBits))]
			h.nextHash = *ptr
			*ptr = h
			h = next
		}
	}
	t.list = newList
	t.lengthBits = newLengthBits
}

// applyToEntriesRange invokes fn on every handle chained into buckets
// [indexBegin, indexEnd).
func (t *handleTable) applyToEntriesRange(fn func(*Handle), indexBegin, indexEnd uint32) {
	for i := indexBegin; i < indexEnd; i++ {
		for h := t.list[i]; h != nil; h = h.nextHash {
			fn(h)
		}
	}
}
