package cache

// The LRU list is circular behind the s.lru sentinel: s.lru.next is the
// eviction end (least recent), s.lru.prev the most recent. The list splits
// into a low-priority suffix ending at s.lruLowPri and a high-priority
// prefix nearer the sentinel. Only handles that are in cache, unreferenced,
// and not shadowed by the hot index live here.

// lruRemove detaches e. It is a no-op when e is already off the list, which
// the erase paths rely on for handles the hot index holds.
func (s *shard) lruRemove(e *Handle) {
	if e.next == nil || e.prev == nil {
		return
	}
	if s.lruLowPri == e {
		s.lruLowPri = e.prev
	}
	e.next.prev = e.prev
	e.prev.next = e.next
	e.prev, e.next = nil, nil
	tc := e.totalCharge(s.chargePolicy)
	s.lruUsage -= tc
	if e.inHighPriPool() {
		s.highPriPoolUsage -= tc
	}
}

// lruInsert places e by priority: high-priority or previously-hit handles
// go to the recent end and join the high-priority pool, the rest become the
// new head of the low-priority segment. A no-op when e is already resident.
func (s *shard) lruInsert(e *Handle) {
	if e.next != nil || e.prev != nil {
		return
	}
	tc := e.totalCharge(s.chargePolicy)
	if s.highPriPoolRatio > 0 && (e.isHighPri() || e.hasHit()) {
		e.next = &s.lru
		e.prev = s.lru.prev
		e.prev.next = e
		e.next.prev = e
		e.setFlag(flagInHighPriPool, true)
		s.highPriPoolUsage += tc
		s.maintainPoolSize()
	} else {
		// When highPriPoolRatio is 0 the low-pri head is also the head of
		// the whole list.
		e.next = s.lruLowPri.next
		e.prev = s.lruLowPri
		e.prev.next = e
		e.next.prev = e
		e.setFlag(flagInHighPriPool, false)
		s.lruLowPri = e
	}
	s.lruUsage += tc
}

// maintainPoolSize demotes the oldest high-priority handles into the
// low-priority segment until the pool fits its capacity again.
func (s *shard) maintainPoolSize() {
	for float64(s.highPriPoolUsage) > s.highPriPoolCapacity {
		s.lruLowPri = s.lruLowPri.next
		if s.lruLowPri == &s.lru {
			break
		}
		s.lruLowPri.setFlag(flagInHighPriPool, false)
		s.highPriPoolUsage -= s.lruLowPri.totalCharge(s.chargePolicy)
	}
}

// lruLen counts resident handles. Test helper; requires the shard mutex.
func (s *shard) lruLen() int {
	n := 0
	for e := s.lru.next; e != &s.lru; e = e.next {
		n++
	}
	return n
}
