package cache

// lookup is the read protocol. When the shard's hot index is enabled, the
// key is probed there first under the shared lock; a hit returns without
// touching the LRU list at all (the hot index is the recency proxy for its
// contents). Misses, and shards whose index is disabled, fall back to the
// primary table under the exclusive lock, where the usual LRU reattachment
// and the adaptive controller run. A primary miss may finally consult the
// secondary tier outside every lock.
func (s *shard) lookup(key []byte, hash uint32, helper *ItemHelper, create CreateCallback, pri Priority, wait bool) *Handle {
	var e *Handle
	a := s.adapt

	if s.hotEnabled() && (a.mode == 100 || a.enabled(s.idx)) {
		stripe := s.readerStripe()
		s.rw.RLock()
		e = s.hot.lookup(key, hash, stripe)
		s.rw.RUnlock()

		a.totalHit[s.idx].Add(1)
		if e != nil {
			s.metrics.HotHit()
			s.metrics.Hit()
			return e
		}
		s.metrics.HotMiss()
		// Too many misses means the working set moved on (or the workload
		// is uniform); stop paying for the extra probe.
		if a.mode != 100 && a.noHit[s.idx].Add(1) > a.nSupple[s.idx].Load() {
			a.disable(s.idx)
		}
	}

	s.mu.Lock()
	e = s.table.lookup(key, hash)
	if e != nil {
		if s.hotEnabled() {
			// Virtual counters: what the hot index would have answered had
			// it been consulted. They restart a disabled index.
			a.vTotalHit[s.idx].Add(1)
			if !e.inHotIndex() {
				a.vNoHit[s.idx].Add(1)
			}
		}
		// In-cache with no external references means the handle sits on the
		// LRU; shadowed handles are off it and lruRemove no-ops.
		s.lruRemove(e)
		if !e.inHotIndex() {
			e.ref()
		}
		e.setFlag(flagHasHit, true)
		if s.hotEnabled() {
			s.adaptiveTick(e)
		}
		s.metrics.Hit()
	} else {
		s.metrics.Miss()
	}
	s.mu.Unlock()

	if e != nil || s.secondary == nil || helper == nil || helper.SaveTo == nil || create == nil {
		return e
	}
	return s.lookupSecondary(key, hash, helper, create, pri, wait)
}

// lookupSecondary consults the secondary tier after a primary miss. The
// handle is allocated here, outside all locks; with wait it is promoted
// synchronously, otherwise the caller gets a pending handle to complete via
// IsReady/WaitAll.
func (s *shard) lookupSecondary(key []byte, hash uint32, helper *ItemHelper, create CreateCallback, pri Priority, wait bool) *Handle {
	secHandle := s.secondary.Lookup(key, create, wait)
	if secHandle == nil {
		return nil
	}

	e := &Handle{
		key:     append([]byte(nil), key...),
		hash:    hash,
		helper:  helper,
		secHand: secHandle,
		refs:    1, // the caller's reference; the handle is still private here
	}
	e.stamp.Store(noStamp)
	e.setFlag(flagSecondaryCompatible, true)
	e.setPriority(pri)

	if wait {
		s.promote(e)
		if e.value == nil {
			// The tier returned a handle but the load failed.
			e.refs = 0
			e.free()
			return nil
		}
		s.metrics.SecondaryHit()
		return e
	}
	// The caller releases the handle after probing for success.
	e.setFlag(flagIncomplete, true)
	s.metrics.SecondaryHit()
	return e
}
