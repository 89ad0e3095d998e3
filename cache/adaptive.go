package cache

import (
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cachelab/blockcache/internal/util"
)

// adaptive is the cross-shard controller state. Every shard owns one padded
// slot per array; hit rates and medians are read across shards without any
// shared lock, so all slots are atomic. Recomputation runs under the owning
// shard's mu and rw write lock every nLimit primary hits.
type adaptive struct {
	mode      int // percentile knob; 0 disables the hot index, 100 forces it
	flushMode int // percentile below which a shard's index is drained; 0 never
	nLimit    int64
	numShards int

	log      *zap.Logger
	logEvery *rate.Sometimes

	n         []util.PaddedAtomicInt64 // primary hits since the last recompute
	totalHit  []util.PaddedAtomicInt64 // hot-index probes
	noHit     []util.PaddedAtomicInt64 // hot-index misses
	vTotalHit []util.PaddedAtomicInt64 // primary hits (virtual probe count)
	vNoHit    []util.PaddedAtomicInt64 // primary hits that missed the index
	hitRate   []util.PaddedAtomicInt64
	skipHit   []util.PaddedAtomicInt64 // per-shard skip median
	flushHit  []util.PaddedAtomicInt64 // per-shard flush median
	nSupple   []util.PaddedAtomicInt64 // miss budget before disabling
	state     []util.PaddedAtomicBool  // per-shard index enablement
}

func newAdaptive(mode, flushMode int, nLimit int64, numShards int, log *zap.Logger) *adaptive {
	if log == nil {
		log = zap.NewNop()
	}
	return &adaptive{
		mode:      mode,
		flushMode: flushMode,
		nLimit:    nLimit,
		numShards: numShards,
		log:       log,
		logEvery:  &rate.Sometimes{First: 4, Interval: time.Minute},
		n:         make([]util.PaddedAtomicInt64, numShards),
		totalHit:  make([]util.PaddedAtomicInt64, numShards),
		noHit:     make([]util.PaddedAtomicInt64, numShards),
		vTotalHit: make([]util.PaddedAtomicInt64, numShards),
		vNoHit:    make([]util.PaddedAtomicInt64, numShards),
		hitRate:   make([]util.PaddedAtomicInt64, numShards),
		skipHit:   make([]util.PaddedAtomicInt64, numShards),
		flushHit:  make([]util.PaddedAtomicInt64, numShards),
		nSupple:   make([]util.PaddedAtomicInt64, numShards),
		state:     make([]util.PaddedAtomicBool, numShards),
	}
}

func (a *adaptive) enabled(i int) bool { return a.state[i].Load() }

func (a *adaptive) disable(i int) {
	if a.state[i].CompareAndSwap(true, false) {
		a.logEvery.Do(func() {
			a.log.Debug("hot index disabled on miss budget", zap.Int("shard", i))
		})
	}
}

// adaptiveTick advances the controller by one primary hit. Requires mu.
// Every nLimit hits the owning shard recomputes its hit rate and the
// cross-shard medians under the rw write lock.
func (s *shard) adaptiveTick(e *Handle) {
	a := s.adapt
	if a.n[s.idx].Add(1) <= a.nLimit {
		return
	}
	s.rw.Lock()
	if a.n[s.idx].Load() > a.nLimit {
		a.n[s.idx].Store(0)
		s.recomputeLocked(e)
	}
	s.rw.Unlock()
}

// recomputeLocked runs the controller: refresh this shard's hit rate, sort
// all shards' rates, derive the skip/flush thresholds, flush or refill the
// hot index, and decide enablement. Requires mu and the rw write lock.
func (s *shard) recomputeLocked(e *Handle) {
	a, i := s.adapt, s.idx

	// Rate from whichever counter family saw more traffic: the real
	// counters when the index served reads, the virtual ones while it was
	// disabled or skipped.
	total, no := a.totalHit[i].Load(), a.noHit[i].Load()
	vTotal, vNo := a.vTotalHit[i].Load(), a.vNoHit[i].Load()
	var hitRate int64
	if total > vTotal {
		if total > 0 {
			hitRate = 100 - no*100/total
		}
	} else if vTotal > 0 {
		hitRate = 100 - vNo*100/vTotal
	}
	a.hitRate[i].Store(hitRate)

	sorted := make([]int64, a.numShards)
	for j := range sorted {
		sorted[j] = a.hitRate[j].Load()
	}
	slices.Sort(sorted)
	// Averaging the percentile with the knob keeps the threshold meaningful
	// when every shard runs a low hit rate.
	skipMedian := (sorted[(a.numShards-1)*a.mode/100] + int64(a.mode)) / 2
	flushMedian := (sorted[(a.numShards-1)*a.flushMode/100] + int64(a.flushMode)) / 2
	a.skipHit[i].Store(skipMedian)
	a.flushHit[i].Store(flushMedian)

	// A skewed workload updates some shards rarely and an unstable one
	// makes every recompute fluctuate; averaging all shards' medians damps
	// both errors.
	var avgSkip, avgFlush int64
	for j := 0; j < a.numShards; j++ {
		avgSkip += a.skipHit[j].Load()
		avgFlush += a.flushHit[j].Load()
	}
	avgSkip /= int64(a.numShards)
	avgFlush /= int64(a.numShards)
	a.nSupple[i].Store(a.nLimit * avgSkip / 100)

	if a.flushMode != 0 && hitRate < avgFlush {
		// The index is mostly missing: drain it back onto the LRU. Handles
		// whose folded refcount shows outstanding readers rejoin the list
		// on their final release instead.
		drained := s.hot.drain()
		for _, evicted := range drained {
			if evicted.inCache() && !evicted.hasRefs() {
				s.lruInsert(evicted)
			}
		}
		if flushed := len(drained); flushed > 0 {
			s.metrics.HotFlush()
			a.logEvery.Do(func() {
				a.log.Debug("hot index flushed",
					zap.Int("shard", i),
					zap.Int("entries", flushed),
					zap.Int64("hit_rate", hitRate))
			})
		}
	}

	if !e.inHotIndex() && e.inCache() {
		s.hotInsertLocked(e)
	}
	// Refill from the cold end of the LRU until the index reaches its fill
	// target or the list runs out; refilled handles leave the list.
	refilled := 0
	for !s.hot.halfFull() && s.lru.next != &s.lru {
		t := s.lru.next
		s.lruRemove(t)
		if !s.hotInsertLocked(t) {
			s.lruInsert(t)
			break
		}
		refilled++
	}
	if refilled > 0 {
		s.metrics.HotRefill(refilled)
	}

	if hitRate > avgSkip {
		if !a.state[i].Load() {
			a.logEvery.Do(func() {
				a.log.Debug("hot index enabled",
					zap.Int("shard", i),
					zap.Int64("hit_rate", hitRate),
					zap.Int64("skip_threshold", avgSkip))
			})
		}
		a.state[i].Store(true)
	}

	a.noHit[i].Store(0)
	a.totalHit[i].Store(0)
	a.vNoHit[i].Store(0)
	a.vTotalHit[i].Store(0)
}
