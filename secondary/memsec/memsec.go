// Package memsec provides an in-memory secondary cache tier. Demoted
// entries are serialized through their ItemHelper, wrapped in a CBOR
// envelope, and compressed with zstd, so the tier holds many more blocks
// per byte than the primary cache at the cost of a decode on hit.
package memsec

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/cachelab/blockcache/cache"
)

// ErrNoHelper is returned by Insert when the entry carries no serializer.
var ErrNoHelper = errors.New("memsec: entry has no SaveTo helper")

// envelope is the stored record. Charge keeps the uncompressed size so a
// create callback that does not compute its own charge still accounts
// correctly.
type envelope struct {
	Charge  int64  `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// Options configures a Store.
type Options struct {
	// Capacity bounds the compressed bytes held; insertion evicts the
	// oldest records past it. Must be > 0.
	Capacity int64
}

// Stats is a point-in-time snapshot of tier counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Usage     int64
	Entries   int
}

// Store is an in-memory cache.SecondaryCache with FIFO eviction over a
// compressed-byte budget. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	data     map[string][]byte
	order    []string // insertion order; may hold stale keys, checked on evict
	usage    int64
	capacity int64

	enc *zstd.Encoder
	dec *zstd.Decoder

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New constructs a Store with the given byte budget.
func New(opt Options) (*Store, error) {
	if opt.Capacity <= 0 {
		return nil, errors.New("memsec: Capacity must be > 0")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		data:     make(map[string][]byte),
		capacity: opt.Capacity,
		enc:      enc,
		dec:      dec,
	}, nil
}

// Insert serializes and stores the value. Serialization and compression run
// outside the store lock.
func (s *Store) Insert(key []byte, value any, helper *cache.ItemHelper) error {
	if helper == nil || helper.SaveTo == nil {
		return ErrNoHelper
	}
	raw, err := helper.SaveTo(key, value)
	if err != nil {
		return err
	}
	buf, err := cbor.Marshal(envelope{
		Charge:  int64(len(raw)),
		Payload: s.enc.EncodeAll(raw, nil),
	})
	if err != nil {
		return err
	}

	k := string(key)
	s.mu.Lock()
	if old, ok := s.data[k]; ok {
		s.usage -= int64(len(old))
	} else {
		s.order = append(s.order, k)
	}
	s.data[k] = buf
	s.usage += int64(len(buf))
	s.evictLocked()
	s.mu.Unlock()
	return nil
}

// evictLocked drops the oldest records until usage fits the budget.
func (s *Store) evictLocked() {
	for s.usage > s.capacity && len(s.order) > 0 {
		k := s.order[0]
		s.order = s.order[1:]
		old, ok := s.data[k]
		if !ok {
			continue // displaced by a newer insert of the same key
		}
		delete(s.data, k)
		s.usage -= int64(len(old))
		s.evictions.Add(1)
	}
}

// Lookup returns a handle for key or nil on miss. With wait the value is
// rebuilt before returning; otherwise decoding runs in the background and
// the handle completes via IsReady/Wait.
func (s *Store) Lookup(key []byte, create cache.CreateCallback, wait bool) cache.SecondaryHandle {
	if create == nil {
		return nil
	}
	s.mu.Lock()
	buf, ok := s.data[string(key)]
	s.mu.Unlock()
	if !ok {
		s.misses.Add(1)
		return nil
	}
	s.hits.Add(1)

	h := &resultHandle{done: make(chan struct{})}
	if wait {
		h.load(s.dec, buf, create)
		return h
	}
	go h.load(s.dec, buf, create)
	return h
}

// WaitAll blocks until every handle completes.
func (s *Store) WaitAll(handles []cache.SecondaryHandle) {
	var g errgroup.Group
	for _, h := range handles {
		if h == nil {
			continue
		}
		g.Go(func() error {
			h.Wait()
			return nil
		})
	}
	_ = g.Wait()
}

// Stats returns a snapshot of tier counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	usage, entries := s.usage, len(s.data)
	s.mu.Unlock()
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Usage:     usage,
		Entries:   entries,
	}
}

// resultHandle completes once the envelope is decoded and the value
// rebuilt. Publishing (value, charge) happens-before close(done), so reads
// after IsReady/Wait observe the final values.
type resultHandle struct {
	done   chan struct{}
	value  any
	charge int64
}

func (h *resultHandle) load(dec *zstd.Decoder, buf []byte, create cache.CreateCallback) {
	defer close(h.done)
	var env envelope
	if err := cbor.Unmarshal(buf, &env); err != nil {
		return
	}
	raw, err := dec.DecodeAll(env.Payload, nil)
	if err != nil {
		return
	}
	value, charge, err := create(raw)
	if err != nil {
		return
	}
	if charge <= 0 {
		charge = env.Charge
	}
	h.value = value
	h.charge = charge
}

func (h *resultHandle) IsReady() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *resultHandle) Wait() { <-h.done }

// Value returns the rebuilt value, or nil until ready / when the load
// failed. Callers must observe IsReady or Wait first.
func (h *resultHandle) Value() any { return h.value }

func (h *resultHandle) Charge() int64 { return h.charge }

// Compile-time check: ensure Store implements cache.SecondaryCache.
var _ cache.SecondaryCache = (*Store)(nil)
