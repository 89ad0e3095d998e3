package cache

// DeleterFn frees a cached value once its last reference is released.
// Invoked outside all cache locks.
type DeleterFn func(key []byte, value any)

// CreateCallback rebuilds an in-memory value from the bytes a secondary
// tier stored for it, returning the value and its charge.
type CreateCallback func(buf []byte) (value any, charge int64, err error)

// ItemHelper bundles the callbacks a secondary-compatible entry needs:
// SaveTo serializes the value when the entry is demoted to the secondary
// tier, Delete frees it. Entries inserted with a helper instead of a plain
// deleter become eligible for demotion on eviction.
type ItemHelper struct {
	SaveTo func(key []byte, value any) ([]byte, error)
	Delete DeleterFn
}

// SecondaryHandle is an in-flight or completed secondary-tier lookup.
// Value returns nil until the lookup completes (and permanently when it
// failed); Wait blocks for completion.
type SecondaryHandle interface {
	IsReady() bool
	Wait()
	Value() any
	Charge() int64
}

// SecondaryCache is the overflow tier behind the in-memory cache. Evicted
// secondary-compatible entries are offered to Insert; primary misses with a
// helper and create callback consult Lookup. A failed lookup is simply a
// miss. Implementations must be safe for concurrent use.
type SecondaryCache interface {
	Insert(key []byte, value any, helper *ItemHelper) error
	Lookup(key []byte, create CreateCallback, wait bool) SecondaryHandle
	WaitAll(handles []SecondaryHandle)
}
