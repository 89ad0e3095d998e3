// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"github.com/cespare/xxhash/v2"
)

// HashKey hashes an opaque key into the 32-bit space the cache tables index.
// The low bits select a shard and the high bits index within the shard's
// tables, so both halves of the xxhash64 are folded in: the upper 32 bits
// of a 64-bit xxhash are well mixed on their own, XORing the lower half
// keeps short keys from clustering.
func HashKey(key []byte) uint32 {
	h := xxhash.Sum64(key)
	return uint32(h>>32) ^ uint32(h)
}

// HashString is HashKey for string keys without forcing a []byte conversion
// at the call site.
func HashString(key string) uint32 {
	h := xxhash.Sum64String(key)
	return uint32(h>>32) ^ uint32(h)
}
