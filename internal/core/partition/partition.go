// Package partition maps aggregate stream keys onto a fixed set of stripes.
// The engine serializes in-process submits per stripe so hot aggregates queue
// locally instead of burning optimistic retries; correctness never depends on
// the striping.
package partition

import "hash/fnv"

// Count is the fixed number of stripes. Purely an in-process contention
// knob: nothing persistent encodes it.
const Count = 256

// For returns the stripe for a stream key. Stable and deterministic: the
// same key always maps to the same stripe. FNV-32a keeps it cheap on the
// submit path.
func For(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % Count
}
