package mempool

// Stats tracks pool-level operational indicators: Hits/Misses from Get,
// Evictions from LRU capacity pressure. Fields are mutated under Pool's
// own lock; Stats() returns a consistent snapshot under the read lock.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}
