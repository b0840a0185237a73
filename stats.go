package tagcache

import "sync/atomic"

// Stats tracks adapter-wide operational indicators, extending the
// teacher's Hits/Misses/Evictions with tag-specific and commit-specific
// counters. A tag-aware façade without visibility into *why* an item
// missed (expired vs. invalid-structure vs. tag-mismatch) is
// operationally unusable.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64 // items scheduled for deletion: invalid structure, expired, or tag-stale
	TagHits    uint64 // tag versions resolved from the tag-version store during a read; memo hits are not counted
	TagMisses  uint64 // stored tag versions that failed validation against the current one
	TagCreated uint64 // tag versions freshly minted by create-if-absent
	Rejected   uint64 // deferred items dropped in commit for missing tag versions
	Retries    uint64 // total retry attempts issued by the Retry Proxy
}

// statsRecorder holds the live counters as atomics rather than behind a
// mutex: §5 says the core itself takes no locks, but Stats() snapshots
// are expected to be read from outside the single logical caller (an
// observability goroutine), so the counters need to be safe for that
// without introducing core-level locking.
type statsRecorder struct {
	hits, misses, evictions, tagHits, tagMisses, tagCreated, rejected, retries uint64
}

func (r *statsRecorder) snapshot() Stats {
	return Stats{
		Hits:       atomic.LoadUint64(&r.hits),
		Misses:     atomic.LoadUint64(&r.misses),
		Evictions:  atomic.LoadUint64(&r.evictions),
		TagHits:    atomic.LoadUint64(&r.tagHits),
		TagMisses:  atomic.LoadUint64(&r.tagMisses),
		TagCreated: atomic.LoadUint64(&r.tagCreated),
		Rejected:   atomic.LoadUint64(&r.rejected),
		Retries:    atomic.LoadUint64(&r.retries),
	}
}

func (r *statsRecorder) addHits(n uint64)       { atomic.AddUint64(&r.hits, n) }
func (r *statsRecorder) addMisses(n uint64)     { atomic.AddUint64(&r.misses, n) }
func (r *statsRecorder) addEvictions(n uint64)  { atomic.AddUint64(&r.evictions, n) }
func (r *statsRecorder) addTagHits(n uint64)    { atomic.AddUint64(&r.tagHits, n) }
func (r *statsRecorder) addTagMisses(n uint64)  { atomic.AddUint64(&r.tagMisses, n) }
func (r *statsRecorder) addTagCreated(n uint64) { atomic.AddUint64(&r.tagCreated, n) }
func (r *statsRecorder) addRejected(n uint64)   { atomic.AddUint64(&r.rejected, n) }
func (r *statsRecorder) addRetries(n uint64)    { atomic.AddUint64(&r.retries, n) }
