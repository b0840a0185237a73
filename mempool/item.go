package mempool

import "time"

// entry is a single pool record: an opaque byte-string value plus an
// optional absolute expiration. Every cache key, item payloads and
// tag-version tokens alike, maps to one of these; mempool doesn't
// distinguish between the two, that distinction lives entirely in the
// caller's key namespace (§6).
type entry struct {
	key        string
	value      []byte
	expiration int64 // UnixNano; 0 means "no expiry, never evicted on time"
}

// setTTL recomputes the absolute expiration from a relative TTL. ttl <= 0
// clears the expiry (the entry never time-expires).
func (e *entry) setTTL(ttl time.Duration) {
	if ttl > 0 {
		e.expiration = time.Now().Add(ttl).UnixNano()
	} else {
		e.expiration = 0
	}
}

// Expired reports whether the entry's TTL, if any, has passed.
func (e *entry) Expired() bool {
	if e.expiration == 0 {
		return false
	}
	return time.Now().UnixNano() > e.expiration
}
