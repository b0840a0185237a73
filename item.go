package tagcache

import "time"

// itemState is the deferred Cache Item lifecycle from §4.D:
//
//	Staged -> (TagsAcquired | Rejected) -> (Computed -> Packed -> Persisted) | Dropped
//
// Persisted, Dropped and Rejected are terminal.
type itemState int

const (
	stateStaged itemState = iota
	stateTagsAcquired
	stateRejected
	stateComputed
	statePacked
	statePersisted
	stateDropped
)

// ValueFunc is a deferred value producer (§9 "Deferred value function").
// The core invokes it only after tag-version acquisition succeeds for
// every tag attached to the item, and adds its wall-clock runtime to the
// item's ctime.
type ValueFunc func() (interface{}, error)

// Item is the in-memory Cache Item of §3: a transient object carrying a
// key, a value (populated on read or staged for write), a hit flag,
// metadata, and an optional deferred value function. It is created by
// Adapter.GetItem/GetItems, populated by the caller, and handed to
// Save/SaveDeferred.
//
// An Item is not safe for concurrent use; like the adapter itself, it is
// meant to be driven by a single logical caller (§5).
type Item struct {
	adapter *Adapter // origin adapter, used to reject foreign items (§7)

	key   string
	value interface{}
	isHit bool

	expiry time.Time     // zero value means "no expiry metadata"
	ctime  time.Duration // accumulated value-function runtime, packed as ctime (§9)

	tags        map[string]struct{} // staged tag names for the next save
	tagVersions map[string][]byte   // versions observed (read) or resolved (write)

	valueFunc ValueFunc
	state     itemState
}

// Key returns the item's user-facing key.
func (i *Item) Key() string { return i.key }

// Get returns the item's current value. For an item returned by GetItem
// this is the stored value on a hit, or nil on a miss.
func (i *Item) Get() interface{} { return i.value }

// IsHit reports whether a read produced this item as a validated hit
// (§3 invariants): payload parsed, not wall-clock expired, and every
// stored tag version matches the tag store's current version.
func (i *Item) IsHit() bool { return i.isHit }

// Set stages a new value to persist on Save/SaveDeferred + commit.
func (i *Item) Set(value interface{}) *Item {
	i.value = value
	return i
}

// SetValueFunc stages a deferred producer (§9). The core calls it during
// commit, after tag-version acquisition, and only if acquisition
// succeeded for every tag this item carries.
func (i *Item) SetValueFunc(fn ValueFunc) *Item {
	i.valueFunc = fn
	return i
}

// Tag attaches one or more tag names to the item for the next save. Tags
// accumulate across calls.
func (i *Item) Tag(tags ...string) *Item {
	if i.tags == nil {
		i.tags = make(map[string]struct{}, len(tags))
	}
	for _, t := range tags {
		i.tags[t] = struct{}{}
	}
	return i
}

// Tags returns the currently staged tag names.
func (i *Item) Tags() []string {
	out := make([]string, 0, len(i.tags))
	for t := range i.tags {
		out = append(out, t)
	}
	return out
}

// ComputeDuration returns the accumulated wall-clock time spent inside the
// item's deferred value function during commit (0 for an item whose value
// was set directly, or for an item not yet committed).
func (i *Item) ComputeDuration() time.Duration { return i.ctime }

// ExpiresAt stages an absolute expiry.
func (i *Item) ExpiresAt(t time.Time) *Item {
	i.expiry = t
	return i
}

// ExpiresAfter stages a relative expiry. A zero or negative duration
// clears the expiry metadata (item never wall-clock-expires).
func (i *Item) ExpiresAfter(d time.Duration) *Item {
	if d <= 0 {
		i.expiry = time.Time{}
		return i
	}
	i.expiry = time.Now().Add(d)
	return i
}
