package tagcache

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// namespacePattern is §6's key-grammar charset for the namespace option.
var namespacePattern = regexp.MustCompile(`^[-+_.A-Za-z0-9]*$`)

// Adapter is the Tag-Aware Core of §4.D: a generic tag-aware cache façade
// over any two Pool backends (one for items, one for tag versions). It
// owns the read path (validate stored tag versions against the current
// ones), the deferred-write lifecycle (stage, commit), and delegates
// stampede mitigation and tag-version bookkeeping to the Retry Proxy and
// Tag-Version Store respectively.
//
// An Adapter is not safe for concurrent use (§5): the deferred-item map
// and the tag memo are driven by a single logical caller. Running
// several Adapters concurrently against
// shared backends is fine; sharing one Adapter across goroutines is not.
type Adapter struct {
	itemPool Pool // wrapped in a *RetryProxy by New
	tagStore *tagStore
	memo     *tagMemo

	namespace  string
	itemPrefix string

	logger *logrus.Logger
	stats  statsRecorder

	deferred map[string]*Item
}

// New builds an Adapter over itemPool and tagPool (§4.D). namespace must
// match the key grammar in §6 or New returns ErrInvalidNamespace; every
// other Option has a workable default (see options.go).
func New(itemPool, tagPool Pool, opts ...Option) (*Adapter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	if !namespacePattern.MatchString(cfg.namespace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, cfg.namespace)
	}

	tagsLifetime := deriveTagsLifetime(cfg.defaultLifetime)

	a := &Adapter{
		namespace:  cfg.namespace,
		itemPrefix: cfg.itemPrefix,
		logger:     cfg.logger,
		deferred:   make(map[string]*Item),
	}
	a.itemPool = NewRetryProxy(itemPool, cfg.retry, cfg.logger, &a.stats)
	a.memo = newTagMemo(cfg.knownTagVersionsTTL)
	a.tagStore = newTagStore(tagPool, cfg.namespace, cfg.tagPrefix, tagsLifetime, cfg.logger, &a.stats)
	return a, nil
}

func (a *Adapter) itemID(key string) string {
	return a.namespace + ":" + a.itemPrefix + key
}

// Stats returns a point-in-time snapshot of operational counters.
func (a *Adapter) Stats() Stats { return a.stats.snapshot() }

// HasItem reports whether key currently resolves to a validated hit,
// without handing the caller the Item (§4.D).
func (a *Adapter) HasItem(ctx context.Context, key string) bool {
	items := a.GetItems(ctx, []string{key})
	it, ok := items[key]
	return ok && it.IsHit()
}

// GetItem is GetItems for a single key.
func (a *Adapter) GetItem(ctx context.Context, key string) *Item {
	return a.GetItems(ctx, []string{key})[key]
}

// GetItems implements §4.D's read path:
//
//  1. If any requested key has a pending deferred write, flush first
//     (read-your-writes, §9).
//  2. Multi-get the packed payloads.
//  3. Unpack each; a payload that fails validity checks or is wall-clock
//     expired is treated as a miss and scheduled for eviction.
//  4. Union the tag names referenced by surviving candidates and resolve
//     them against the tag memo first, falling back to exactly one
//     Tag-Version Store round trip on a memo miss (§4.C). The memo is
//     cleared on Commit, InvalidateTags, and Clear, not here: clearing it
//     at the top of every read would mean no read ever observes a prior
//     read's memo entry, defeating its purpose.
//  5. A candidate is a hit iff every tag version it stored equals the
//     corresponding current version; otherwise it is a stale miss,
//     scheduled for eviction alongside the structurally-invalid ones.
func (a *Adapter) GetItems(ctx context.Context, keys []string) map[string]*Item {
	if len(keys) == 0 {
		return map[string]*Item{}
	}

	for _, k := range keys {
		if _, pending := a.deferred[k]; pending {
			a.Commit(ctx)
			break
		}
	}

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = a.itemID(k)
	}

	payloads, err := a.itemPool.Get(ctx, ids)
	if err != nil {
		a.logger.WithError(err).Warn("tagcache: item pool read failed")
		payloads = nil
	}

	type candidate struct {
		key      string
		id       string
		unpacked unpackedItem
	}

	result := make(map[string]*Item, len(keys))
	var candidates []candidate
	var evictIDs []string
	tagNameSet := make(map[string]struct{})
	now := time.Now()

	for i, k := range keys {
		id := ids[i]
		payload, ok := payloads[id]
		if !ok {
			result[k] = &Item{adapter: a, key: k}
			a.stats.addMisses(1)
			continue
		}

		u, err := unpack(payload)
		if err != nil {
			evictIDs = append(evictIDs, id)
			result[k] = &Item{adapter: a, key: k}
			a.stats.addMisses(1)
			a.stats.addEvictions(1)
			continue
		}

		if u.Expiry != 0 && now.Unix() >= int64(u.Expiry) {
			evictIDs = append(evictIDs, id)
			result[k] = &Item{adapter: a, key: k}
			a.stats.addMisses(1)
			a.stats.addEvictions(1)
			continue
		}

		candidates = append(candidates, candidate{key: k, id: id, unpacked: u})
		for tagName := range u.TagVersions {
			tagNameSet[tagName] = struct{}{}
		}
	}

	currentTagVersions := map[string][]byte{}
	if len(tagNameSet) > 0 {
		tagNames := make([]string, 0, len(tagNameSet))
		for t := range tagNameSet {
			tagNames = append(tagNames, t)
		}
		if cached, ok := a.memo.Lookup(tagNames); ok {
			currentTagVersions = cached
		} else if fetched, err := a.tagStore.GetOrCreate(ctx, tagNames); err == nil {
			a.memo.Store(fetched)
			currentTagVersions = fetched
			a.stats.addTagHits(uint64(len(fetched)))
		}
	}

	for _, c := range candidates {
		hit := true
		for tagName, storedVersion := range c.unpacked.TagVersions {
			currentVersion, ok := currentTagVersions[tagName]
			if !ok || !bytes.Equal(currentVersion, storedVersion) {
				hit = false
				a.stats.addTagMisses(1)
				break
			}
		}

		item := &Item{adapter: a, key: c.key}
		if hit {
			item.value = c.unpacked.Value
			item.isHit = true
			item.tagVersions = c.unpacked.TagVersions
			if c.unpacked.Expiry != 0 {
				item.expiry = time.Unix(int64(c.unpacked.Expiry), 0)
			}
			a.stats.addHits(1)
		} else {
			evictIDs = append(evictIDs, c.id)
			a.stats.addMisses(1)
			a.stats.addEvictions(1)
		}
		result[c.key] = item
	}

	if len(evictIDs) > 0 {
		if err := a.itemPool.Delete(ctx, evictIDs); err != nil {
			a.logger.WithError(err).Warn("tagcache: best-effort eviction delete failed")
		}
	}

	return result
}

// SaveDeferred stages item for the next Commit (§4.D). It rejects items
// not produced by this adapter (ErrInvalidItemKind, §7).
func (a *Adapter) SaveDeferred(item *Item) (bool, error) {
	if item == nil || item.adapter != a {
		return false, ErrInvalidItemKind
	}
	item.state = stateStaged
	a.deferred[item.key] = item
	return true, nil
}

// Save stages item and immediately commits it (§4.D).
func (a *Adapter) Save(ctx context.Context, item *Item) (bool, error) {
	if _, err := a.SaveDeferred(item); err != nil {
		return false, err
	}
	return a.Commit(ctx), nil
}

// Commit implements §4.D's write path over every currently deferred item:
//
//  1. Union the tags attached across all deferred items and resolve them
//     with exactly one Tag-Version Store round trip: the single ordering
//     point that makes a batch of tagged writes atomic with respect to a
//     concurrent invalidate_tags (§4.D, §9).
//  2. An item whose tags did not all resolve (get_or_create returned fewer
//     entries than requested) is rejected, never partially written.
//  3. Surviving items run their deferred value function, if any, with its
//     wall-clock runtime folded into ctime.
//  4. Pack and persist; any failure along the way drops that item without
//     aborting the rest of the batch.
//  5. Clear the tag memo so the next read observes fresh tag state.
//
// Commit reports true only if every deferred item was persisted.
func (a *Adapter) Commit(ctx context.Context) bool {
	if len(a.deferred) == 0 {
		return true
	}

	items := a.deferred
	a.deferred = make(map[string]*Item)
	defer a.memo.Clear()

	tagNameSet := make(map[string]struct{})
	for _, it := range items {
		for t := range it.tags {
			tagNameSet[t] = struct{}{}
		}
	}

	tagVersions := map[string][]byte{}
	if len(tagNameSet) > 0 {
		names := make([]string, 0, len(tagNameSet))
		for t := range tagNameSet {
			names = append(names, t)
		}
		if fetched, err := a.tagStore.GetOrCreate(ctx, names); err == nil {
			tagVersions = fetched
		}
	}

	allOK := true
	for key, it := range items {
		if !a.commitOne(ctx, key, it, tagVersions) {
			allOK = false
		}
	}
	return allOK
}

// commitOne drives a single deferred item through TagsAcquired ->
// Computed -> Packed -> Persisted, or to Rejected/Dropped.
func (a *Adapter) commitOne(ctx context.Context, key string, it *Item, tagVersions map[string][]byte) bool {
	staged := it.Tags()
	resolved := make(map[string][]byte, len(staged))
	for _, t := range staged {
		v, ok := tagVersions[t]
		if !ok {
			it.state = stateRejected
			a.stats.addRejected(1)
			return false
		}
		resolved[t] = v
	}
	it.state = stateTagsAcquired
	it.tagVersions = resolved

	value := it.value
	if it.valueFunc != nil {
		start := time.Now()
		v, err := it.valueFunc()
		it.ctime += time.Since(start)
		if err != nil {
			it.state = stateDropped
			a.logger.WithError(err).WithField("key", key).Warn("tagcache: value function failed, dropping item")
			return false
		}
		value = v
	}
	it.state = stateComputed

	var expiryU32 uint32
	if !it.expiry.IsZero() {
		expiryU32 = uint32(it.expiry.Unix())
	}
	ctimeMillis, err := packableMillis(it.ctime)
	if err != nil {
		a.logger.WithError(err).WithField("key", key).Warn("tagcache: ctime exceeds packable range, clamping")
	}

	payload, err := pack(value, resolved, expiryU32, ctimeMillis)
	if err != nil {
		it.state = stateDropped
		a.logger.WithError(err).WithField("key", key).Warn("tagcache: pack failed, dropping item")
		return false
	}
	it.state = statePacked

	var ttl time.Duration
	if !it.expiry.IsZero() {
		ttl = time.Until(it.expiry)
	}
	if err := a.itemPool.Set(ctx, a.itemID(key), payload, ttl); err != nil {
		it.state = stateDropped
		a.logger.WithError(err).WithField("key", key).Warn("tagcache: item pool write failed")
		return false
	}
	it.state = statePersisted
	return true
}

// packableMillis converts d into the packable ctime range, clamping to
// math.MaxUint32 and returning ErrCtimeOverflow when d would not fit
// (§9, ~49.7 days).
func packableMillis(d time.Duration) (uint32, error) {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0, nil
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32, ErrCtimeOverflow
	}
	return uint32(ms), nil
}

// DeleteItem removes key immediately, discarding any pending deferred
// write for it (§4.D).
func (a *Adapter) DeleteItem(ctx context.Context, key string) bool {
	return a.DeleteItems(ctx, []string{key})
}

// DeleteItems removes every key in keys, discarding any pending deferred
// writes for them.
func (a *Adapter) DeleteItems(ctx context.Context, keys []string) bool {
	for _, k := range keys {
		delete(a.deferred, k)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = a.itemID(k)
	}
	if err := a.itemPool.Delete(ctx, ids); err != nil {
		a.logger.WithError(err).Warn("tagcache: item pool delete failed")
		return false
	}
	return true
}

// InvalidateTags deletes the given tags' version records (§4.D), so that
// any item stamped with one of them can no longer validate as a hit.
func (a *Adapter) InvalidateTags(ctx context.Context, tags []string) bool {
	a.memo.Clear()
	return a.tagStore.Delete(ctx, tags) == nil
}

// Clear discards deferred items whose key has the given prefix (all of
// them, for an empty prefix) and forwards to the backing item pool's
// Clear. A non-empty prefix is only forwarded as a true targeted prefix
// clear if the pool advertises PrefixClearer support; otherwise it
// degrades to a full pool clear (§4.D, §6).
func (a *Adapter) Clear(ctx context.Context, prefix string) bool {
	for k := range a.deferred {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			delete(a.deferred, k)
		}
	}
	a.memo.Clear()

	clearKey := a.namespace + ":" + a.itemPrefix + prefix
	if prefix != "" {
		if pc, ok := a.itemPool.(PrefixClearer); !ok || !pc.SupportsPrefixClear() {
			clearKey = ""
		}
	}
	if err := a.itemPool.Clear(ctx, clearKey); err != nil {
		a.logger.WithError(err).Warn("tagcache: item pool clear failed")
		return false
	}
	return true
}
