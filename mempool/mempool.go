// Package mempool is an in-memory implementation of tagcache.Pool,
// adapted from a plain LRU+TTL map cache into the create-if-absent /
// multi-get / prefix-clear contract the tag-aware adapter needs from both
// its item pool and its tag-version pool (§6).
//
// It combines two data structures:
//
//  1. Hash Map (map[string]*list.Element) for O(1) key lookup.
//  2. Doubly linked list (*list.List) for LRU ordering: most recently
//     used entries move to the front, oldest remain at the back for
//     eviction.
//
// A sync.RWMutex protects all shared state; write paths (Set,
// SetIfAbsent, Delete, eviction, active expiration) take the exclusive
// lock, and so does Get, since it reorders the LRU list, updates the
// counters and may drop expired entries. Only Stats takes the shared one.
//
// Expiration is dual: lazy (checked on Get) and active (a background
// janitor goroutine sweeps expired entries on an interval, when
// configured). This is the same model the source cache used for plain
// TTL; it applies unchanged to tagged items and to tag-version records,
// since both are just byte strings under a key as far as this package is
// concerned.
package mempool

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbelyshkin/tagcache"
)

// Pool is a thread-safe, in-memory key/value store satisfying
// tagcache.Pool, tagcache.PrefixClearer and tagcache.Pipeliner.
type Pool struct {
	data       map[string]*list.Element
	lru        *list.List // each element's Value is a *entry
	mu         sync.RWMutex
	maxEntries int
	interval   time.Duration
	stopChan   chan struct{}
	stats      Stats
}

// New initializes and returns a configured Pool, applying the functional
// options, then starting the background janitor if a cleanup interval
// was configured. With no interval, the pool relies solely on lazy
// expiration.
func New(opts ...Option) *Pool {
	p := &Pool{
		data:     make(map[string]*list.Element),
		lru:      list.New(),
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.startJanitor()

	return p
}

// Get is a multi-get: keys absent or expired are simply missing from the
// returned map (§6 Pool contract).
func (p *Pool) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		elem, found := p.data[key]
		if !found {
			p.stats.Misses++
			continue
		}
		e := elem.Value.(*entry)
		if e.Expired() {
			p.removeElement(elem)
			p.stats.Misses++
			continue
		}
		p.lru.MoveToFront(elem)
		p.stats.Hits++
		out[key] = e.value
	}
	return out, nil
}

// Set unconditionally writes key, evicting the LRU tail first if the
// pool is at capacity and key is new.
func (p *Pool) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLocked(key, value, ttl)
	return nil
}

// SetIfAbsent is the atomic create-if-absent primitive the tag-version
// store relies on. It returns true only when this call actually created
// the key; an existing, unexpired entry is left untouched.
func (p *Pool) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, found := p.data[key]; found {
		e := elem.Value.(*entry)
		if !e.Expired() {
			return false, nil
		}
		p.removeElement(elem)
	}

	p.setLocked(key, value, ttl)
	return true, nil
}

func (p *Pool) setLocked(key string, value []byte, ttl time.Duration) {
	if elem, found := p.data[key]; found {
		e := elem.Value.(*entry)
		e.value = value
		e.setTTL(ttl)
		p.lru.MoveToFront(elem)
		return
	}

	if p.maxEntries > 0 && p.lru.Len() >= p.maxEntries {
		p.evictOldest()
	}

	e := &entry{key: key, value: value}
	e.setTTL(ttl)
	elem := p.lru.PushFront(e)
	p.data[key] = elem
}

// Delete is an atomic multi-delete; deleting an absent key is a no-op.
func (p *Pool) Delete(_ context.Context, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		if elem, found := p.data[key]; found {
			p.removeElement(elem)
		}
	}
	return nil
}

// Expire refreshes key's TTL in place without touching its value. A
// missing key is not an error (mirrors a Redis EXPIRE on an absent key).
func (p *Pool) Expire(_ context.Context, key string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, found := p.data[key]; found {
		elem.Value.(*entry).setTTL(ttl)
	}
	return nil
}

// Clear removes every key under prefix; an empty prefix clears the whole
// pool.
func (p *Pool) Clear(_ context.Context, prefix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prefix == "" {
		p.data = make(map[string]*list.Element)
		p.lru.Init()
		return nil
	}

	for elem := p.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if strings.HasPrefix(e.key, prefix) {
			p.lru.Remove(elem)
			delete(p.data, e.key)
		}
		elem = next
	}
	return nil
}

// SupportsPrefixClear reports true: Clear with a non-empty prefix only
// touches matching keys (tagcache.PrefixClearer).
func (p *Pool) SupportsPrefixClear() bool { return true }

// Pipeline runs cmds concurrently via errgroup, fanning out over the
// pool's own locking rather than a network round trip. This keeps
// mempool behaviorally interchangeable with redispool for call sites
// written against tagcache.Pipeliner (§9), even though a single-process
// map gains nothing from real concurrency here.
func (p *Pool) Pipeline(ctx context.Context, cmds []tagcache.Cmd) ([]tagcache.CmdResult, error) {
	results := make([]tagcache.CmdResult, len(cmds))
	g, ctx := errgroup.WithContext(ctx)
	for i, cmd := range cmds {
		i, cmd := i, cmd
		g.Go(func() error {
			results[i] = p.runCmd(ctx, cmd)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pool) runCmd(ctx context.Context, cmd tagcache.Cmd) tagcache.CmdResult {
	switch cmd.Kind {
	case tagcache.CmdGet:
		values, err := p.Get(ctx, cmd.Keys)
		return tagcache.CmdResult{Values: values, Err: err}
	case tagcache.CmdSetIfAbsent:
		created, err := p.SetIfAbsent(ctx, cmd.Key, cmd.Value, cmd.TTL)
		return tagcache.CmdResult{Created: created, Err: err}
	case tagcache.CmdDelete:
		err := p.Delete(ctx, []string{cmd.Key})
		return tagcache.CmdResult{Err: err}
	case tagcache.CmdSet:
		err := p.Set(ctx, cmd.Key, cmd.Value, cmd.TTL)
		return tagcache.CmdResult{Err: err}
	case tagcache.CmdExpire:
		err := p.Expire(ctx, cmd.Key, cmd.TTL)
		return tagcache.CmdResult{Err: err}
	default:
		return tagcache.CmdResult{}
	}
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// deleteExpired performs active expiration by scanning the LRU list from
// the back (oldest first) and removing anything expired. Invoked by the
// background janitor on its configured interval.
func (p *Pool) deleteExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for elem := p.lru.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.Expired() {
			p.removeElement(elem)
		}
		elem = prev
	}
}
