package mempool

import "container/list"

// evictOldest removes the least-recently-used entry when maxEntries is
// exceeded. Assumes the caller already holds the write lock.
func (p *Pool) evictOldest() {
	elem := p.lru.Back()
	if elem != nil {
		p.removeElement(elem)
		p.stats.Evictions++
	}
}

// removeElement removes a list element from both the LRU list and the
// map in one step, so the two never go out of sync. Used by eviction,
// lazy expiration, active expiration and explicit delete. Assumes the
// caller already holds the write lock.
func (p *Pool) removeElement(e *list.Element) {
	p.lru.Remove(e)
	ent := e.Value.(*entry)
	delete(p.data, ent.key)
}
