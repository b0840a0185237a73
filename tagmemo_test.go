package tagcache

import (
	"context"
	"testing"
	"time"
)

func TestTagMemoFreshMisses(t *testing.T) {
	m := newTagMemo(time.Hour)
	if _, ok := m.Lookup([]string{"a"}); ok {
		t.Fatal("expected a fresh memo to miss")
	}
}

func TestTagMemoHitsWithinTTL(t *testing.T) {
	m := newTagMemo(time.Hour)
	m.Store(map[string][]byte{"a": {1}, "b": {2}})

	got, ok := m.Lookup([]string{"a", "b"})
	if !ok {
		t.Fatal("expected a hit for the stored name set")
	}
	if string(got["a"]) != string([]byte{1}) || string(got["b"]) != string([]byte{2}) {
		t.Fatalf("unexpected versions: %v", got)
	}
}

func TestTagMemoPartialNameSetMisses(t *testing.T) {
	m := newTagMemo(time.Hour)
	m.Store(map[string][]byte{"a": {1}})

	if _, ok := m.Lookup([]string{"a", "b"}); ok {
		t.Fatal("expected a request for an unmemoized name to miss entirely")
	}
}

func TestTagMemoExpiresAfterTTL(t *testing.T) {
	m := newTagMemo(10 * time.Millisecond)
	m.Store(map[string][]byte{"a": {1}})

	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Lookup([]string{"a"}); ok {
		t.Fatal("expected the memo to decay after its TTL")
	}
}

func TestTagMemoClearForcesMiss(t *testing.T) {
	m := newTagMemo(time.Hour)
	m.Store(map[string][]byte{"a": {1}})
	m.Clear()

	if _, ok := m.Lookup([]string{"a"}); ok {
		t.Fatal("expected Clear to force the next lookup to miss")
	}
}

func TestTagMemoCoalescesBackToBackGetOrCreate(t *testing.T) {
	pool := newFakePool()
	store := newTagStore(pool, "ns", "T", time.Hour, testLogger(), &statsRecorder{})
	memo := newTagMemo(50 * time.Millisecond)

	names := []string{"alpha", "beta"}

	// First logical read: memo miss, falls through to the tag store.
	if _, ok := memo.Lookup(names); ok {
		t.Fatal("expected first read to miss the memo")
	}
	fetched, err := store.GetOrCreate(context.Background(), names)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	memo.Store(fetched)

	// Second logical read within the TTL window must be served by the
	// memo without needing another tag-store round trip.
	got, ok := memo.Lookup(names)
	if !ok {
		t.Fatal("expected second read within TTL to hit the memo")
	}
	for _, n := range names {
		if string(got[n]) != string(fetched[n]) {
			t.Fatalf("memo returned stale version for %q", n)
		}
	}
}
