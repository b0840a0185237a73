package mempool

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mempool_test.go validates functional correctness (Get/Set/SetIfAbsent/
// Delete), TTL semantics (lazy expiration, TTL == 0 meaning "no
// expiry"), concurrency safety under contention, and Stats accuracy.
// Run with -race for full confidence.

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	p := New()

	if err := p.Set(ctx, "a", []byte("b"), 5*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := p.Get(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got["a"]) != "b" {
		t.Fatalf("expected 'b', got %v", got["a"])
	}
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	p := New()

	_ = p.Set(ctx, "a", []byte("b"), 1*time.Millisecond)
	time.Sleep(2 * time.Millisecond)

	got, _ := p.Get(ctx, []string{"a"})
	if _, found := got["a"]; found {
		t.Fatal("expected key to be expired")
	}
}

func TestNoExpiration(t *testing.T) {
	ctx := context.Background()
	p := New()

	_ = p.Set(ctx, "a", []byte("b"), 0)
	time.Sleep(2 * time.Millisecond)

	got, _ := p.Get(ctx, []string{"a"})
	if string(got["a"]) != "b" {
		t.Fatal("expected key to persist without TTL")
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	p := New()

	_ = p.Set(ctx, "a", []byte("b"), 5*time.Second)
	_ = p.Delete(ctx, []string{"a"})

	got, _ := p.Get(ctx, []string{"a"})
	if _, found := got["a"]; found {
		t.Fatal("expected key to be deleted")
	}
}

func TestSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	p := New()

	created, err := p.SetIfAbsent(ctx, "a", []byte("first"), time.Minute)
	if err != nil || !created {
		t.Fatalf("expected first SetIfAbsent to create, got created=%v err=%v", created, err)
	}

	created, err = p.SetIfAbsent(ctx, "a", []byte("second"), time.Minute)
	if err != nil || created {
		t.Fatalf("expected second SetIfAbsent to no-op, got created=%v err=%v", created, err)
	}

	got, _ := p.Get(ctx, []string{"a"})
	if string(got["a"]) != "first" {
		t.Fatalf("expected original value preserved, got %v", got["a"])
	}
}

func TestClearPrefix(t *testing.T) {
	ctx := context.Background()
	p := New()

	_ = p.Set(ctx, "ns:item:a", []byte("1"), 0)
	_ = p.Set(ctx, "ns:item:b", []byte("2"), 0)
	_ = p.Set(ctx, "ns:tag:x", []byte("3"), 0)

	if err := p.Clear(ctx, "ns:item:"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	got, _ := p.Get(ctx, []string{"ns:item:a", "ns:item:b", "ns:tag:x"})
	if len(got) != 1 {
		t.Fatalf("expected only ns:tag:x to survive, got %v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	p := New()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = p.Set(ctx, "key", []byte{byte(i)}, 5*time.Second)
			_, _ = p.Get(ctx, []string{"key"})
		}(i)
	}

	wg.Wait()
}

func TestStatsTracking(t *testing.T) {
	ctx := context.Background()
	p := New()

	_ = p.Set(ctx, "a", []byte("1"), 0)

	_, _ = p.Get(ctx, []string{"a"}) // hit
	_, _ = p.Get(ctx, []string{"b"}) // miss

	stats := p.Stats()

	if stats.Hits != 1 {
		t.Fatalf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestMaxEntriesEviction(t *testing.T) {
	ctx := context.Background()
	p := New(WithMaxEntries(2))

	_ = p.Set(ctx, "a", []byte("1"), 0)
	_ = p.Set(ctx, "b", []byte("2"), 0)
	_ = p.Set(ctx, "c", []byte("3"), 0)

	got, _ := p.Get(ctx, []string{"a", "b", "c"})
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 survivors under maxEntries=2, got %d", len(got))
	}
	if p.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", p.Stats().Evictions)
	}
}
