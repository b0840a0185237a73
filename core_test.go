package tagcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sbelyshkin/tagcache"
	"github.com/sbelyshkin/tagcache/mempool"
)

func newTestAdapter(t *testing.T, opts ...tagcache.Option) *tagcache.Adapter {
	t.Helper()
	items := mempool.New()
	t.Cleanup(items.Stop)
	tags := mempool.New()
	t.Cleanup(tags.Stop)

	base := append([]tagcache.Option{tagcache.WithNamespace("t")}, opts...)
	a, err := tagcache.New(items, tags, base...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestMissThenSaveThenHit(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	if a.HasItem(ctx, "k") {
		t.Fatal("expected miss before any write")
	}

	item := a.GetItem(ctx, "k")
	item.Set("v").ExpiresAfter(time.Minute)
	ok, err := a.Save(ctx, item)
	if err != nil || !ok {
		t.Fatalf("Save: ok=%v err=%v", ok, err)
	}

	got := a.GetItem(ctx, "k")
	if !got.IsHit() || got.Get() != "v" {
		t.Fatalf("expected hit with value 'v', got hit=%v value=%v", got.IsHit(), got.Get())
	}
}

func TestTaggedItemInvalidatedByTag(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	item := a.GetItem(ctx, "k")
	item.Set("v").Tag("articles").ExpiresAfter(time.Minute)
	if ok, err := a.Save(ctx, item); err != nil || !ok {
		t.Fatalf("Save: ok=%v err=%v", ok, err)
	}

	if !a.HasItem(ctx, "k") {
		t.Fatal("expected hit before invalidation")
	}

	if !a.InvalidateTags(ctx, []string{"articles"}) {
		t.Fatal("InvalidateTags reported failure")
	}

	if a.HasItem(ctx, "k") {
		t.Fatal("expected miss after invalidating the item's tag")
	}
}

func TestDeferredCommitFlushesOnRead(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	item := a.GetItem(ctx, "k")
	item.Set("v").ExpiresAfter(time.Minute)
	if _, err := a.SaveDeferred(item); err != nil {
		t.Fatalf("SaveDeferred: %v", err)
	}

	// GetItems on the same key must flush the deferred write first
	// (read-your-writes), without an explicit Commit call.
	got := a.GetItem(ctx, "k")
	if !got.IsHit() || got.Get() != "v" {
		t.Fatalf("expected the deferred write to be visible, got hit=%v value=%v", got.IsHit(), got.Get())
	}
}

func TestSaveRejectsForeignItem(t *testing.T) {
	ctx := context.Background()
	a1 := newTestAdapter(t)
	a2 := newTestAdapter(t)

	item := a1.GetItem(ctx, "k")
	_, err := a2.Save(ctx, item)
	if !errors.Is(err, tagcache.ErrInvalidItemKind) {
		t.Fatalf("expected ErrInvalidItemKind, got %v", err)
	}
}

func TestExpiredItemIsMiss(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	item := a.GetItem(ctx, "k")
	item.Set("v").ExpiresAfter(time.Millisecond)
	if ok, err := a.Save(ctx, item); err != nil || !ok {
		t.Fatalf("Save: ok=%v err=%v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)
	if a.HasItem(ctx, "k") {
		t.Fatal("expected wall-clock expired item to be a miss")
	}
}

func TestValueFuncOnlyCalledOnSuccessfulTagAcquisition(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	called := false
	item := a.GetItem(ctx, "k")
	item.SetValueFunc(func() (interface{}, error) {
		called = true
		return "computed", nil
	}).Tag("t1").ExpiresAfter(time.Minute)

	if ok, err := a.Save(ctx, item); err != nil || !ok {
		t.Fatalf("Save: ok=%v err=%v", ok, err)
	}
	if !called {
		t.Fatal("expected value function to run during commit")
	}

	got := a.GetItem(ctx, "k")
	if !got.IsHit() || got.Get() != "computed" {
		t.Fatalf("expected hit with computed value, got hit=%v value=%v", got.IsHit(), got.Get())
	}
	if item.ComputeDuration() <= 0 {
		t.Fatal("expected ComputeDuration to record the value function's runtime")
	}
}

func TestClearDiscardsMatchingPrefix(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		item := a.GetItem(ctx, k)
		item.Set(k).ExpiresAfter(time.Minute)
		if ok, err := a.Save(ctx, item); err != nil || !ok {
			t.Fatalf("Save(%s): ok=%v err=%v", k, ok, err)
		}
	}

	if !a.Clear(ctx, "user:") {
		t.Fatal("Clear reported failure")
	}

	if a.HasItem(ctx, "user:1") || a.HasItem(ctx, "user:2") {
		t.Fatal("expected user: prefixed items to be cleared")
	}
	if !a.HasItem(ctx, "order:1") {
		t.Fatal("expected order:1 to survive a user:-prefixed clear")
	}
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	item := a.GetItem(ctx, "k") // miss: nothing stored yet
	item.Set("v").ExpiresAfter(time.Minute)
	if ok, err := a.Save(ctx, item); err != nil || !ok {
		t.Fatalf("Save: ok=%v err=%v", ok, err)
	}

	a.GetItem(ctx, "k")       // hit
	a.GetItem(ctx, "missing") // miss

	stats := a.Stats()
	if stats.Hits != 1 {
		t.Fatalf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 2 {
		t.Fatalf("expected 2 misses, got %d", stats.Misses)
	}
}

func TestTagMemoCoalescesConsecutiveReads(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	for _, k := range []string{"a", "b"} {
		item := a.GetItem(ctx, k)
		item.Set(k).Tag("shared").ExpiresAfter(time.Minute)
		if ok, err := a.Save(ctx, item); err != nil || !ok {
			t.Fatalf("Save(%s): ok=%v err=%v", k, ok, err)
		}
	}

	a.GetItem(ctx, "a")
	afterFirst := a.Stats().TagHits

	// A second read sharing the same tag, issued immediately after the
	// first, must be served by the tag memo rather than costing another
	// Tag-Version Store round trip.
	a.GetItem(ctx, "b")
	afterSecond := a.Stats().TagHits

	if afterSecond != afterFirst {
		t.Fatalf("expected the tag memo to absorb the second read, TagHits went from %d to %d", afterFirst, afterSecond)
	}
}

func TestInvalidNamespaceRejected(t *testing.T) {
	items := mempool.New()
	defer items.Stop()
	tags := mempool.New()
	defer tags.Stop()

	_, err := tagcache.New(items, tags, tagcache.WithNamespace("bad namespace!"))
	if !errors.Is(err, tagcache.ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace, got %v", err)
	}
}
