// Command tagcache-bench exercises the tagcache.Adapter end to end
// against an in-memory mempool.Pool: it writes a handful of tagged
// items, demonstrates a tag invalidation knocking out every item that
// carries it, and reports the resulting Stats.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sbelyshkin/tagcache"
	"github.com/sbelyshkin/tagcache/mempool"
)

func main() {
	ctx := context.Background()

	items := mempool.New(mempool.WithCleanupInterval(time.Second))
	defer items.Stop()
	tags := mempool.New()
	defer tags.Stop()

	adapter, err := tagcache.New(items, tags,
		tagcache.WithNamespace("bench"),
		tagcache.WithDefaultLifetime(time.Minute),
	)
	if err != nil {
		panic(err)
	}

	seed(ctx, adapter)

	fmt.Println("before invalidation:")
	report(ctx, adapter, []string{"user:1", "user:2", "product:42"})

	adapter.InvalidateTags(ctx, []string{"users"})

	fmt.Println("after invalidating tag \"users\":")
	report(ctx, adapter, []string{"user:1", "user:2", "product:42"})

	stats := adapter.Stats()
	fmt.Printf("stats: hits=%d misses=%d evictions=%d tag_created=%d rejected=%d\n",
		stats.Hits, stats.Misses, stats.Evictions, stats.TagCreated, stats.Rejected)
}

func seed(ctx context.Context, a *tagcache.Adapter) {
	user1 := a.GetItem(ctx, "user:1")
	user1.Set("alice").Tag("users").ExpiresAfter(time.Minute)
	a.SaveDeferred(user1)

	user2 := a.GetItem(ctx, "user:2")
	user2.Set("bob").Tag("users").ExpiresAfter(time.Minute)
	a.SaveDeferred(user2)

	product := a.GetItem(ctx, "product:42")
	product.SetValueFunc(func() (interface{}, error) {
		time.Sleep(5 * time.Millisecond) // stand in for an expensive lookup
		return "widget", nil
	}).Tag("products").ExpiresAfter(time.Minute)
	a.SaveDeferred(product)

	a.Commit(ctx)
}

func report(ctx context.Context, a *tagcache.Adapter, keys []string) {
	for _, item := range a.GetItems(ctx, keys) {
		if item.IsHit() {
			fmt.Printf("  %s = %v\n", item.Key(), item.Get())
		} else {
			fmt.Printf("  %s = <miss>\n", item.Key())
		}
	}
}
