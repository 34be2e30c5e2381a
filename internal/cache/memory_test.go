package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// waitForEntry polls Get until the entry becomes visible or the timeout
// elapses — ristretto's SetWithTTL hands writes to an internal buffer
// asynchronously, so a Put is not guaranteed visible to an immediately
// following Get.
func waitForEntry(t *testing.T, mc *MemoryCache, key string) (Entry, bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e, ok := mc.Get(context.Background(), key); ok {
			return e, true
		}
		time.Sleep(time.Millisecond)
	}
	return Entry{}, false
}

func TestMemoryCache_PutGet(t *testing.T) {
	mc, err := NewMemoryCache()
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	ctx := context.Background()
	entry := Entry{Content: "hello", ModelUsed: "gpt-4o", OriginProvider: "openai"}
	mc.Put(ctx, "key-1", entry, time.Minute)

	got, ok := waitForEntry(t, mc, "key-1")
	if !ok {
		t.Fatal("expected entry to become visible after Put")
	}
	if got.Content != "hello" {
		t.Errorf("expected Content=hello, got %s", got.Content)
	}
}

func TestMemoryCache_Miss(t *testing.T) {
	mc, err := NewMemoryCache()
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	_, ok := mc.Get(context.Background(), "never-set")
	if ok {
		t.Error("expected a miss for an unset key")
	}
}

func TestMemoryCache_DefaultTTLAppliedWhenZero(t *testing.T) {
	mc, err := NewMemoryCache(WithDefaultTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	ctx := context.Background()
	mc.Put(ctx, "key-2", Entry{Content: "x"}, 0)

	if _, ok := waitForEntry(t, mc, "key-2"); !ok {
		t.Fatal("expected entry with default TTL to be retrievable")
	}
}

func TestMemoryCache_WithMaxEntries(t *testing.T) {
	mc, err := NewMemoryCache(WithMaxEntries(10))
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()
	// Just verify construction with the option succeeds and the cache works.
	mc.Put(context.Background(), "key-3", Entry{Content: "y"}, time.Minute)
	if _, ok := waitForEntry(t, mc, "key-3"); !ok {
		t.Fatal("expected entry to be retrievable with a custom max entries bound")
	}
}

func TestMemoryCache_PreservesUsage(t *testing.T) {
	mc, err := NewMemoryCache()
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	entry := Entry{
		Content: "hi",
		Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
	}
	mc.Put(context.Background(), "key-4", entry, time.Minute)

	got, ok := waitForEntry(t, mc, "key-4")
	if !ok {
		t.Fatal("expected entry to be retrievable")
	}
	if got.Usage.InputTokens != 10 || got.Usage.OutputTokens != 5 {
		t.Errorf("expected usage to round-trip, got %+v", got.Usage)
	}
}
