package directory

import (
	"context"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/onecore/pkg/channel"
	"github.com/atvirokodosprendimai/onecore/pkg/objstore"
)

// TestDateCacheInvalidation is scenario S6: a cache holding {2023, 2024}
// must include 2022 after an onUpdated signal whose timeOfEarliestChange
// predates anything previously cached.
func TestDateCacheInvalidation(t *testing.T) {
	store := objstore.NewMemStore()
	owner := objstore.HashOf([]byte("owner"))
	engine := channel.New(store, nil)
	ctx := context.Background()

	if _, err := engine.CreateChannel(ctx, "diary", owner); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	postAt := func(year int) {
		ts := time.Date(year, time.June, 15, 0, 0, 0, 0, time.UTC)
		payloadBytes, err := objstore.Canonicalize(map[string]interface{}{"$type$": "Note", "note": "x"})
		if err != nil {
			t.Fatalf("canonicalize payload: %v", err)
		}
		payloadHash, err := store.Put(ctx, payloadBytes)
		if err != nil {
			t.Fatalf("put payload: %v", err)
		}
		entry := map[string]interface{}{
			"$type$":        "ChannelEntry",
			"channel_id":    "diary",
			"owner":         owner.String(),
			"object_type":   "Note",
			"payload":       payloadHash.String(),
			"creation_time": ts.Format(time.RFC3339Nano),
		}
		entryBytes, err := objstore.Canonicalize(entry)
		if err != nil {
			t.Fatalf("canonicalize entry: %v", err)
		}
		entryHash, err := store.Put(ctx, entryBytes)
		if err != nil {
			t.Fatalf("put entry: %v", err)
		}
		idHash := channel.IDHash("diary", owner)
		next := map[string]interface{}{
			"channel_id": "diary",
			"owner":      owner.String(),
			"entries":    []interface{}{entryHash.String()},
		}
		if _, err := store.StoreCRDT(ctx, idHash, next, objstore.Hash{}, channel.NewMerger(store)); err != nil {
			t.Fatalf("StoreCRDT: %v", err)
		}
	}

	postAt(2023)
	postAt(2024)

	tree := New(engine, "diary", owner, "Note")
	years, err := tree.ListYears(ctx)
	if err != nil {
		t.Fatalf("ListYears: %v", err)
	}
	if !equalInts(years, []int{2023, 2024}) {
		t.Fatalf("expected [2023 2024], got %v", years)
	}

	postAt(2022)
	tree.Invalidate(time.Date(2022, time.December, 31, 23, 59, 59, 0, time.UTC))

	years, err = tree.ListYears(ctx)
	if err != nil {
		t.Fatalf("ListYears after invalidate: %v", err)
	}
	if !equalInts(years, []int{2022, 2023, 2024}) {
		t.Fatalf("expected [2022 2023 2024] after invalidation, got %v", years)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
