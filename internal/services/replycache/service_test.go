package replycache

import (
	"context"
	"testing"
	"time"
)

func TestServiceRememberAndLookup(t *testing.T) {
	service := NewService(nil) // memory fallback
	ctx := context.Background()

	if entry := service.Lookup(ctx, "m1"); entry != nil {
		t.Fatalf("Expected miss before remember, got %+v", entry)
	}

	service.Remember(ctx, "m1", "conv-1", "Hello")

	entry := service.Lookup(ctx, "m1")
	if entry == nil {
		t.Fatal("Expected hit after remember")
	}
	if entry.ReplyText != "Hello" || entry.ConversationID != "conv-1" {
		t.Errorf("Unexpected entry: %+v", entry)
	}

	if entry := service.Lookup(ctx, "m2"); entry != nil {
		t.Errorf("Expected miss for different messageId, got %+v", entry)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	fresh := &Entry{Timestamp: time.Now(), ReplyText: "fresh"}
	stale := &Entry{Timestamp: time.Now().Add(-TTL - time.Second), ReplyText: "stale"}

	if err := store.Set(ctx, "fresh", fresh); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "stale", stale); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if entry, _ := store.Get(ctx, "stale"); entry != nil {
		t.Errorf("Expected stale entry to be purged, got %+v", entry)
	}
	if entry, _ := store.Get(ctx, "fresh"); entry == nil || entry.ReplyText != "fresh" {
		t.Errorf("Expected fresh entry to survive, got %+v", entry)
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	store.Set(ctx, "m1", &Entry{Timestamp: time.Now(), ReplyText: "first"})
	store.Set(ctx, "m1", &Entry{Timestamp: time.Now(), ReplyText: "second"})

	entry, _ := store.Get(ctx, "m1")
	if entry == nil || entry.ReplyText != "second" {
		t.Errorf("Expected latest write to win, got %+v", entry)
	}
}
