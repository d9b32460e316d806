package kv

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryGetSetDelete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}

	if err := store.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, found, err := store.Get(ctx, "k")
	if err != nil || !found || !bytes.Equal(value, []byte("v1")) {
		t.Fatalf("get: value=%q found=%v err=%v", value, found, err)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Fatal("key should be gone after delete")
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	original := []byte("payload")
	if err := store.Set(ctx, "k", original); err != nil {
		t.Fatalf("set: %v", err)
	}
	original[0] = 'X'

	value, _, _ := store.Get(ctx, "k")
	if !bytes.Equal(value, []byte("payload")) {
		t.Fatalf("stored value must not alias caller slice, got %q", value)
	}

	value[0] = 'Y'
	again, _, _ := store.Get(ctx, "k")
	if !bytes.Equal(again, []byte("payload")) {
		t.Fatalf("returned value must not alias stored slice, got %q", again)
	}
}
