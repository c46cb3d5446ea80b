package store

import (
	"testing"
	"time"
)

func TestFailureCacheMarkAndIsCached(t *testing.T) {
	fc := NewFailureCache(time.Minute)
	if fc.IsCached("FP1", "A") {
		t.Fatal("expected miss before MarkFailed")
	}
	fc.MarkFailed("FP1", "A")
	if !fc.IsCached("FP1", "A") {
		t.Fatal("expected hit after MarkFailed")
	}
	if fc.IsCached("FP1", "B") {
		t.Fatal("expected miss for a different backend")
	}
}

func TestFailureCacheExpires(t *testing.T) {
	fc := NewFailureCache(time.Minute)
	current := time.Now()
	fc.now = func() time.Time { return current }

	fc.MarkFailed("FP1", "A")
	if !fc.IsCached("FP1", "A") {
		t.Fatal("expected hit immediately after MarkFailed")
	}

	current = current.Add(2 * time.Minute)
	if fc.IsCached("FP1", "A") {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestFailureCacheClear(t *testing.T) {
	fc := NewFailureCache(time.Minute)
	fc.MarkFailed("FP1", "A")
	fc.Clear("FP1", "A")
	if fc.IsCached("FP1", "A") {
		t.Fatal("expected miss after Clear")
	}
}

func TestFailureCacheLen(t *testing.T) {
	fc := NewFailureCache(time.Minute)
	fc.MarkFailed("FP1", "A")
	fc.MarkFailed("FP2", "B")
	if fc.Len() != 2 {
		t.Fatalf("got %d, want 2", fc.Len())
	}
}
