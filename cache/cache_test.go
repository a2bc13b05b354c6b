package cache

import (
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	c := New[string](4)

	c.Set("a", "alpha", time.Minute)
	got, ok := c.Get("a")
	if !ok {
		t.Fatal("expected hit for key 'a'")
	}
	if got != "alpha" {
		t.Errorf("Get('a') = %q, want 'alpha'", got)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New[int](4)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", 42, 5*time.Minute)

	// Still fresh just under the TTL.
	now = now.Add(5 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Error("entry expired too early")
	}

	// Logically absent once TTL has elapsed.
	now = now.Add(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should be absent after TTL elapsed")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len() = %d", c.Len())
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := New[int](2)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	// Touch "a" so "b" becomes least recently used.
	c.Get("a")

	c.Set("c", 3, time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Error("expected LRU key 'b' to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used key 'a' should survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newly inserted key 'c' should be present")
	}
}

func TestCache_SetUpdatesExisting(t *testing.T) {
	c := New[string](2)

	c.Set("a", "one", time.Minute)
	c.Set("a", "two", time.Minute)

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	got, _ := c.Get("a")
	if got != "two" {
		t.Errorf("Get('a') = %q, want 'two'", got)
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New[int](4)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted key still present")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
	if _, ok := c.Get("b"); ok {
		t.Error("key present after Clear")
	}
}
