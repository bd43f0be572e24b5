package cache

import (
	"testing"
	"time"

	"github.com/dokzlo13/devsync/internal/device"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(ttl time.Duration) (*StateCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(ttl)
	c.now = clock.Now
	return c, clock
}

func TestIsStale(t *testing.T) {
	c, clock := newTestCache(30 * time.Second)

	if !c.IsStale("1", time.Minute) {
		t.Error("missing entry should be stale")
	}

	c.Set("1", device.State{Power: device.Bool(true)})
	if c.IsStale("1", 30*time.Second) {
		t.Error("fresh entry should not be stale")
	}

	clock.Advance(29 * time.Second)
	if c.IsStale("1", 30*time.Second) {
		t.Error("entry within ttl should not be stale")
	}

	clock.Advance(time.Second)
	if !c.IsStale("1", 30*time.Second) {
		t.Error("entry exactly ttl old should be stale")
	}
	if c.Fresh("1") {
		t.Error("Fresh should agree with IsStale at the cache ttl")
	}
}

func TestGetIgnoresAge(t *testing.T) {
	c, clock := newTestCache(time.Second)
	c.Set("1", device.State{Brightness: device.Int(40)})

	clock.Advance(time.Hour)

	got, ok := c.Get("1")
	if !ok {
		t.Fatal("Get returned nothing for a stale entry")
	}
	if got.Brightness == nil || *got.Brightness != 40 {
		t.Errorf("Get() brightness = %v, want 40", got.Brightness)
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("1", device.State{Power: device.Bool(true)})

	c.Invalidate("1")

	if _, ok := c.Get("1"); ok {
		t.Error("Get should miss after Invalidate")
	}
	if !c.IsStale("1", time.Hour) {
		t.Error("invalidated entry should be stale")
	}

	// Invalidating a missing entry is a no-op apart from the generation bump
	c.Invalidate("missing")
}

func TestSetIfGenerationRejectsWritesAcrossInvalidation(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	gen := c.Generation("1")
	c.Invalidate("1")

	if c.SetIfGeneration("1", device.State{Power: device.Bool(false)}, gen) {
		t.Error("write from before invalidation should be discarded")
	}
	if _, ok := c.Get("1"); ok {
		t.Error("discarded write must not populate the cache")
	}

	gen = c.Generation("1")
	if !c.SetIfGeneration("1", device.State{Power: device.Bool(true)}, gen) {
		t.Error("write with current generation should be stored")
	}
	if _, ok := c.Get("1"); !ok {
		t.Error("stored write missing")
	}
}

func TestEntryTimestamp(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set("1", device.State{})

	e, ok := c.Entry("1")
	if !ok {
		t.Fatal("entry missing")
	}
	if !e.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", e.FetchedAt, clock.Now())
	}
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("1", device.State{})
	c.Set("2", device.State{})
	gen := c.Generation("1")

	c.Clear()

	if _, ok := c.Get("1"); ok {
		t.Error("Clear left entry 1")
	}
	if c.Generation("1") == gen {
		t.Error("Clear should bump generations of cleared entries")
	}
}

func TestUpdateOutcomes(t *testing.T) {
	c, clock := newTestCache(30 * time.Second)
	on := device.State{Power: device.Bool(true)}

	gen := c.Generation("1")
	if got := c.Update("1", on, gen); got != Changed {
		t.Fatalf("first write = %v, want Changed", got)
	}

	clock.Advance(20 * time.Second)
	if got := c.Update("1", device.State{Power: device.Bool(true)}, gen); got != Unchanged {
		t.Fatalf("equal write = %v, want Unchanged", got)
	}
	entry, _ := c.Entry("1")
	if !entry.FetchedAt.Equal(clock.Now()) {
		t.Error("unchanged write should refresh the timestamp")
	}

	if got := c.Update("1", device.State{Power: device.Bool(false)}, gen); got != Changed {
		t.Fatalf("different write = %v, want Changed", got)
	}

	c.Invalidate("1")
	if got := c.Update("1", on, gen); got != Discarded {
		t.Fatalf("write across invalidation = %v, want Discarded", got)
	}
	if _, ok := c.Get("1"); ok {
		t.Error("discarded write must not recreate the entry")
	}
}

func TestNegativeTTLUsesDefault(t *testing.T) {
	if got := New(-time.Second).TTL(); got != DefaultTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultTTL)
	}
}
