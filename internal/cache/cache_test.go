package cache

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"fleettrack/internal/logging"
)

func init() {
	logging.Init(logging.Config{Output: io.Discard})
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(capacity int) (*Cache, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Config{Capacity: capacity, DefaultTTL: time.Minute})
	c.SetClock(clk.now)
	return c, clk
}

func TestNormalizeQuery(t *testing.T) {
	got := NormalizeQuery("  SELECT *\n\tFROM   routes  WHERE id = $1 ")
	if got != "SELECT * FROM routes WHERE id = $1" {
		t.Fatalf("normalized = %q", got)
	}
	if Key("select 1", []any{"a", 2}) != Key("select\n 1", []any{"a", 2}) {
		t.Fatal("keys should match after whitespace normalization")
	}
	if Key("select 1", []any{"a"}) == Key("select 1", []any{"b"}) {
		t.Fatal("keys should differ by params")
	}
}

func TestSetGetAndTTL(t *testing.T) {
	c, clk := newTestCache(10)
	calls := 0
	load := func(context.Context) (any, error) { calls++; return "route-geometry", nil }

	c.Set("SELECT path FROM routes WHERE id=$1", []any{"R1"}, "cached", 0)
	v, err := c.GetOrLoad(context.Background(), "SELECT path FROM routes  WHERE id=$1", []any{"R1"}, 0, load)
	if err != nil || v != "cached" || calls != 0 {
		t.Fatalf("expected cached value without load: v=%v calls=%d err=%v", v, calls, err)
	}

	clk.t = clk.t.Add(time.Minute)
	if _, ok := c.Get("SELECT path FROM routes WHERE id=$1", []any{"R1"}); ok {
		t.Fatal("entry should have expired")
	}
	v, _ = c.GetOrLoad(context.Background(), "SELECT path FROM routes WHERE id=$1", []any{"R1"}, 0, load)
	if v != "route-geometry" || calls != 1 {
		t.Fatalf("expected load after expiry: v=%v calls=%d", v, calls)
	}
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 || st.Expired != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.HitRate < 0.33 || st.HitRate > 0.34 {
		t.Fatalf("hit rate = %f", st.HitRate)
	}
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	c, _ := newTestCache(10)
	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "q", nil, 0, func(context.Context) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c.Stats().Entries != 0 {
		t.Fatal("failed load must not be cached")
	}
}

func TestTypedLoad(t *testing.T) {
	c, _ := newTestCache(10)
	n, err := Load(context.Background(), c, "count", nil, 0, func(context.Context) (int, error) { return 7, nil })
	if err != nil || n != 7 {
		t.Fatalf("load = %d, %v", n, err)
	}
	n, _ = Load(context.Background(), c, "count", nil, 0, func(context.Context) (int, error) { return 0, errors.New("not called") })
	if n != 7 {
		t.Fatalf("second load = %d", n)
	}
}

func TestEvictsLeastRecentlyAccessed(t *testing.T) {
	c, clk := newTestCache(2)
	c.Set("a", nil, 1, time.Hour)
	clk.t = clk.t.Add(time.Second)
	c.Set("b", nil, 2, time.Hour)
	clk.t = clk.t.Add(time.Second)
	c.Get("a", nil) // a is now more recent than b
	clk.t = clk.t.Add(time.Second)
	c.Set("c", nil, 3, time.Hour)

	if _, ok := c.Get("b", nil); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.Get("a", nil); !ok {
		t.Fatal("a should survive")
	}
	if c.Stats().Evictions != 1 || c.Stats().Entries != 2 {
		t.Fatalf("stats = %+v", c.Stats())
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(10)
	c.Set("SELECT route_id FROM vehicles WHERE id=$1", []any{"B1"}, "R1", 0)
	c.Set("SELECT path FROM routes WHERE id=$1", []any{"R1"}, "path", 0)
	c.Set("SELECT path FROM routes WHERE id=$1", []any{"R2"}, "path2", 0)

	if n := c.Invalidate(`"R1"`); n != 1 {
		t.Fatalf("invalidated %d, want 1", n)
	}
	if n := c.Invalidate("FROM routes"); n != 1 {
		t.Fatalf("invalidated %d, want 1", n)
	}
	if n := c.Invalidate(""); n != 1 {
		t.Fatalf("clear removed %d, want 1", n)
	}
}

func TestSweepAndTopKeys(t *testing.T) {
	c, clk := newTestCache(10)
	c.Set("short", nil, 1, time.Second)
	c.Set("long", nil, 2, time.Hour)
	c.Get("long", nil)
	c.Get("long", nil)
	top := c.TopKeys(1)
	if len(top) != 1 || top[0].Key != Key("long", nil) || top[0].Hits != 2 {
		t.Fatalf("top = %+v", top)
	}
	clk.t = clk.t.Add(2 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if c.Stats().Entries != 1 {
		t.Fatalf("entries = %d", c.Stats().Entries)
	}
}
