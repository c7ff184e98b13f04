package session

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeClock is a manually-advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T, onEvict func(Session)) (*Registry, *fakeClock) {
	t.Helper()
	r := NewRegistry(Config{
		HeartbeatInterval: 30 * time.Second,
	}, zaptest.NewLogger(t), onEvict)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r.SetClock(clock.now)
	return r, clock
}

func TestAddGetRemove(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	s := r.Add("c1", "u1", "ont-1")
	if s.ConnectionID != "c1" || s.UserID != "u1" || s.OntologyID != "ont-1" {
		t.Errorf("unexpected session: %+v", s)
	}

	got, ok := r.Get("c1")
	if !ok || got.UserID != "u1" {
		t.Errorf("Get returned %+v, %v", got, ok)
	}

	removed, ok := r.Remove("c1")
	if !ok || removed.ConnectionID != "c1" {
		t.Errorf("Remove returned %+v, %v", removed, ok)
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("session still present after Remove")
	}
	if _, ok := r.Remove("c1"); ok {
		t.Error("second Remove reported success")
	}
}

func TestEvictAfterDefaultsToTwiceHeartbeat(t *testing.T) {
	r := NewRegistry(Config{HeartbeatInterval: 10 * time.Second}, zaptest.NewLogger(t), nil)
	if r.cfg.EvictAfter != 20*time.Second {
		t.Errorf("EvictAfter = %v, want 20s", r.cfg.EvictAfter)
	}
}

func TestSweepEvictsSilentSessions(t *testing.T) {
	var evicted []Session
	r, clock := newTestRegistry(t, func(s Session) { evicted = append(evicted, s) })

	r.Add("quiet", "u1", "ont-1")
	r.Add("chatty", "u2", "ont-1")

	// One heartbeat interval passes; only one connection reports in.
	clock.advance(45 * time.Second)
	if !r.Touch("chatty") {
		t.Fatal("Touch failed for live session")
	}

	// Past the eviction window for the silent one.
	clock.advance(30 * time.Second)
	r.Sweep()

	if len(evicted) != 1 || evicted[0].ConnectionID != "quiet" {
		t.Fatalf("evicted = %+v, want just quiet", evicted)
	}
	if _, ok := r.Get("quiet"); ok {
		t.Error("evicted session still present")
	}
	if _, ok := r.Get("chatty"); !ok {
		t.Error("live session evicted")
	}
}

func TestExplicitRemoveSkipsEvictCallback(t *testing.T) {
	calls := 0
	r, _ := newTestRegistry(t, func(Session) { calls++ })

	r.Add("c1", "u1", "ont-1")
	r.Remove("c1")
	r.Sweep()

	if calls != 0 {
		t.Errorf("evict callback ran %d times for explicit removal", calls)
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	r, clock := newTestRegistry(t, nil)

	r.Add("c1", "u1", "ont-1")
	for i := 0; i < 4; i++ {
		clock.advance(30 * time.Second)
		r.Touch("c1")
		r.Sweep()
	}
	if _, ok := r.Get("c1"); !ok {
		t.Error("heartbeating session was evicted")
	}
}

func TestSetViewUpdatesAndRefreshes(t *testing.T) {
	r, clock := newTestRegistry(t, nil)

	r.Add("c1", "u1", "ont-1")
	clock.advance(10 * time.Second)

	s, ok := r.SetView("c1", "hierarchy")
	if !ok || s.CurrentView != "hierarchy" {
		t.Fatalf("SetView returned %+v, %v", s, ok)
	}
	if !s.LastSeen.After(s.JoinedAt) {
		t.Error("SetView did not refresh last-seen")
	}
	if _, ok := r.SetView("ghost", "x"); ok {
		t.Error("SetView succeeded for unknown connection")
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	r, clock := newTestRegistry(t, nil)

	r.Add("c1", "u1", "ont-1")
	clock.advance(time.Second)
	r.Add("c2", "u2", "ont-1")
	r.Add("c3", "u3", "ont-2")

	list := r.List("ont-1")
	if len(list) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(list))
	}
	if list[0].ConnectionID != "c1" || list[1].ConnectionID != "c2" {
		t.Errorf("List order = %s, %s; want c1, c2", list[0].ConnectionID, list[1].ConnectionID)
	}

	// Ties on join time order by connection id.
	r2, _ := newTestRegistry(t, nil)
	r2.Add("b", "u1", "ont-1")
	r2.Add("a", "u2", "ont-1")
	tied := r2.List("ont-1")
	if tied[0].ConnectionID != "a" {
		t.Errorf("tie-break order = %s first, want a", tied[0].ConnectionID)
	}
}
