package lib

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRouteTableInsertRemove(t *testing.T) {
	var removed atomic.Int32
	table := newRouteTable(func(key string, r *route) { removed.Add(1) })

	first, second := newRoute(1), newRoute(1)
	if !table.insert("a", first) {
		t.Fatalf("insert into an empty table failed")
	}
	if table.insert("a", second) {
		t.Fatalf("a second route for the same key was accepted")
	}
	if table.remove("a", second) {
		t.Errorf("removing a route that is not the live one succeeded")
	}
	if !table.remove("a", first) {
		t.Fatalf("remove failed")
	}
	if _, ok := <-first.inbound; ok {
		t.Errorf("inbound queue still open after remove")
	}
	if table.remove("a", first) {
		t.Errorf("second remove succeeded")
	}
	if removed.Load() != 1 {
		t.Errorf("expected one removal callback, got %d", removed.Load())
	}
}

func TestRouteTableDeliver(t *testing.T) {
	table := newRouteTable(nil)
	r := newRoute(1)
	table.insert("a", r)

	if !table.deliver(r, NewAckFrame(1, 1)) {
		t.Fatalf("deliver to an empty queue failed")
	}
	if table.deliver(r, NewAckFrame(1, 2)) {
		t.Errorf("deliver to a full queue succeeded")
	}
	table.remove("a", r)
	if table.deliver(r, NewAckFrame(1, 3)) {
		t.Errorf("deliver to a removed route succeeded")
	}
}

func TestRouteTableAttach(t *testing.T) {
	table := newRouteTable(nil)
	r := newRoute(1)
	c := &Connection{}

	if table.attach("a", r, c) {
		t.Errorf("attach to a route that was never inserted succeeded")
	}
	table.insert("a", r)
	if !table.attach("a", r, c) {
		t.Fatalf("attach failed")
	}
	if _, got := table.lookup("a"); got != c {
		t.Errorf("lookup returned %p, expected %p", got, c)
	}
}

func TestRouteTableScheduleRemoval(t *testing.T) {
	removed := make(chan string, 2)
	table := newRouteTable(func(key string, r *route) { removed <- key })
	r := newRoute(1)
	table.insert("a", r)

	table.scheduleRemoval("a", r, 50*time.Millisecond)
	table.scheduleRemoval("a", r, time.Hour)
	if table.size() != 1 {
		t.Fatalf("route removed before its linger expired")
	}

	select {
	case key := <-removed:
		if key != "a" {
			t.Errorf("expected removal of a, got %s", key)
		}
	case <-time.After(time.Second):
		t.Fatalf("route was not removed after the linger")
	}
	if table.size() != 0 {
		t.Errorf("table still holds %v", table.keys())
	}
}

func TestRouteTableRemoveCancelsLinger(t *testing.T) {
	removed := make(chan string, 2)
	table := newRouteTable(func(key string, r *route) { removed <- key })
	old := newRoute(1)
	table.insert("a", old)
	table.scheduleRemoval("a", old, 50*time.Millisecond)
	table.remove("a", old)
	<-removed

	// a new route for the same peer must survive the old timer
	fresh := newRoute(1)
	table.insert("a", fresh)
	time.Sleep(100 * time.Millisecond)
	if table.size() != 1 {
		t.Errorf("the new route was removed by a stale linger")
	}
}

func TestRouteTableCloseAll(t *testing.T) {
	var removed atomic.Int32
	table := newRouteTable(func(key string, r *route) { removed.Add(1) })
	routes := []*route{newRoute(1), newRoute(1), newRoute(1)}
	for i, r := range routes {
		table.insert(string(rune('a'+i)), r)
	}
	table.scheduleRemoval("a", routes[0], time.Hour)

	table.closeAll()
	if table.size() != 0 || removed.Load() != 3 {
		t.Errorf("expected an empty table and 3 removals, got %d routes and %d removals", table.size(), removed.Load())
	}
	for i, r := range routes {
		if !r.closed {
			t.Errorf("route %d not closed", i)
		}
	}
}
