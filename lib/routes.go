package lib

import (
	"sync"
	"time"
)

// route is a routing table entry. conn is nil while a client handshake is
// still in progress on it.
type route struct {
	inbound chan *Frame
	conn    *Connection
	linger  *time.Timer
	closed  bool
}

func newRoute(queueLength int) *route {
	return &route{inbound: make(chan *Frame, queueLength)}
}

// routeTable maps peer addresses to routes. Every mutation happens under mu;
// inbound channels are only sent on and closed while holding it.
type routeTable struct {
	mu       sync.Mutex
	routes   map[string]*route
	onRemove func(key string, r *route) // called outside the lock
}

func newRouteTable(onRemove func(key string, r *route)) *routeTable {
	return &routeTable{
		routes:   make(map[string]*route),
		onRemove: onRemove,
	}
}

// insert adds r under key unless key already has a route.
func (t *routeTable) insert(key string, r *route) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[key]; ok {
		return false
	}
	t.routes[key] = r
	return true
}

// lookup returns the route for key and its connection at this instant.
func (t *routeTable) lookup(key string) (*route, *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[key]
	if !ok {
		return nil, nil
	}
	return r, r.conn
}

// attach binds c to r if r is still the live route for key.
func (t *routeTable) attach(key string, r *route, c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.routes[key] != r || r.closed {
		return false
	}
	r.conn = c
	return true
}

// deliver queues f on r without blocking. It reports false when r is closed
// or its queue is full.
func (t *routeTable) deliver(r *route, f *Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.inbound <- f:
		return true
	default:
		return false
	}
}

// remove deletes key if it still maps to r, then closes r.
func (t *routeTable) remove(key string, r *route) bool {
	t.mu.Lock()
	if t.routes[key] != r {
		t.mu.Unlock()
		return false
	}
	delete(t.routes, key)
	t.closeRouteLocked(r)
	t.mu.Unlock()

	if t.onRemove != nil {
		t.onRemove(key, r)
	}
	return true
}

func (t *routeTable) closeRouteLocked(r *route) {
	if r.linger != nil {
		r.linger.Stop()
	}
	if !r.closed {
		r.closed = true
		close(r.inbound)
	}
}

// scheduleRemoval removes r after d. Only the first call for a route arms
// the timer.
func (t *routeTable) scheduleRemoval(key string, r *route, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.closed || r.linger != nil || t.routes[key] != r {
		return
	}
	r.linger = time.AfterFunc(d, func() {
		t.remove(key, r)
	})
}

func (t *routeTable) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.routes))
	for k := range t.routes {
		keys = append(keys, k)
	}
	return keys
}

func (t *routeTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

// closeAll empties the table, closing every route.
func (t *routeTable) closeAll() {
	t.mu.Lock()
	removed := t.routes
	t.routes = make(map[string]*route)
	for _, r := range removed {
		t.closeRouteLocked(r)
	}
	t.mu.Unlock()

	if t.onRemove != nil {
		for k, r := range removed {
			t.onRemove(k, r)
		}
	}
}
