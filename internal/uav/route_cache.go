package uav

import (
	"net/netip"
	"sync"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

const defaultRouteCacheTTL = time.Second

type routeEntry struct {
	hop     netip.Addr
	updated time.Time
}

// RouteCache keeps looked-up next hops until they age past the TTL or the
// table recomputes its paths. Age is measured on the simulation clock.
type RouteCache struct {
	mu       sync.RWMutex
	clock    timectrl.SimClock
	routes   map[netip.Addr]routeEntry
	ttl      time.Duration
	hits     int64
	misses   int64
	invalids int64
}

// NewRouteCache creates a cache; a zero ttl uses one second.
func NewRouteCache(clock timectrl.SimClock, ttl time.Duration) *RouteCache {
	if ttl <= 0 {
		ttl = defaultRouteCacheTTL
	}
	return &RouteCache{clock: clock, routes: make(map[netip.Addr]routeEntry), ttl: ttl}
}

func (c *RouteCache) TTL() time.Duration { return c.ttl }

func (c *RouteCache) Get(dst netip.Addr) (netip.Addr, bool) {
	c.mu.RLock()
	entry, ok := c.routes[dst]
	c.mu.RUnlock()
	if !ok || c.clock.Now().Sub(entry.updated) > c.ttl {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return netip.Addr{}, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.hop, true
}

func (c *RouteCache) Put(dst, hop netip.Addr) {
	c.mu.Lock()
	c.routes[dst] = routeEntry{hop: hop, updated: c.clock.Now()}
	c.mu.Unlock()
}

// Purge drops every cached route.
func (c *RouteCache) Purge() {
	c.mu.Lock()
	c.invalids += int64(len(c.routes))
	c.routes = make(map[netip.Addr]routeEntry)
	c.mu.Unlock()
}

// Stats returns hit, miss and invalidation counts.
func (c *RouteCache) Stats() (hits, misses, invalids int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.invalids
}
