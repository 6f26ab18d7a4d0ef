package uav

import (
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

const (
	DefaultMaxDistance = 300.0
	DefaultValidTime   = 150 * time.Second
)

// NodeInfo is the latest kinematic state heard from a station.
type NodeInfo struct {
	Position     mobility.Vec3
	Velocity     mobility.Vec3
	Acceleration mobility.Vec3
	QueueLen     uint32
	Energy       float64
	Timestamp    time.Time
	Neighbour    bool
}

// TableOption configures a DistanceTable.
type TableOption func(*DistanceTable)

// WithMaxDistance sets the range beyond which no link is assumed.
func WithMaxDistance(m float64) TableOption {
	return func(t *DistanceTable) { t.maxDistance = m }
}

// WithValidTime sets how long an entry is trusted.
func WithValidTime(d time.Duration) TableOption {
	return func(t *DistanceTable) { t.validTime = d }
}

// WithRouteCacheTTL sets how long a looked-up next hop is reused.
func WithRouteCacheTTL(d time.Duration) TableOption {
	return func(t *DistanceTable) { t.routes = NewRouteCache(t.clock, d) }
}

// DistanceTable holds every known station, the hop-count link matrix
// between them and the shortest paths from the local station.
//
// Positions are dead-reckoned to the current time from each entry's own
// timestamp. Two stations are linked, with cost 1, when both entries are
// younger than the valid time and their predicted distance is within the
// maximum distance. Every other pair costs +Inf.
type DistanceTable struct {
	mu          sync.RWMutex
	clock       timectrl.SimClock
	local       netip.Addr
	maxDistance float64
	validTime   time.Duration

	nodes map[netip.Addr]*NodeInfo
	order []netip.Addr
	cost  [][]float64
	dist  []float64
	prev  []int

	routes *RouteCache
}

// NewDistanceTable returns an empty table for local.
func NewDistanceTable(clock timectrl.SimClock, local netip.Addr, opts ...TableOption) *DistanceTable {
	t := &DistanceTable{
		clock:       clock,
		local:       local,
		maxDistance: DefaultMaxDistance,
		validTime:   DefaultValidTime,
		nodes:       make(map[netip.Addr]*NodeInfo),
	}
	t.routes = NewRouteCache(clock, 0)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *DistanceTable) Local() netip.Addr { return t.local }

// Routes exposes the next-hop cache.
func (t *DistanceTable) Routes() *RouteCache { return t.routes }

// UpdateInfo records info for addr and recomputes routes. Updates that are
// not newer than the stored entry are ignored; the result reports whether
// info was applied.
func (t *DistanceTable) UpdateInfo(addr netip.Addr, info NodeInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.nodes[addr]; ok {
		dt := info.Timestamp.Sub(cur.Timestamp)
		if dt <= 0 {
			return false
		}
		if !cur.Velocity.IsZero() && dt < t.validTime {
			cur.Acceleration = info.Velocity.Sub(cur.Velocity).Scale(1 / dt.Seconds())
		}
		cur.Position = info.Position
		cur.Velocity = info.Velocity
		cur.QueueLen = info.QueueLen
		cur.Energy = info.Energy
		cur.Timestamp = info.Timestamp
		cur.Neighbour = false
	} else {
		entry := info
		entry.Neighbour = false
		t.nodes[addr] = &entry
	}
	t.recomputeLocked()
	return true
}

// Recompute re-evaluates links and paths at the current time, so entries
// age out even when no beacon arrives.
func (t *DistanceTable) Recompute() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recomputeLocked()
}

func (t *DistanceTable) recomputeLocked() {
	now := t.clock.Now()

	t.order = t.order[:0]
	for addr := range t.nodes {
		t.order = append(t.order, addr)
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i].Less(t.order[j]) })

	n := len(t.order)
	predicted := make([]mobility.Vec3, n)
	fresh := make([]bool, n)
	for i, addr := range t.order {
		info := t.nodes[addr]
		age := now.Sub(info.Timestamp)
		fresh[i] = age <= t.validTime
		predicted[i] = info.Position.Add(info.Velocity.Scale(age.Seconds()))
	}

	t.cost = make([][]float64, n)
	for i := range t.cost {
		t.cost[i] = make([]float64, n)
		for j := range t.cost[i] {
			switch {
			case i == j:
				t.cost[i][j] = 0
			case fresh[i] && fresh[j] && predicted[i].DistanceTo(predicted[j]) <= t.maxDistance:
				t.cost[i][j] = 1
			default:
				t.cost[i][j] = math.Inf(1)
			}
		}
	}

	src := t.indexLocked(t.local)
	for i, addr := range t.order {
		t.nodes[addr].Neighbour = src >= 0 && i != src && fresh[src] && fresh[i] &&
			predicted[src].DistanceTo(predicted[i]) < t.maxDistance
	}
	t.dijkstraLocked(src)
	t.routes.Purge()
}

// dijkstraLocked computes distances and predecessors from src. A negative
// src leaves every node unreachable.
func (t *DistanceTable) dijkstraLocked(src int) {
	n := len(t.order)
	t.dist = make([]float64, n)
	t.prev = make([]int, n)
	visited := make([]bool, n)
	for i := range t.dist {
		t.dist[i] = math.Inf(1)
		t.prev[i] = -1
	}
	if src < 0 {
		return
	}
	t.dist[src] = 0

	for {
		u := -1
		for i := 0; i < n; i++ {
			if !visited[i] && !math.IsInf(t.dist[i], 1) && (u < 0 || t.dist[i] < t.dist[u]) {
				u = i
			}
		}
		if u < 0 {
			return
		}
		visited[u] = true
		for v := 0; v < n; v++ {
			if visited[v] || math.IsInf(t.cost[u][v], 1) {
				continue
			}
			if alt := t.dist[u] + t.cost[u][v]; alt < t.dist[v] {
				t.dist[v] = alt
				t.prev[v] = u
			}
		}
	}
}

// LookupRoute returns the first hop towards dst.
func (t *DistanceTable) LookupRoute(dst netip.Addr) (netip.Addr, bool) {
	if hop, ok := t.routes.Get(dst); ok {
		return hop, true
	}
	t.mu.RLock()
	hop, ok := t.nextHopLocked(dst)
	t.mu.RUnlock()
	if ok {
		t.routes.Put(dst, hop)
	}
	return hop, ok
}

func (t *DistanceTable) nextHopLocked(dst netip.Addr) (netip.Addr, bool) {
	src := t.indexLocked(t.local)
	end := t.indexLocked(dst)
	if src < 0 || end < 0 || src == end || math.IsInf(t.dist[end], 1) {
		return netip.Addr{}, false
	}
	hop := end
	for t.prev[hop] != src {
		hop = t.prev[hop]
		if hop < 0 {
			return netip.Addr{}, false
		}
	}
	return t.order[hop], true
}

// HopCount returns the path length to dst.
func (t *DistanceTable) HopCount(dst netip.Addr) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.indexLocked(dst)
	if i < 0 || math.IsInf(t.dist[i], 1) {
		return 0, false
	}
	return int(t.dist[i]), true
}

// Cost returns the link cost between a and b, +Inf when either is unknown.
func (t *DistanceTable) Cost(a, b netip.Addr) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, j := t.indexLocked(a), t.indexLocked(b)
	if i < 0 || j < 0 {
		return math.Inf(1)
	}
	return t.cost[i][j]
}

// Info returns a copy of the entry for addr.
func (t *DistanceTable) Info(addr netip.Addr) (NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.nodes[addr]
	if !ok {
		return NodeInfo{}, false
	}
	return *info, true
}

// Nodes returns every known address in ascending order.
func (t *DistanceTable) Nodes() []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]netip.Addr(nil), t.order...)
}

// Neighbours returns the stations currently predicted in range.
func (t *DistanceTable) Neighbours() []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []netip.Addr
	for _, addr := range t.order {
		if t.nodes[addr].Neighbour {
			out = append(out, addr)
		}
	}
	return out
}

// Size is the number of known stations.
func (t *DistanceTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *DistanceTable) indexLocked(addr netip.Addr) int {
	i := sort.Search(len(t.order), func(i int) bool { return !t.order[i].Less(addr) })
	if i < len(t.order) && t.order[i] == addr {
		return i
	}
	return -1
}
