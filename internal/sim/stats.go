package sim

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"
)

// StationCounters is one station's share of the run statistics.
type StationCounters struct {
	Station string

	Transmissions   uint64
	EmptyFrames     uint64
	Receptions      uint64
	NetworkEntries  uint64
	EntryAttempts   uint64
	RandomAccess    uint64
	Reservations    uint64
	ReReservations  uint64
	SlotMoves       uint64
	Enqueued        uint64
	DropsTooLarge   uint64
	DropsQueueFull  uint64
	DropsExpired    uint64
	BusyMarks       uint64
	RoutingTableMax int

	StartedAt  time.Time
	LinkUpAt   time.Time
	EntryDelay time.Duration
}

// Drops is the sum of every drop reason.
func (c StationCounters) Drops() uint64 {
	return c.DropsTooLarge + c.DropsQueueFull + c.DropsExpired
}

// Stats tracks in-memory counters for every station. It implements
// tdma.Observer; all methods are safe for concurrent use.
type Stats struct {
	tdma.NopObserver

	mu       sync.Mutex
	stations map[string]*StationCounters
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{stations: make(map[string]*StationCounters)}
}

func (s *Stats) station(id string) *StationCounters {
	c, ok := s.stations[id]
	if !ok {
		c = &StationCounters{Station: id}
		s.stations[id] = c
	}
	return c
}

func (s *Stats) update(id string, f func(*StationCounters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s.station(id))
}

func (s *Stats) OnStartup(e tdma.StartupEvent) {
	s.update(e.Station, func(c *StationCounters) { c.StartedAt = e.At })
}

func (s *Stats) OnReservation(e tdma.ReservationEvent) {
	s.update(e.Station, func(c *StationCounters) { c.Reservations++ })
}

func (s *Stats) OnReReservation(e tdma.ReReservationEvent) {
	s.update(e.Station, func(c *StationCounters) {
		c.ReReservations++
		if !e.SameSlot {
			c.SlotMoves++
		}
	})
}

func (s *Stats) OnRandomAccess(e tdma.RandomAccessEvent) {
	s.update(e.Station, func(c *StationCounters) { c.RandomAccess++ })
}

func (s *Stats) OnNetworkEntry(e tdma.NetworkEntryEvent) {
	s.update(e.Station, func(c *StationCounters) {
		c.NetworkEntries++
		c.EntryAttempts += uint64(e.Attempts)
		c.EntryDelay = e.Delay
	})
}

func (s *Stats) OnTx(e tdma.TxEvent) {
	s.update(e.Station, func(c *StationCounters) {
		c.Transmissions++
		if e.Empty {
			c.EmptyFrames++
		}
	})
}

func (s *Stats) OnRx(e tdma.RxEvent) {
	s.update(e.Station, func(c *StationCounters) { c.Receptions++ })
}

func (s *Stats) OnEnqueue(e tdma.EnqueueEvent) {
	s.update(e.Station, func(c *StationCounters) { c.Enqueued++ })
}

func (s *Stats) OnDrop(e tdma.DropEvent) {
	s.update(e.Station, func(c *StationCounters) {
		switch e.Reason {
		case tdma.DropTooLarge:
			c.DropsTooLarge++
		case tdma.DropQueueFull:
			c.DropsQueueFull++
		case tdma.DropExpired:
			c.DropsExpired++
		}
	})
}

func (s *Stats) OnBusy(e tdma.BusyEvent) {
	s.update(e.Station, func(c *StationCounters) { c.BusyMarks++ })
}

func (s *Stats) OnLinkUp(e tdma.LinkUpEvent) {
	s.update(e.Station, func(c *StationCounters) { c.LinkUpAt = e.At })
}

// SetRoutingTableSize keeps the largest table each station reached.
func (s *Stats) SetRoutingTableSize(station string, size int) {
	s.update(station, func(c *StationCounters) {
		if size > c.RoutingTableMax {
			c.RoutingTableMax = size
		}
	})
}

// StatsSnapshot is a copy of the counters, ordered by station.
type StatsSnapshot struct {
	Stations []StationCounters
}

// Totals sums every station.
func (s StatsSnapshot) Totals() StationCounters {
	var t StationCounters
	t.Station = "total"
	for _, c := range s.Stations {
		t.Transmissions += c.Transmissions
		t.EmptyFrames += c.EmptyFrames
		t.Receptions += c.Receptions
		t.NetworkEntries += c.NetworkEntries
		t.EntryAttempts += c.EntryAttempts
		t.RandomAccess += c.RandomAccess
		t.Reservations += c.Reservations
		t.ReReservations += c.ReReservations
		t.SlotMoves += c.SlotMoves
		t.Enqueued += c.Enqueued
		t.DropsTooLarge += c.DropsTooLarge
		t.DropsQueueFull += c.DropsQueueFull
		t.DropsExpired += c.DropsExpired
		t.BusyMarks += c.BusyMarks
	}
	return t
}

// Station returns the counters of one station.
func (s StatsSnapshot) Station(id string) (StationCounters, bool) {
	for _, c := range s.Stations {
		if c.Station == id {
			return c, true
		}
	}
	return StationCounters{}, false
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{Stations: make([]StationCounters, 0, len(s.stations))}
	for _, c := range s.stations {
		snap.Stations = append(snap.Stations, *c)
	}
	sort.Slice(snap.Stations, func(i, j int) bool { return snap.Stations[i].Station < snap.Stations[j].Station })
	return snap
}

// String returns a human-readable summary, one line per station.
func (s *Stats) String() string {
	snap := s.Snapshot()
	var b strings.Builder
	for _, c := range append(snap.Stations, snap.Totals()) {
		fmt.Fprintf(&b, "%s: tx=%d empty=%d rx=%d entries=%d reservations=%d re_reservations=%d moves=%d drops=%d busy=%d\n",
			c.Station,
			c.Transmissions,
			c.EmptyFrames,
			c.Receptions,
			c.NetworkEntries,
			c.Reservations,
			c.ReReservations,
			c.SlotMoves,
			c.Drops(),
			c.BusyMarks,
		)
	}
	return b.String()
}
