package uav

import (
	"bytes"
	"errors"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	addrA = StationAddress(1)
	addrB = StationAddress(2)
	addrC = StationAddress(3)
)

func TestTelemetryWireLayout(t *testing.T) {
	h := TelemetryHeader{
		Address:   StationAddress(3),
		Timestamp: epoch.Add(1500 * time.Millisecond),
		Position:  mobility.Vec3{X: -1.25, Y: 2, Z: 100.5},
		Velocity:  mobility.Vec3{X: 10},
		QueueLen:  7,
		Energy:    0.5,
	}
	b := h.Marshal()
	if len(b) != TelemetrySize {
		t.Fatalf("size = %d", len(b))
	}
	if !bytes.Equal(b[0:4], []byte{10, 1, 0, 3}) {
		t.Fatalf("address bytes = % x", b[0:4])
	}
	if !bytes.Equal(b[12:20], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x83}) {
		t.Fatalf("position x bytes = % x, want -125", b[12:20])
	}

	got, err := UnmarshalTelemetry(b)
	if err != nil {
		t.Fatalf("UnmarshalTelemetry: %v", err)
	}
	if got.Address != h.Address || !got.Timestamp.Equal(h.Timestamp) || got.Position != h.Position ||
		got.Velocity != h.Velocity || got.QueueLen != 7 || got.Energy != 0.5 {
		t.Fatalf("decoded %+v", got)
	}
	if _, err := UnmarshalTelemetry(b[:71]); !errors.Is(err, ErrShortTelemetry) {
		t.Fatalf("short header err = %v", err)
	}
}

func newTable(t *testing.T) (*DistanceTable, *timectrl.TimeController) {
	t.Helper()
	clock := timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated)
	return NewDistanceTable(clock, addrA), clock
}

func at(x float64) NodeInfo {
	return NodeInfo{Position: mobility.Vec3{X: x}, Timestamp: epoch}
}

func TestDistanceTableRoutesOverRelays(t *testing.T) {
	table, _ := newTable(t)
	table.UpdateInfo(addrA, at(0))
	table.UpdateInfo(addrB, at(200))
	table.UpdateInfo(addrC, at(400))

	if table.Cost(addrA, addrB) != 1 || table.Cost(addrB, addrC) != 1 {
		t.Fatalf("relay links missing")
	}
	if !math.IsInf(table.Cost(addrA, addrC), 1) {
		t.Fatalf("A-C cost = %v, want +Inf", table.Cost(addrA, addrC))
	}
	hop, ok := table.LookupRoute(addrC)
	if !ok || hop != addrB {
		t.Fatalf("route to C via %v ok=%v, want B", hop, ok)
	}
	if n, ok := table.HopCount(addrC); !ok || n != 2 {
		t.Fatalf("hop count = %d", n)
	}
	if hop, ok := table.LookupRoute(addrB); !ok || hop != addrB {
		t.Fatalf("route to neighbour B via %v", hop)
	}
	if _, ok := table.LookupRoute(addrA); ok {
		t.Fatalf("route to self")
	}
	if nb := table.Neighbours(); len(nb) != 1 || nb[0] != addrB {
		t.Fatalf("neighbours = %v", nb)
	}
	if nodes := table.Nodes(); len(nodes) != 3 || nodes[0] != addrA || nodes[2] != addrC {
		t.Fatalf("nodes = %v", nodes)
	}

	table.LookupRoute(addrC)
	if hits, _, _ := table.Routes().Stats(); hits != 1 {
		t.Fatalf("route cache hits = %d", hits)
	}
}

func TestDistanceTableDeadReckonsAndAges(t *testing.T) {
	table, clock := newTable(t)
	table.UpdateInfo(addrA, at(0))
	moving := at(200)
	moving.Velocity = mobility.Vec3{X: 10}
	table.UpdateInfo(addrB, moving)
	table.UpdateInfo(addrC, at(400))

	clock.SetTime(epoch.Add(15 * time.Second))
	table.Recompute()
	// B is predicted at x=350: out of A's range, next to C.
	if !math.IsInf(table.Cost(addrA, addrB), 1) || table.Cost(addrB, addrC) != 1 {
		t.Fatalf("costs A-B=%v B-C=%v", table.Cost(addrA, addrB), table.Cost(addrB, addrC))
	}
	if _, ok := table.LookupRoute(addrC); ok {
		t.Fatalf("route to C survived B flying away")
	}
	if len(table.Neighbours()) != 0 {
		t.Fatalf("neighbours = %v", table.Neighbours())
	}

	clock.SetTime(epoch.Add(151 * time.Second))
	table.Recompute()
	if !math.IsInf(table.Cost(addrB, addrC), 1) {
		t.Fatalf("stale entries still linked")
	}
}

func TestDistanceTableIgnoresStaleUpdates(t *testing.T) {
	table, clock := newTable(t)
	first := at(10)
	first.Velocity = mobility.Vec3{X: 2}
	if !table.UpdateInfo(addrB, first) {
		t.Fatalf("first update rejected")
	}
	if table.UpdateInfo(addrB, at(50)) {
		t.Fatalf("update with the same timestamp applied")
	}

	clock.SetTime(epoch.Add(2 * time.Second))
	next := NodeInfo{Position: mobility.Vec3{X: 14}, Velocity: mobility.Vec3{X: 6}, Timestamp: epoch.Add(2 * time.Second)}
	if !table.UpdateInfo(addrB, next) {
		t.Fatalf("newer update rejected")
	}
	info, _ := table.Info(addrB)
	if info.Position.X != 14 || info.Acceleration.X != 2 {
		t.Fatalf("info = %+v, want x=14 and acceleration 2", info)
	}
	if table.Size() != 1 {
		t.Fatalf("Size = %d", table.Size())
	}
}

type recordingSender struct {
	packets []*frame.Packet
}

func (r *recordingSender) Send(p *frame.Packet, dest frame.Mac48, protocol uint16) error {
	if protocol != ProtocolUAV || dest != frame.Broadcast {
		return errors.New("unexpected addressing")
	}
	r.packets = append(r.packets, p)
	return nil
}

type zeroStream struct{}

func (zeroStream) Uniform() float64         { return 0 }
func (zeroStream) IntBetween(lo, _ int) int { return lo }

func TestAgentsLearnEachOther(t *testing.T) {
	k := events.NewKernel(timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated))
	sa, sb := &recordingSender{}, &recordingSender{}
	var sizes []int
	a := NewAgent("uav-0", addrA, k, sa, &mobility.Static{}, zeroStream{}, DefaultAgentConfig(),
		WithQueueLength(func() int { return 4 }))
	b := NewAgent("uav-1", addrB, k, sb, &mobility.Static{At: mobility.Vec3{X: 120}}, zeroStream{}, DefaultAgentConfig(),
		WithTableSizeCallback(func(_ string, n int) { sizes = append(sizes, n) }))
	a.Start()
	b.Start()
	k.AdvanceTo(epoch.Add(1500 * time.Millisecond))

	if a.BeaconsSent() != 2 || len(sa.packets) != 2 {
		t.Fatalf("A sent %d beacons", a.BeaconsSent())
	}
	for _, p := range sa.packets {
		b.HandleBeacon(p.Copy(), frame.AllocateMac48(1))
	}
	b.HandleBeacon(frame.NewPacket([]byte{1, 2, 3}), frame.AllocateMac48(1))

	if b.BeaconsHeard() != 2 || b.BeaconsDropped() != 1 {
		t.Fatalf("heard=%d dropped=%d", b.BeaconsHeard(), b.BeaconsDropped())
	}
	hop, ok := b.Table().LookupRoute(addrA)
	if !ok || hop != addrA {
		t.Fatalf("B route to A = %v ok=%v", hop, ok)
	}
	info, _ := b.Table().Info(addrA)
	if info.QueueLen != 4 {
		t.Fatalf("learned queue length = %d", info.QueueLen)
	}
	if len(sizes) == 0 || sizes[len(sizes)-1] != 2 {
		t.Fatalf("table size callbacks = %v", sizes)
	}
	if got := StationAddress(258); got != netip.AddrFrom4([4]byte{10, 1, 1, 2}) {
		t.Fatalf("StationAddress(258) = %v", got)
	}
}
