package tdma

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/phy"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/rng"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

const (
	payloadSize   = 352
	trafficPeriod = 70400 * time.Microsecond // 352 bytes at 40 kb/s
)

type macTrace struct {
	NopObserver
	mac *Mac

	tx           []TxEvent
	rx           []RxEvent
	entries      []NetworkEntryEvent
	randomAccess []RandomAccessEvent
	drops        []DropEvent
	busy         []BusyEvent
	linkUps      int

	onRandomAccess func(RandomAccessEvent)
	onRx           func(RxEvent)
}

func (tr *macTrace) OnTx(e TxEvent)       { tr.tx = append(tr.tx, e) }
func (tr *macTrace) OnDrop(e DropEvent)   { tr.drops = append(tr.drops, e) }
func (tr *macTrace) OnBusy(e BusyEvent)   { tr.busy = append(tr.busy, e) }
func (tr *macTrace) OnLinkUp(LinkUpEvent) { tr.linkUps++ }

func (tr *macTrace) OnNetworkEntry(e NetworkEntryEvent) {
	tr.entries = append(tr.entries, e)
}

func (tr *macTrace) OnRx(e RxEvent) {
	tr.rx = append(tr.rx, e)
	if tr.onRx != nil {
		tr.onRx(e)
	}
}

func (tr *macTrace) OnRandomAccess(e RandomAccessEvent) {
	tr.randomAccess = append(tr.randomAccess, e)
	if tr.onRandomAccess != nil {
		tr.onRandomAccess(e)
	}
}

type macTestbed struct {
	kernel  *events.Kernel
	channel *phy.Channel
	streams *rng.Factory
}

func newMacTestbed() *macTestbed {
	k := events.NewKernel(timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated))
	return &macTestbed{kernel: k, channel: phy.NewChannel(k, phy.DefaultPropagation()), streams: rng.NewFactory(1)}
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.ReportRate = 10
	cfg.TimeoutMin = 8
	cfg.TimeoutMax = 8
	cfg.MaximumPacketSize = 400
	return cfg
}

func (tb *macTestbed) addStation(t *testing.T, id string, n uint32, x float64, cfg Config, stream rng.Stream) (*NetDevice, *macTrace) {
	t.Helper()
	radio, err := phy.New(id, tb.kernel, phy.DefaultRadio(), &mobility.Static{At: mobility.Vec3{X: x}})
	if err != nil {
		t.Fatalf("phy.New(%s): %v", id, err)
	}
	tb.channel.Attach(radio)
	if stream == nil {
		stream = tb.streams.Stream(id)
	}
	trace := &macTrace{}
	mac, err := NewMac(id, frame.AllocateMac48(n), cfg, tb.kernel, radio, stream,
		WithObserver(trace), WithSlotEpoch(epoch))
	if err != nil {
		t.Fatalf("NewMac(%s): %v", id, err)
	}
	trace.mac = mac
	return NewNetDevice(mac, nil), trace
}

// feed sends a 352 byte broadcast every trafficPeriod from start on.
func (tb *macTestbed) feed(dev *NetDevice, start time.Time) {
	var tick func()
	tick = func() {
		_ = dev.Send(frame.NewPacket(make([]byte, payloadSize)), frame.Broadcast, 0x0800)
		tb.kernel.ScheduleAfter(trafficPeriod, tick)
	}
	tb.kernel.Schedule(start, tick)
}

func (tb *macTestbed) run(t *testing.T, d time.Duration) {
	t.Helper()
	if err := tb.kernel.RunUntil(epoch.Add(d)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSlotDurationFollowsMaximumPacketSize(t *testing.T) {
	tb := newMacTestbed()
	dev, _ := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	if got := dev.Mac().SlotDuration(); got != 566*time.Microsecond {
		t.Fatalf("SlotDuration = %v, want 566us", got)
	}

	cfg := scenarioConfig()
	cfg.FrameDuration = 10 * time.Millisecond
	radio, err := phy.New("small", tb.kernel, phy.DefaultRadio(), &mobility.Static{})
	if err != nil {
		t.Fatalf("phy.New: %v", err)
	}
	if _, err := NewMac("small", frame.AllocateMac48(9), cfg, tb.kernel, radio, constStream{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewMac with a 17 slot frame: err = %v, want ErrInvalidConfig", err)
	}
}

func TestSingleStationReservesReportRateSlotsPerFrame(t *testing.T) {
	tb := newMacTestbed()
	dev, trace := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	linkChanges := 0
	dev.AddLinkChangeCallback(func() { linkChanges++ })
	dev.Start()
	tb.feed(dev, epoch.Add(time.Second))
	tb.run(t, 4100*time.Millisecond)

	m := dev.Mac()
	frameDuration := m.Manager().FrameDuration()
	if frameDuration != 999556*time.Microsecond {
		t.Fatalf("frame = %v", frameDuration)
	}

	if len(trace.entries) != 1 {
		t.Fatalf("network entries = %d, want 1", len(trace.entries))
	}
	entry := trace.entries[0]
	initEnd := epoch.Add(frameDuration + time.Duration(m.Manager().Ni())*m.SlotDuration())
	if entry.At.Before(initEnd) || entry.At.After(initEnd.Add(150*m.SlotDuration())) {
		t.Fatalf("entry at %v outside the random access window after %v", entry.At, initEnd)
	}
	if entry.Attempts != 1 || entry.IsTaken {
		t.Fatalf("entry = %+v", entry)
	}
	if !dev.IsLinkUp() || linkChanges != 1 || trace.linkUps != 1 {
		t.Fatalf("link up=%v callbacks=%d events=%d", dev.IsLinkUp(), linkChanges, trace.linkUps)
	}
	if first := trace.tx[0].At; !first.Equal(entry.At.Add(entry.Delay)) {
		t.Fatalf("first transmission at %v, entry promised %v", first, entry.At.Add(entry.Delay))
	}

	if n := len(trace.tx); n < 25 || n > 40 {
		t.Fatalf("transmissions = %d, want 25..40", n)
	}
	for i, ev := range trace.tx {
		if ev.ReservationNo != i%10 {
			t.Fatalf("tx %d used reservation %d", i, ev.ReservationNo)
		}
		if want := 8 - (i+10)/10; ev.Timeout != want {
			t.Fatalf("tx %d timeout = %d, want %d", i, ev.Timeout, want)
		}
		if ev.At.Sub(epoch)%m.SlotDuration() != 0 {
			t.Fatalf("tx %d at %v is off the slot grid", i, ev.At)
		}
		if ev.GlobalSlot != int64(ev.At.Sub(epoch)/m.SlotDuration()) {
			t.Fatalf("tx %d global slot = %d", i, ev.GlobalSlot)
		}
		if ev.Empty && ev.PacketSize != FramingOverhead || !ev.Empty && ev.PacketSize != 400 {
			t.Fatalf("tx %d size = %d empty=%v", i, ev.PacketSize, ev.Empty)
		}
		if i == 0 {
			continue
		}
		if !ev.At.Equal(trace.tx[i-1].NextTx) {
			t.Fatalf("tx %d at %v, previous announced %v", i, ev.At, trace.tx[i-1].NextTx)
		}
		if i >= 10 && ev.At.Sub(trace.tx[i-10].At) != frameDuration {
			t.Fatalf("tx %d is %v after the same reservation one frame earlier", i, ev.At.Sub(trace.tx[i-10].At))
		}
	}

	used := make(map[int]bool)
	for n := 0; n < 10; n++ {
		slot, ok := m.Manager().SelectedSlot(n)
		if !ok || used[slot] {
			t.Fatalf("reservation %d slot %d ok=%v duplicate=%v", n, slot, ok, used[slot])
		}
		used[slot] = true
	}
}

func TestTwoStationsShareTheFrame(t *testing.T) {
	tb := newMacTestbed()
	cfg := scenarioConfig()
	devA, traceA := tb.addStation(t, "uav-0", 1, 0, cfg, nil)
	devB, traceB := tb.addStation(t, "uav-1", 2, 100, cfg, nil)

	var violations []string
	checkLearned := func(tr *macTrace) func(RxEvent) {
		return func(e RxEvent) {
			if e.Entry || e.Timeout == 0 {
				return
			}
			mgr := tr.mac.Manager()
			for _, idx := range []int{e.Slot, (e.Slot + e.Offset) % mgr.SlotsPerFrame()} {
				s := mgr.Slot(idx)
				if s.IsInternallyAllocated() {
					continue
				}
				if !s.IsAllocated() || s.Owner() != e.From {
					violations = append(violations, tr.mac.Station()+": "+s.String())
				}
			}
		}
	}
	traceA.onRx = checkLearned(traceA)
	traceB.onRx = checkLearned(traceB)

	devA.Start()
	tb.kernel.Schedule(epoch.Add(300*time.Millisecond), devB.Start)
	tb.feed(devA, epoch.Add(time.Second))
	tb.feed(devB, epoch.Add(1300*time.Millisecond))
	tb.run(t, 4100*time.Millisecond)

	if len(violations) > 0 {
		t.Fatalf("learned slots disagree with headers: %v", violations)
	}
	if devB.Mac().Manager().Start().Sub(epoch)%devB.Mac().SlotDuration() != 0 {
		t.Fatalf("late station frame start %v is off the shared grid", devB.Mac().Manager().Start())
	}
	if len(traceA.entries) != 1 || len(traceB.entries) != 1 {
		t.Fatalf("entries A=%d B=%d", len(traceA.entries), len(traceB.entries))
	}
	if len(traceA.tx) < 15 || len(traceB.tx) < 15 {
		t.Fatalf("transmissions A=%d B=%d", len(traceA.tx), len(traceB.tx))
	}

	slotsA := make(map[int64]bool)
	for _, ev := range traceA.tx {
		slotsA[ev.GlobalSlot] = true
	}
	for _, ev := range traceB.tx {
		if slotsA[ev.GlobalSlot] {
			t.Fatalf("both stations transmitted in global slot %d", ev.GlobalSlot)
		}
	}

	matchGlobal := func(rx []RxEvent, tx []TxEvent, from frame.Mac48) int {
		matched := 0
		for _, r := range rx {
			if r.Entry || r.From != from {
				continue
			}
			var last *TxEvent
			for i := range tx {
				if tx[i].At.After(r.At) {
					break
				}
				last = &tx[i]
			}
			if last == nil || last.GlobalSlot != r.GlobalSlot {
				t.Fatalf("rx at %v in global slot %d does not match sender slot %v", r.At, r.GlobalSlot, last)
			}
			matched++
		}
		return matched
	}
	if n := matchGlobal(traceB.rx, traceA.tx, devA.Address()); n < 15 {
		t.Fatalf("B decoded %d transmissions of A", n)
	}
	if n := matchGlobal(traceA.rx, traceB.tx, devB.Address()); n < 15 {
		t.Fatalf("A decoded %d transmissions of B", n)
	}
}

func TestOversizedPacketIsDropped(t *testing.T) {
	tb := newMacTestbed()
	dev, trace := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	m := dev.Mac()

	err := m.Enqueue(frame.NewPacket(make([]byte, 361)), frame.Broadcast)
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("Enqueue(361) err = %v, want ErrPacketTooLarge", err)
	}
	if m.QueueLen() != 0 {
		t.Fatalf("queue length = %d after drop", m.QueueLen())
	}
	if len(trace.drops) != 1 || trace.drops[0].Reason != DropTooLarge || trace.drops[0].Size != 361 {
		t.Fatalf("drops = %+v", trace.drops)
	}

	if err := m.Enqueue(frame.NewPacket(make([]byte, 360)), frame.Broadcast); err != nil {
		t.Fatalf("Enqueue(360): %v", err)
	}
	if err := dev.Send(frame.NewPacket(make([]byte, payloadSize+1)), frame.Broadcast, 0x0800); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("Send(353) err = %v", err)
	}
	if m.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1", m.QueueLen())
	}
}

func TestQueueOverflowIsReported(t *testing.T) {
	tb := newMacTestbed()
	cfg := scenarioConfig()
	cfg.QueueMaxPackets = 2
	dev, trace := tb.addStation(t, "uav-0", 1, 0, cfg, nil)
	for i := 0; i < 2; i++ {
		if err := dev.Mac().Enqueue(frame.NewPacket([]byte{1}), frame.Broadcast); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := dev.Mac().Enqueue(frame.NewPacket([]byte{1}), frame.Broadcast); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Enqueue err = %v", err)
	}
	if len(trace.drops) != 1 || trace.drops[0].Reason != DropQueueFull {
		t.Fatalf("drops = %+v", trace.drops)
	}
}

func TestRandomAccessRetriesWhenSlotIsTaken(t *testing.T) {
	tb := newMacTestbed()
	dev, trace := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), constStream{u: 0})
	m := dev.Mac()
	trace.onRandomAccess = func(e RandomAccessEvent) {
		if len(trace.randomAccess) != 1 {
			return
		}
		idx := m.Manager().GetSlotIndexForTimestamp(e.When)
		m.Manager().MarkSlotAsAllocated(idx, 3, neighbour, Position{}, time.Time{})
	}
	dev.Start()
	tb.run(t, 1500*time.Millisecond)

	if len(trace.randomAccess) != 2 {
		t.Fatalf("random access draws = %d, want 2", len(trace.randomAccess))
	}
	first, second := trace.randomAccess[0], trace.randomAccess[1]
	if !second.When.Equal(first.When.Add(m.SlotDuration())) {
		t.Fatalf("retry at %v, want the slot after %v", second.When, first.When)
	}
	if second.RemainingSlots != first.RemainingSlots-1 {
		t.Fatalf("remaining slots %d then %d", first.RemainingSlots, second.RemainingSlots)
	}
	if len(trace.entries) != 1 {
		t.Fatalf("entries = %d", len(trace.entries))
	}
	if e := trace.entries[0]; e.Attempts != 2 || !e.At.Equal(second.When) {
		t.Fatalf("entry = %+v", e)
	}
	for _, tx := range trace.tx {
		if !tx.At.After(second.When) {
			t.Fatalf("transmission at %v before network entry", tx.At)
		}
	}
}

func dataFrame(t *testing.T, payload []byte, hdr Header, from, to frame.Mac48, kind frame.Type) *frame.Packet {
	t.Helper()
	p := frame.NewPacket(payload)
	AddHeader(p, hdr)
	frame.AddMacHeader(p, frame.MacHeader{Type: kind, Addr1: to, Addr2: from, Addr3: from})
	frame.AddFCS(p)
	return p
}

func startedMac(t *testing.T) (*macTestbed, *Mac, *macTrace) {
	t.Helper()
	tb := newMacTestbed()
	dev, trace := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	dev.Mac().StartInitializationPhase()
	return tb, dev.Mac(), trace
}

func TestReceiveLearnsFromHeaders(t *testing.T) {
	tb, m, trace := startedMac(t)
	var delivered [][]byte
	m.SetForwardUpCallback(func(p *frame.Packet, from, to frame.Mac48) {
		delivered = append(delivered, p.Data)
	})
	mgr := m.Manager()
	slot := m.SlotDuration()

	tb.run(t, 10*slot)
	m.receive(dataFrame(t, []byte("hi"), Header{Offset: 100, Timeout: 3, Latitude: 12, Longitude: -4}, neighbour, frame.Broadcast, frame.TypeData), 20)
	if s := mgr.Slot(10); !s.IsAllocated() || s.Timeout() != 3 || s.Owner() != neighbour || s.Position() != (Position{X: 12, Y: -4}) {
		t.Fatalf("current slot = %v", s)
	}
	if s := mgr.Slot(110); !s.IsAllocated() || s.Timeout() != 1 {
		t.Fatalf("next slot = %v", s)
	}
	if len(delivered) != 1 || string(delivered[0]) != "hi" {
		t.Fatalf("delivered = %q", delivered)
	}

	tb.run(t, 20*slot)
	m.receive(dataFrame(t, nil, Header{Offset: 50, NetworkEntry: true}, neighbour, frame.Broadcast, frame.TypeData), 20)
	if s := mgr.Slot(70); !s.IsAllocated() || s.Timeout() != 1 {
		t.Fatalf("entry target slot = %v", s)
	}
	if !mgr.Slot(20).IsFree() {
		t.Fatalf("random access slot marked: %v", mgr.Slot(20))
	}

	tb.run(t, 110*slot)
	m.receive(dataFrame(t, nil, Header{Offset: 40, Timeout: 0}, neighbour, frame.Broadcast, frame.TypeData), 20)
	if !mgr.Slot(110).IsFree() {
		t.Fatalf("released slot still held: %v", mgr.Slot(110))
	}
	s := mgr.Slot(150)
	if !s.IsAllocated() || s.Timeout() != 2 || !s.NotBefore().Equal(epoch.Add(149*slot)) {
		t.Fatalf("moved reservation = %v notBefore %v", s, s.NotBefore())
	}
	if len(delivered) != 1 {
		t.Fatalf("empty payloads were forwarded up")
	}
	if len(trace.rx) != 3 || trace.rx[0].Slot != 10 || trace.rx[0].GlobalSlot != 10 || trace.rx[0].SnrDb != 20 {
		t.Fatalf("rx trace = %+v", trace.rx)
	}
}

func TestReceiveRejectsForeignFrames(t *testing.T) {
	_, m, _ := startedMac(t)
	cases := []struct {
		name string
		pkt  *frame.Packet
	}{
		{name: "management", pkt: dataFrame(t, nil, Header{}, neighbour, frame.Broadcast, frame.TypeManagement)},
		{name: "control", pkt: dataFrame(t, nil, Header{}, neighbour, frame.Broadcast, frame.TypeControl)},
		{name: "unicast", pkt: dataFrame(t, nil, Header{}, neighbour, m.Address(), frame.TypeData)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectFatal(t, ProtocolViolation, func() { m.receive(tc.pkt, 20) })
		})
	}

	t.Run("bad fcs", func(t *testing.T) {
		p := dataFrame(t, []byte{1, 2, 3}, Header{}, neighbour, frame.Broadcast, frame.TypeData)
		p.Data[0] ^= 0xff
		expectFatal(t, ProtocolViolation, func() { m.receive(p, 20) })
	})

	t.Run("no tdma header", func(t *testing.T) {
		p := frame.NewPacket([]byte{1, 2, 3})
		frame.AddMacHeader(p, frame.MacHeader{Type: frame.TypeData, Addr1: frame.Broadcast, Addr2: neighbour})
		frame.AddFCS(p)
		expectFatal(t, ProtocolViolation, func() { m.receive(p, 20) })
	})
}

func TestFatalFaultStopsTheKernel(t *testing.T) {
	tb, m, _ := startedMac(t)
	bad := dataFrame(t, nil, Header{}, neighbour, m.Address(), frame.TypeData)
	tb.kernel.Schedule(epoch.Add(time.Millisecond), func() { m.receive(bad, 20) })

	err := tb.kernel.RunUntil(epoch.Add(time.Second))
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Kind != ProtocolViolation || fe.Station != "uav-0" {
		t.Fatalf("RunUntil err = %v, want a protocol violation from uav-0", err)
	}
}

func TestReceiveBeforeStartupIsIgnored(t *testing.T) {
	tb := newMacTestbed()
	dev, trace := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	dev.Mac().receive(dataFrame(t, nil, Header{}, neighbour, dev.Address(), frame.TypeData), 20)
	if len(trace.rx) != 0 {
		t.Fatalf("frame processed before startup")
	}
}

func TestPhyNotificationsMarkSlotsBusy(t *testing.T) {
	tb, m, trace := startedMac(t)
	mgr := m.Manager()
	slot := m.SlotDuration()
	l := phyListener{m: m}

	tb.run(t, 5*slot)
	l.NotifyMaybeCcaBusyStart(time.Millisecond)
	if !mgr.Slot(5).IsBusy() || !mgr.Slot(6).IsBusy() || mgr.Slot(7).IsBusy() {
		t.Fatalf("cca marks: 5=%v 6=%v 7=%v", mgr.Slot(5), mgr.Slot(6), mgr.Slot(7))
	}

	tb.run(t, 20*slot)
	l.NotifyRxStart(slot)
	tb.run(t, 22*slot+100*time.Microsecond)
	l.NotifyRxEndError()
	for idx := 20; idx <= 22; idx++ {
		if !mgr.Slot(idx).IsBusy() {
			t.Fatalf("slot %d not busy after a failed reception", idx)
		}
	}

	tb.run(t, 30*slot)
	l.NotifyRxStart(slot)
	l.NotifyRxEndOk()
	l.NotifyRxEndError()
	if mgr.Slot(30).IsBusy() {
		t.Fatalf("completed reception marked busy")
	}

	if len(trace.busy) != 2 || trace.busy[0].Cause != BusyCca || trace.busy[1].Cause != BusyRxFailure {
		t.Fatalf("busy trace = %+v", trace.busy)
	}
	if trace.busy[1].FirstSlot != 20 || trace.busy[1].LastSlot != 22 {
		t.Fatalf("rx failure range = %+v", trace.busy[1])
	}
}
