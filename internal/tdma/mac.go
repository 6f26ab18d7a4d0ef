package tdma

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/phy"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/rng"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
)

// Phy is the radio the MAC drives. *phy.Phy satisfies it.
type Phy interface {
	TxDuration(size int, mode phy.Mode) time.Duration
	SendPacket(p *frame.Packet, mode phy.Mode)
	IsStateTx() bool
	RegisterListener(l phy.Listener)
	SetReceiveCallback(cb phy.ReceiveCallback)
	Position() mobility.Vec3
}

// ForwardUpFunc receives a payload after the MAC stripped its framing.
type ForwardUpFunc func(p *frame.Packet, from, to frame.Mac48)

// Mac is the TDMA medium access state machine of one station:
// initialization, random access network entry, then one transmission per
// reserved slot for as long as the station runs.
type Mac struct {
	cfg      Config
	station  string
	address  frame.Mac48
	sched    events.Scheduler
	phy      Phy
	mode     phy.Mode
	rng      rng.Stream
	manager  *SlotManager
	queue    *Queue
	observer Observer
	log      logging.Logger
	epoch    time.Time

	slotDuration time.Duration
	startedUp    bool
	linkUp       bool
	rxOngoing    bool
	rxStart      time.Time
	attempts     int
	sequence     uint16

	nextTx  events.EventID
	endInit events.EventID

	forwardUp ForwardUpFunc
	onLinkUp  func()
}

// MacOption configures a Mac.
type MacOption func(*Mac)

// WithObserver attaches trace observers to the MAC and its slot manager.
func WithObserver(o Observer) MacOption {
	return func(m *Mac) { m.observer = o }
}

// WithLogger sets the station logger.
func WithLogger(l logging.Logger) MacOption {
	return func(m *Mac) { m.log = l }
}

// WithSlotEpoch anchors the slot grid shared by all stations.
func WithSlotEpoch(t time.Time) MacOption {
	return func(m *Mac) { m.epoch = t }
}

// NewMac wires a MAC to its radio. The slot duration is the airtime of a
// MaximumPacketSize frame plus the guard interval.
func NewMac(station string, address frame.Mac48, cfg Config, sched events.Scheduler, radio Phy, stream rng.Stream, opts ...MacOption) (*Mac, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := phy.LookupMode(cfg.WifiMode)
	if err != nil {
		return nil, err
	}
	m := &Mac{
		cfg:      cfg,
		station:  station,
		address:  address,
		sched:    sched,
		phy:      radio,
		mode:     mode,
		rng:      stream,
		queue:    NewQueue(cfg.QueueMaxPackets, cfg.QueueMaxDelay),
		observer: NopObserver{},
		log:      logging.Noop(),
		epoch:    sched.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logging.String("station", station))

	m.slotDuration = radio.TxDuration(cfg.MaximumPacketSize, mode) + cfg.GuardInterval
	if n := int(cfg.FrameDuration / m.slotDuration); n < 2*cfg.ReportRate {
		return nil, fmt.Errorf("%w: %s slots fit %d times in a %s frame, need at least %d",
			ErrInvalidConfig, m.slotDuration, n, cfg.FrameDuration, 2*cfg.ReportRate)
	}
	m.manager = NewSlotManager(sched, stream, cfg.ReportRate, cfg.SelectionIntervalRatio,
		WithStation(station),
		WithEpoch(m.epoch),
		WithManagerObserver(m.observer),
		WithManagerLogger(m.log),
	)

	radio.RegisterListener(phyListener{m: m})
	radio.SetReceiveCallback(m.receive)
	return m, nil
}

func (m *Mac) Station() string             { return m.station }
func (m *Mac) Address() frame.Mac48        { return m.address }
func (m *Mac) Config() Config              { return m.cfg }
func (m *Mac) Manager() *SlotManager       { return m.manager }
func (m *Mac) SlotDuration() time.Duration { return m.slotDuration }
func (m *Mac) QueueLen() int               { return m.queue.Len() }
func (m *Mac) IsStartedUp() bool           { return m.startedUp }
func (m *Mac) IsLinkUp() bool              { return m.linkUp }

// SetForwardUpCallback sets where received payloads go.
func (m *Mac) SetForwardUpCallback(f ForwardUpFunc) { m.forwardUp = f }

// SetLinkUpCallback is invoked once network entry completes.
func (m *Mac) SetLinkUpCallback(f func()) { m.onLinkUp = f }

// Enqueue queues p for broadcast to to. Packets whose framed size exceeds
// MaximumPacketSize are dropped with ErrPacketTooLarge.
func (m *Mac) Enqueue(p *frame.Packet, to frame.Mac48) error {
	now := m.sched.Now()
	size := p.Size() + FramingOverhead
	if size > m.cfg.MaximumPacketSize {
		m.drop(now, p.Size(), DropTooLarge)
		return fmt.Errorf("%w: %d bytes framed, limit %d", ErrPacketTooLarge, size, m.cfg.MaximumPacketSize)
	}
	if !m.queue.Enqueue(p, to, now) {
		m.drop(now, p.Size(), DropQueueFull)
		return fmt.Errorf("%w: %d packets", ErrQueueFull, m.queue.Len())
	}
	m.observer.OnEnqueue(EnqueueEvent{Station: m.station, At: now, Size: p.Size(), QueueLen: m.queue.Len()})
	return nil
}

// StartInitializationPhase powers the MAC on. It listens for one frame plus
// Ni slots before attempting network entry.
func (m *Mac) StartInitializationPhase() {
	if m.startedUp {
		return
	}
	now := m.sched.Now()
	if err := m.manager.Setup(now, m.cfg.FrameDuration, m.slotDuration, m.cfg.MinimumCandidateSetSize); err != nil {
		panic(err)
	}
	start := m.manager.Start()
	end := start.Add(m.manager.FrameDuration()).Add(time.Duration(m.manager.Ni()) * m.slotDuration)
	m.sched.Cancel(m.endInit)
	m.endInit = m.sched.Schedule(end, m.endOfInitializationPhase)
	m.startedUp = true

	m.log.Info(context.Background(), "tdma started",
		logging.Time("frame_start", start),
		logging.Duration("slot", m.slotDuration),
		logging.Int("slots_per_frame", m.manager.SlotsPerFrame()),
		logging.Time("entry_window", end),
	)
	m.observer.OnStartup(StartupEvent{
		Station:       m.station,
		At:            now,
		Start:         start,
		FrameDuration: m.manager.FrameDuration(),
		SlotDuration:  m.slotDuration,
		SlotsPerFrame: m.manager.SlotsPerFrame(),
	})
}

// Shutdown cancels pending timers. Received frames are ignored afterwards.
func (m *Mac) Shutdown() {
	m.sched.Cancel(m.endInit)
	m.sched.Cancel(m.nextTx)
	m.startedUp = false
	m.linkUp = false
}

func (m *Mac) endOfInitializationPhase() {
	details := m.manager.GetNetworkEntryTimestamp(m.cfg.NumberOfRandomAccessSlots, 0)
	m.scheduleNetworkEntry(details)
}

func (m *Mac) scheduleNetworkEntry(d RandomAccessDetails) {
	m.log.Debug(context.Background(), "network entry scheduled",
		logging.Time("when", d.When),
		logging.Float64("p", d.Probability),
		logging.Int("remaining", d.RemainingSlots),
		logging.Any("global_slot", m.manager.GetGlobalSlotIndexForTimestamp(d.When)),
	)
	m.sched.Cancel(m.nextTx)
	m.nextTx = m.sched.Schedule(d.When, func() {
		m.performNetworkEntry(d.RemainingSlots, d.Probability)
	})
}

func (m *Mac) performNetworkEntry(remaining int, p float64) {
	now := m.sched.Now()
	m.assertAligned(now, "network entry")
	m.attempts++

	taken := false
	if !m.manager.IsCurrentSlotStillFree() {
		taken = true
		if remaining > 0 && m.manager.HasFreeSlotsLeft(remaining) {
			m.log.Debug(context.Background(), "random access slot taken, retrying",
				logging.Int("remaining", remaining))
			m.scheduleNetworkEntry(m.manager.GetNetworkEntryTimestamp(remaining, p))
			return
		}
	}

	m.manager.RebaseFrameStart(now.Add(m.slotDuration))
	m.manager.SelectNominalSlots()
	m.manager.SelectTransmissionSlotForReservationWithNo(0, m.drawTimeout())
	delay := m.manager.GetTimeUntilTransmissionOfReservationWithNo(0)
	if delay%m.slotDuration != 0 {
		fatalf(TimingViolation, m.station, "entry delay %s is not a whole number of slots", delay)
	}
	offset := int(delay / m.slotDuration)

	item, empty := m.nextPacket(now)
	size := m.transmit(item, Header{Offset: uint16(offset), NetworkEntry: true})

	m.log.Debug(context.Background(), "network entry",
		logging.Int("offset", offset),
		logging.Int("attempts", m.attempts),
		logging.Bool("taken", taken),
		logging.Bool("empty", empty),
	)
	m.observer.OnNetworkEntry(NetworkEntryEvent{
		Station:    m.station,
		At:         now,
		PacketSize: size,
		Delay:      delay,
		Offset:     offset,
		Attempts:   m.attempts,
		IsTaken:    taken,
	})

	m.sched.Cancel(m.nextTx)
	m.nextTx = m.sched.ScheduleAfter(delay, func() { m.doTransmit(true) })

	m.linkUp = true
	m.observer.OnLinkUp(LinkUpEvent{Station: m.station, At: now})
	if m.onLinkUp != nil {
		m.onLinkUp()
	}
}

// doTransmit runs at the start of an own slot. During the first frame the
// slot of each following reservation is picked lazily, one transmission
// ahead.
func (m *Mac) doTransmit(firstFrame bool) {
	now := m.sched.Now()
	m.assertAligned(now, "transmission")

	current := m.manager.GetCurrentReservationNo()
	next := (current + 1) % m.cfg.ReportRate
	if firstFrame && next > current {
		m.manager.SelectTransmissionSlotForReservationWithNo(next, m.drawTimeout())
	}

	var offset int
	timeout := m.manager.DecreaseTimeOutOfReservationWithNumber(current)
	if m.manager.NeedsReReservation(current) {
		offset = m.manager.ReSelectTransmissionSlotForReservationWithNo(current, m.drawTimeout())
	} else {
		offset = m.manager.CalculateSlotOffsetBetweenTransmissions(current, next)
	}

	delay := m.manager.GetTimeUntilTransmissionOfReservationWithNo(next)
	stillFirst := firstFrame && current < next
	m.sched.Cancel(m.nextTx)
	m.nextTx = m.sched.ScheduleAfter(delay, func() { m.doTransmit(stillFirst) })

	item, empty := m.nextPacket(now)
	size := m.transmit(item, Header{Offset: uint16(offset), Timeout: uint8(timeout)})

	global := m.manager.GetGlobalSlotIndexForTimestamp(now)
	m.log.Debug(context.Background(), "tx",
		logging.Int("reservation", current),
		logging.Int("timeout", timeout),
		logging.Int("offset", offset),
		logging.Any("global_slot", global),
		logging.Duration("next_in", delay),
	)
	m.observer.OnTx(TxEvent{
		Station:       m.station,
		At:            now,
		PacketSize:    size,
		ReservationNo: current,
		Timeout:       timeout,
		Offset:        offset,
		GlobalSlot:    global,
		NextTx:        now.Add(delay),
		Empty:         empty,
	})
}

// nextPacket pops the head of the queue, or an empty broadcast payload so
// the reservation is still announced.
func (m *Mac) nextPacket(now time.Time) (QueueItem, bool) {
	item, expired, ok := m.queue.Dequeue(now)
	for _, e := range expired {
		m.drop(now, e.Packet.Size(), DropExpired)
	}
	if !ok {
		return QueueItem{Packet: frame.NewPacket(nil), Dest: frame.Broadcast, Enqueued: now}, true
	}
	return item, false
}

func (m *Mac) transmit(item QueueItem, hdr Header) int {
	pos := m.phy.Position()
	hdr.Latitude = pos.X
	hdr.Longitude = pos.Y

	p := item.Packet.Copy()
	AddHeader(p, hdr)
	airtime := m.phy.TxDuration(p.Size()+frame.MacHeaderSize+frame.FCSSize, m.mode)
	frame.AddMacHeader(p, frame.MacHeader{
		Type:     frame.TypeData,
		Duration: durationField(airtime),
		Addr1:    item.Dest,
		Addr2:    m.address,
		Addr3:    m.address,
		Sequence: m.sequence,
	})
	frame.AddFCS(p)
	m.sequence = (m.sequence + 1) & 0x0fff

	if m.phy.IsStateTx() {
		fatalf(TimingViolation, m.station, "radio still transmitting at %s", m.sched.Now().Format(time.RFC3339Nano))
	}
	m.phy.SendPacket(p, m.mode)
	return p.Size()
}

func (m *Mac) receive(p *frame.Packet, snrDb float64) {
	if !m.active() {
		return
	}
	now := m.sched.Now()
	size := p.Size()

	if err := frame.RemoveFCS(p); err != nil {
		fatalf(ProtocolViolation, m.station, "frame %d: %v", p.UID, err)
	}
	mh, err := frame.RemoveMacHeader(p)
	if err != nil {
		fatalf(ProtocolViolation, m.station, "frame %d: %v", p.UID, err)
	}
	switch {
	case mh.IsMgt():
		fatalf(ProtocolViolation, m.station, "management frame from %s", mh.Addr2)
	case !mh.Addr1.IsGroup():
		fatalf(ProtocolViolation, m.station, "unicast frame from %s to %s", mh.Addr2, mh.Addr1)
	case !mh.IsData():
		fatalf(ProtocolViolation, m.station, "%s frame from %s", mh.Type, mh.Addr2)
	}
	hdr, err := RemoveHeader(p)
	if err != nil {
		fatalf(ProtocolViolation, m.station, "frame from %s without tdma header: %v", mh.Addr2, err)
	}

	from := mh.Addr2
	current := m.manager.GetSlotIndexForTimestamp(now)
	m.learn(current, hdr, from, now)

	m.observer.OnRx(RxEvent{
		Station:    m.station,
		At:         now,
		PacketSize: size,
		From:       from,
		Offset:     int(hdr.Offset),
		Timeout:    int(hdr.Timeout),
		Entry:      hdr.NetworkEntry,
		Slot:       current,
		GlobalSlot: m.manager.GetGlobalSlotIndexForTimestamp(now),
		SnrDb:      snrDb,
	})
	if m.forwardUp != nil && p.Size() > 0 {
		m.forwardUp(p, from, mh.Addr1)
	}
}

// learn updates the slot table from a neighbour header received in slot
// current.
func (m *Mac) learn(current int, hdr Header, from frame.Mac48, now time.Time) {
	n := m.manager.SlotsPerFrame()
	offset := int(hdr.Offset)
	next := (current + offset) % n
	pos := hdr.Position()

	switch {
	case hdr.Timeout > 0:
		m.manager.MarkSlotAsAllocated(current, int(hdr.Timeout), from, pos, now)
		if next != current {
			m.manager.MarkSlotAsAllocated(next, 1, from, pos, now)
		}
	case hdr.NetworkEntry:
		m.manager.MarkSlotAsAllocated(next, 1, from, pos, now)
	default:
		if !m.manager.Slot(current).IsInternallyAllocated() {
			m.manager.MarkSlotAsFreeAgain(current)
		}
		when := now.Add(time.Duration(offset-1) * m.slotDuration)
		m.manager.MarkSlotAsAllocated(next, 2, from, pos, when)
	}
}

func (m *Mac) markBusy(from, to time.Time, cause BusyCause) {
	n := m.manager.SlotsPerFrame()
	if to.Before(from) {
		to = from
	}
	first := m.manager.GetSlotIndexForTimestamp(from)
	last := m.manager.GetSlotIndexForTimestamp(to)
	if to.Sub(from) >= m.manager.FrameDuration() {
		last = mod(first-1, n)
	}
	for i := first; ; i = (i + 1) % n {
		m.manager.MarkSlotAsBusy(i)
		if i == last {
			break
		}
	}
	m.observer.OnBusy(BusyEvent{Station: m.station, At: m.sched.Now(), FirstSlot: first, LastSlot: last, Cause: cause})
}

// active reports whether the MAC is powered on and its first frame began.
func (m *Mac) active() bool {
	return m.startedUp && !m.manager.Start().After(m.sched.Now())
}

func (m *Mac) drawTimeout() int {
	return m.rng.IntBetween(m.cfg.TimeoutMin, m.cfg.TimeoutMax)
}

func (m *Mac) assertAligned(now time.Time, what string) {
	if !m.manager.IsAligned(now) {
		fatalf(TimingViolation, m.station, "%s at %s is off the slot grid", what, now.Format(time.RFC3339Nano))
	}
}

func (m *Mac) drop(now time.Time, size int, reason DropReason) {
	m.log.Warn(context.Background(), "packet dropped",
		logging.Int("size", size),
		logging.String("reason", string(reason)),
	)
	m.observer.OnDrop(DropEvent{Station: m.station, At: now, Size: size, Reason: reason})
}

func durationField(d time.Duration) uint16 {
	us := d / time.Microsecond
	if us > 0x7fff {
		us = 0x7fff
	}
	return uint16(us)
}

// phyListener turns radio notifications into busy slot marks.
type phyListener struct {
	m *Mac
}

func (l phyListener) NotifyRxStart(time.Duration) {
	if !l.m.active() {
		return
	}
	l.m.rxOngoing = true
	l.m.rxStart = l.m.sched.Now()
}

func (l phyListener) NotifyRxEndOk() {
	l.m.rxOngoing = false
}

func (l phyListener) NotifyRxEndError() {
	if !l.m.rxOngoing || !l.m.active() {
		l.m.rxOngoing = false
		return
	}
	l.m.rxOngoing = false
	l.m.markBusy(l.m.rxStart, l.m.sched.Now(), BusyRxFailure)
}

func (l phyListener) NotifyMaybeCcaBusyStart(d time.Duration) {
	if !l.m.active() || d <= 0 {
		return
	}
	now := l.m.sched.Now()
	l.m.markBusy(now, now.Add(d-time.Microsecond), BusyCca)
}

func (l phyListener) NotifyTxStart(time.Duration) {}
