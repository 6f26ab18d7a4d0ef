package uav

import (
	"context"
	"net/netip"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/rng"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
)

// ProtocolUAV carries telemetry beacons.
const ProtocolUAV uint16 = 0x88b5

// Sender is the device interface beacons are sent through.
type Sender interface {
	Send(p *frame.Packet, dest frame.Mac48, protocol uint16) error
}

// AgentConfig tunes beaconing and the distance table.
type AgentConfig struct {
	Interval      time.Duration
	MaxDistance   float64
	ValidTime     time.Duration
	InitialEnergy float64
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Interval:      time.Second,
		MaxDistance:   DefaultMaxDistance,
		ValidTime:     DefaultValidTime,
		InitialEnergy: 1,
	}
}

// StationAddress returns the IPv4 address of the station with the given
// one-based index: 10.1.x.y.
func StationAddress(index int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 1, byte(index >> 8), byte(index)})
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithQueueLength reports the station's transmit backlog in beacons.
func WithQueueLength(f func() int) AgentOption {
	return func(a *Agent) { a.queueLen = f }
}

// WithAgentLogger sets the logger.
func WithAgentLogger(l logging.Logger) AgentOption {
	return func(a *Agent) { a.log = l }
}

// WithTableSizeCallback is called with the table size after every change.
func WithTableSizeCallback(f func(station string, size int)) AgentOption {
	return func(a *Agent) { a.onTable = f }
}

// Agent beacons the station's telemetry and maintains its distance table.
type Agent struct {
	station string
	address netip.Addr
	sched   events.Scheduler
	sender  Sender
	mob     mobility.Model
	rng     rng.Stream
	cfg     AgentConfig
	table   *DistanceTable
	log     logging.Logger

	queueLen func() int
	onTable  func(string, int)

	pending events.EventID
	sent    uint64
	heard   uint64
	bad     uint64
}

func NewAgent(station string, address netip.Addr, sched events.Scheduler, sender Sender, mob mobility.Model, stream rng.Stream, cfg AgentConfig, opts ...AgentOption) *Agent {
	a := &Agent{
		station:  station,
		address:  address,
		sched:    sched,
		sender:   sender,
		mob:      mob,
		rng:      stream,
		cfg:      cfg,
		log:      logging.Noop(),
		queueLen: func() int { return 0 },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.table = NewDistanceTable(sched, address, WithMaxDistance(cfg.MaxDistance), WithValidTime(cfg.ValidTime))
	return a
}

func (a *Agent) Address() netip.Addr    { return a.address }
func (a *Agent) Table() *DistanceTable  { return a.table }
func (a *Agent) BeaconsSent() uint64    { return a.sent }
func (a *Agent) BeaconsHeard() uint64   { return a.heard }
func (a *Agent) BeaconsDropped() uint64 { return a.bad }

// Start sends the first beacon within the next millisecond.
func (a *Agent) Start() {
	a.sched.Cancel(a.pending)
	a.pending = a.sched.ScheduleAfter(a.jitter(), a.beacon)
}

func (a *Agent) Stop() {
	a.sched.Cancel(a.pending)
}

func (a *Agent) jitter() time.Duration {
	return time.Duration(a.rng.IntBetween(0, 1000)) * time.Microsecond
}

func (a *Agent) beacon() {
	now := a.sched.Now()
	hdr := TelemetryHeader{
		Address:   a.address,
		Timestamp: now,
		Position:  a.mob.Position(now),
		Velocity:  a.mob.Velocity(now),
		QueueLen:  uint32(a.queueLen()),
		Energy:    a.cfg.InitialEnergy,
	}
	a.learn(hdr)
	a.table.Recompute()

	if err := a.sender.Send(frame.NewPacket(hdr.Marshal()), frame.Broadcast, ProtocolUAV); err != nil {
		a.log.Warn(context.Background(), "beacon not sent", logging.Err(err))
	} else {
		a.sent++
	}
	a.pending = a.sched.ScheduleAfter(a.cfg.Interval+a.jitter(), a.beacon)
}

// HandleBeacon learns from a received beacon payload.
func (a *Agent) HandleBeacon(p *frame.Packet, from frame.Mac48) {
	hdr, err := UnmarshalTelemetry(p.Data)
	if err != nil {
		a.bad++
		a.log.Warn(context.Background(), "malformed beacon",
			logging.String("from", from.String()), logging.Err(err))
		return
	}
	a.heard++
	a.learn(hdr)
}

func (a *Agent) learn(hdr TelemetryHeader) {
	applied := a.table.UpdateInfo(hdr.Address, NodeInfo{
		Position:  hdr.Position,
		Velocity:  hdr.Velocity,
		QueueLen:  hdr.QueueLen,
		Energy:    hdr.Energy,
		Timestamp: hdr.Timestamp,
	})
	if applied && a.onTable != nil {
		a.onTable(a.station, a.table.Size())
	}
}
