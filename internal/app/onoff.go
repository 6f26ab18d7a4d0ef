// Package app holds the traffic generators and sinks attached to stations.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
)

// ProtocolIPv4 is the protocol number application payloads are sent under.
const ProtocolIPv4 uint16 = 0x0800

var ErrInvalidTraffic = errors.New("invalid traffic configuration")

// Sender is the device interface a source sends through.
type Sender interface {
	Send(p *frame.Packet, dest frame.Mac48, protocol uint16) error
}

// OnOffConfig describes a constant bit rate source.
type OnOffConfig struct {
	// DataRate in bits per second.
	DataRate   float64
	PacketSize int
	Start      time.Time
	// Stop is exclusive. A zero Stop never stops.
	Stop     time.Time
	Dest     frame.Mac48
	Protocol uint16
}

// DefaultOnOffConfig is 40 kb/s of 352 byte broadcasts.
func DefaultOnOffConfig() OnOffConfig {
	return OnOffConfig{
		DataRate:   40_000,
		PacketSize: 352,
		Dest:       frame.Broadcast,
		Protocol:   ProtocolIPv4,
	}
}

// OnOff sends a fixed size packet every PacketSize*8/DataRate seconds
// between Start and Stop.
type OnOff struct {
	sched  events.Scheduler
	sender Sender
	cfg    OnOffConfig
	log    logging.Logger

	interval time.Duration
	pending  events.EventID
	running  bool

	sent   uint64
	failed uint64
	bytes  uint64
}

// NewOnOff validates cfg and returns a stopped source.
func NewOnOff(sched events.Scheduler, sender Sender, cfg OnOffConfig, log logging.Logger) (*OnOff, error) {
	if cfg.DataRate <= 0 {
		return nil, fmt.Errorf("%w: data rate must be positive", ErrInvalidTraffic)
	}
	if cfg.PacketSize < 1 {
		return nil, fmt.Errorf("%w: packet size must be positive", ErrInvalidTraffic)
	}
	if !cfg.Stop.IsZero() && !cfg.Stop.After(cfg.Start) {
		return nil, fmt.Errorf("%w: stop %s is not after start %s", ErrInvalidTraffic, cfg.Stop, cfg.Start)
	}
	if log == nil {
		log = logging.Noop()
	}
	interval := time.Duration(math.Round(float64(cfg.PacketSize*8) * float64(time.Second) / cfg.DataRate))
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v b/s is too fast for %d byte packets", ErrInvalidTraffic, cfg.DataRate, cfg.PacketSize)
	}
	return &OnOff{sched: sched, sender: sender, cfg: cfg, log: log, interval: interval}, nil
}

// Interval is the gap between two packets.
func (o *OnOff) Interval() time.Duration { return o.interval }

// Start arms the first send at the configured start time.
func (o *OnOff) Start() {
	if o.running {
		return
	}
	o.running = true
	o.pending = o.sched.Schedule(o.cfg.Start, o.send)
}

// Stop cancels the next send.
func (o *OnOff) Stop() {
	o.running = false
	o.sched.Cancel(o.pending)
}

func (o *OnOff) send() {
	now := o.sched.Now()
	if !o.cfg.Stop.IsZero() && !now.Before(o.cfg.Stop) {
		o.running = false
		return
	}
	err := o.sender.Send(frame.NewPacket(make([]byte, o.cfg.PacketSize)), o.cfg.Dest, o.cfg.Protocol)
	if err != nil {
		o.failed++
		o.log.Debug(context.Background(), "traffic send failed", logging.Err(err))
	} else {
		o.sent++
		o.bytes += uint64(o.cfg.PacketSize)
	}
	o.pending = o.sched.ScheduleAfter(o.interval, o.send)
}

func (o *OnOff) Sent() uint64      { return o.sent }
func (o *OnOff) Failed() uint64    { return o.failed }
func (o *OnOff) BytesSent() uint64 { return o.bytes }
