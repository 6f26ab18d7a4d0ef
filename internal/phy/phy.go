// Package phy is the shared-medium radio the TDMA MAC runs on. It models
// airtime, reception, collisions and carrier sense; it is not a physical
// layer error model.
package phy

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
)

// State is the radio state.
type State int

const (
	StateIdle State = iota
	StateTx
	StateRx
	StateCcaBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTx:
		return "TX"
	case StateRx:
		return "RX"
	case StateCcaBusy:
		return "CCA_BUSY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Listener is notified of radio activity. Calls happen on the kernel.
type Listener interface {
	NotifyRxStart(d time.Duration)
	NotifyRxEndOk()
	NotifyRxEndError()
	NotifyMaybeCcaBusyStart(d time.Duration)
	NotifyTxStart(d time.Duration)
}

// ReceiveCallback is invoked with a correctly received frame after
// NotifyRxEndOk.
type ReceiveCallback func(p *frame.Packet, snrDb float64)

type reception struct {
	packet    *frame.Packet
	end       time.Time
	powerDbm  float64
	corrupted bool
}

// Phy is one station's radio attached to a Channel.
type Phy struct {
	id       string
	sched    events.Scheduler
	radio    Radio
	mobility mobility.Model
	channel  *Channel

	state   State
	txEnd   time.Time
	busyEnd time.Time
	rx      *reception
	idleEv  events.EventID

	listeners []Listener
	onReceive ReceiveCallback
}

// New creates a radio. It is not on air until attached to a Channel.
func New(id string, sched events.Scheduler, radio Radio, mob mobility.Model) (*Phy, error) {
	radio, err := radio.Normalize()
	if err != nil {
		return nil, err
	}
	if mob == nil {
		mob = &mobility.Static{}
	}
	return &Phy{id: id, sched: sched, radio: radio, mobility: mob}, nil
}

// ID returns the owning station ID.
func (p *Phy) ID() string { return p.id }

// Radio returns the normalized radio parameters.
func (p *Phy) Radio() Radio { return p.radio }

// Position returns the antenna position now.
func (p *Phy) Position() mobility.Vec3 { return p.mobility.Position(p.sched.Now()) }

// State returns the current radio state.
func (p *Phy) State() State { return p.state }

// IsStateTx reports whether the radio is keyed up.
func (p *Phy) IsStateTx() bool { return p.state == StateTx }

// RegisterListener adds a listener.
func (p *Phy) RegisterListener(l Listener) { p.listeners = append(p.listeners, l) }

// SetReceiveCallback sets the upcall for correctly received frames.
func (p *Phy) SetReceiveCallback(cb ReceiveCallback) { p.onReceive = cb }

// TxDuration returns the airtime of size bytes with this radio's width.
func (p *Phy) TxDuration(size int, mode Mode) time.Duration {
	return CalculateTxDuration(size, mode, p.radio.ChannelWidthMHz)
}

// SendPacket keys up and puts pkt on the channel. Transmitting while
// already transmitting is a caller bug and panics; an ongoing reception is
// aborted.
func (p *Phy) SendPacket(pkt *frame.Packet, mode Mode) {
	if p.state == StateTx {
		panic(fmt.Errorf("%w: station %s", ErrTxWhileTransmitting, p.id))
	}
	now := p.sched.Now()
	d := p.TxDuration(pkt.Size(), mode)

	if p.rx != nil {
		p.rx = nil
		p.notify(func(l Listener) { l.NotifyRxEndError() })
	}
	p.cancelIdle()
	p.state = StateTx
	p.txEnd = now.Add(d)
	p.notify(func(l Listener) { l.NotifyTxStart(d) })

	if p.channel != nil {
		p.channel.transmit(p, pkt, d)
	}
	p.sched.Schedule(p.txEnd, p.endTx)
}

func (p *Phy) endTx() {
	if p.state != StateTx {
		return
	}
	p.settle()
}

// startReceive is invoked by the channel when the first bit of a signal
// arrives at this radio.
func (p *Phy) startReceive(pkt *frame.Packet, d time.Duration, powerDbm float64) {
	if powerDbm < p.radio.CcaMode1ThresholdDbm {
		return
	}
	now := p.sched.Now()
	end := now.Add(d)

	switch p.state {
	case StateTx:
		p.extendBusy(end)
		return
	case StateRx:
		// Overlap destroys the frame being decoded; there is no capture.
		p.rx.corrupted = true
		p.extendBusy(end)
		return
	}

	if powerDbm < p.radio.EnergyDetectionThresholdDbm {
		p.extendBusy(end)
		if p.state == StateIdle {
			p.state = StateCcaBusy
			p.notify(func(l Listener) { l.NotifyMaybeCcaBusyStart(d) })
			p.scheduleIdle()
		}
		return
	}

	p.cancelIdle()
	rx := &reception{packet: pkt, end: end, powerDbm: powerDbm}
	if p.busyEnd.After(now) {
		rx.corrupted = true
	}
	p.rx = rx
	p.state = StateRx
	p.notify(func(l Listener) { l.NotifyRxStart(d) })
	p.sched.Schedule(end, func() { p.endReceive(rx) })
}

func (p *Phy) endReceive(rx *reception) {
	if p.rx != rx {
		// aborted by a transmission
		return
	}
	p.rx = nil
	snr := rx.powerDbm - p.radio.NoiseFloorDbm()
	ok := !rx.corrupted && snr >= p.radio.MinSnrDb

	p.settle()
	if !ok {
		p.notify(func(l Listener) { l.NotifyRxEndError() })
		return
	}
	p.notify(func(l Listener) { l.NotifyRxEndOk() })
	if p.onReceive != nil {
		p.onReceive(rx.packet, snr)
	}
}

// settle moves to CCA_BUSY if interference is still on air, else IDLE.
func (p *Phy) settle() {
	now := p.sched.Now()
	if p.busyEnd.After(now) {
		p.state = StateCcaBusy
		remaining := p.busyEnd.Sub(now)
		p.notify(func(l Listener) { l.NotifyMaybeCcaBusyStart(remaining) })
		p.scheduleIdle()
		return
	}
	p.state = StateIdle
}

func (p *Phy) extendBusy(end time.Time) {
	if end.After(p.busyEnd) {
		p.busyEnd = end
	}
}

func (p *Phy) scheduleIdle() {
	p.cancelIdle()
	p.idleEv = p.sched.Schedule(p.busyEnd, func() {
		p.idleEv = ""
		if p.state == StateCcaBusy && !p.busyEnd.After(p.sched.Now()) {
			p.state = StateIdle
		}
	})
}

func (p *Phy) cancelIdle() {
	if p.idleEv != "" {
		p.sched.Cancel(p.idleEv)
		p.idleEv = ""
	}
}

func (p *Phy) notify(fn func(Listener)) {
	for _, l := range p.listeners {
		fn(l)
	}
}
