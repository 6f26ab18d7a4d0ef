package tdma

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
)

// PacketType classifies a received frame by its destination.
type PacketType int

const (
	PacketHost PacketType = iota
	PacketBroadcast
	PacketMulticast
	PacketOtherHost
)

func (t PacketType) String() string {
	switch t {
	case PacketHost:
		return "host"
	case PacketBroadcast:
		return "broadcast"
	case PacketMulticast:
		return "multicast"
	case PacketOtherHost:
		return "other-host"
	default:
		return fmt.Sprintf("PacketType(%d)", int(t))
	}
}

const (
	maxMsduSize = 2304
	// DefaultMtu leaves room for the LLC/SNAP header inside an MSDU.
	DefaultMtu = maxMsduSize - frame.LLCSNAPSize
)

// ReceiveFunc gets payloads addressed to this device.
type ReceiveFunc func(d *NetDevice, p *frame.Packet, protocol uint16, from frame.Mac48)

// PromiscFunc gets every payload the MAC forwards.
type PromiscFunc func(d *NetDevice, p *frame.Packet, protocol uint16, from, to frame.Mac48, t PacketType)

// NetDevice binds a MAC to upper layers. It owns the MAC for its lifetime.
type NetDevice struct {
	mac     *Mac
	ifIndex int
	mtu     int
	linkUp  bool
	log     logging.Logger

	receive     ReceiveFunc
	promisc     PromiscFunc
	linkChanges []func()
}

// NewNetDevice wraps mac.
func NewNetDevice(mac *Mac, log logging.Logger) *NetDevice {
	if log == nil {
		log = logging.Noop()
	}
	d := &NetDevice{mac: mac, mtu: DefaultMtu, log: log}
	mac.SetForwardUpCallback(d.forwardUp)
	mac.SetLinkUpCallback(d.setLinkUp)
	return d
}

func (d *NetDevice) Mac() *Mac              { return d.mac }
func (d *NetDevice) Address() frame.Mac48   { return d.mac.Address() }
func (d *NetDevice) Broadcast() frame.Mac48 { return frame.Broadcast }
func (d *NetDevice) IsBroadcast() bool      { return true }
func (d *NetDevice) IsLinkUp() bool         { return d.linkUp }
func (d *NetDevice) Mtu() int               { return d.mtu }
func (d *NetDevice) IfIndex() int           { return d.ifIndex }
func (d *NetDevice) SetIfIndex(i int)       { d.ifIndex = i }
func (d *NetDevice) SupportsSendFrom() bool { return false }

// SetReceiveCallback sets the upcall for frames addressed to this device.
func (d *NetDevice) SetReceiveCallback(f ReceiveFunc) { d.receive = f }

// SetPromiscReceiveCallback sets a callback that sees every forwarded frame.
func (d *NetDevice) SetPromiscReceiveCallback(f PromiscFunc) { d.promisc = f }

// AddLinkChangeCallback registers f to run when the link comes up.
func (d *NetDevice) AddLinkChangeCallback(f func()) {
	d.linkChanges = append(d.linkChanges, f)
}

// SetMtu changes the MTU. Values above the MSDU limit are rejected.
func (d *NetDevice) SetMtu(mtu int) error {
	if mtu < 1 || mtu > DefaultMtu {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidMtu, mtu, DefaultMtu)
	}
	d.mtu = mtu
	return nil
}

// Start powers the MAC on.
func (d *NetDevice) Start() {
	d.mac.StartInitializationPhase()
}

// Send frames p with LLC/SNAP and queues it at the MAC.
func (d *NetDevice) Send(p *frame.Packet, dest frame.Mac48, protocol uint16) error {
	if p.Size() > d.mtu {
		return fmt.Errorf("%w: %d bytes exceed mtu %d", ErrPacketTooLarge, p.Size(), d.mtu)
	}
	frame.AddLLCSNAP(p, protocol)
	return d.mac.Enqueue(p, dest)
}

// SendFrom is not supported by the TDMA MAC.
func (d *NetDevice) SendFrom(*frame.Packet, frame.Mac48, frame.Mac48, uint16) error {
	return ErrSendFromUnsupported
}

func (d *NetDevice) forwardUp(p *frame.Packet, from, to frame.Mac48) {
	protocol, err := frame.RemoveLLCSNAP(p)
	if err != nil {
		d.log.Warn(context.Background(), "dropping frame without llc/snap",
			logging.String("from", from.String()), logging.Err(err))
		return
	}

	var t PacketType
	switch {
	case to.IsBroadcast():
		t = PacketBroadcast
	case to.IsGroup():
		t = PacketMulticast
	case to == d.mac.Address():
		t = PacketHost
	default:
		t = PacketOtherHost
	}

	if t != PacketOtherHost && d.receive != nil {
		d.receive(d, p, protocol, from)
	}
	if d.promisc != nil {
		d.promisc(d, p, protocol, from, to, t)
	}
}

func (d *NetDevice) setLinkUp() {
	d.linkUp = true
	for _, f := range d.linkChanges {
		f()
	}
}
