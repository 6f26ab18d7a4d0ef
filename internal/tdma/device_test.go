package tdma

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

type delivery struct {
	payload  string
	protocol uint16
	from     frame.Mac48
	kind     PacketType
}

func TestNetDeviceClassifiesReceivedFrames(t *testing.T) {
	tb := newMacTestbed()
	dev, _ := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	var host, promisc []delivery
	dev.SetReceiveCallback(func(_ *NetDevice, p *frame.Packet, protocol uint16, from frame.Mac48) {
		host = append(host, delivery{payload: string(p.Data), protocol: protocol, from: from})
	})
	dev.SetPromiscReceiveCallback(func(_ *NetDevice, p *frame.Packet, protocol uint16, from, _ frame.Mac48, kind PacketType) {
		promisc = append(promisc, delivery{payload: string(p.Data), protocol: protocol, from: from, kind: kind})
	})

	up := func(payload string, to frame.Mac48) {
		p := frame.NewPacket([]byte(payload))
		frame.AddLLCSNAP(p, 0x0800)
		dev.forwardUp(p, neighbour, to)
	}
	up("bcast", frame.Broadcast)
	up("mcast", frame.Mac48{0x01, 0x00, 0x5e, 0, 0, 1})
	up("mine", dev.Address())
	up("theirs", frame.AllocateMac48(42))
	dev.forwardUp(frame.NewPacket([]byte{1}), neighbour, frame.Broadcast)

	if len(host) != 3 || host[0].payload != "bcast" || host[2].payload != "mine" || host[0].protocol != 0x0800 {
		t.Fatalf("host deliveries = %+v", host)
	}
	want := []PacketType{PacketBroadcast, PacketMulticast, PacketHost, PacketOtherHost}
	if len(promisc) != len(want) {
		t.Fatalf("promiscuous deliveries = %+v", promisc)
	}
	for i, k := range want {
		if promisc[i].kind != k || promisc[i].from != neighbour {
			t.Fatalf("promisc[%d] = %+v, want %s", i, promisc[i], k)
		}
	}
}

func TestNetDeviceSendAddsLLC(t *testing.T) {
	tb := newMacTestbed()
	dev, trace := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	if err := dev.Send(frame.NewPacket(make([]byte, payloadSize)), frame.Broadcast, 0x86dd); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if dev.Mac().QueueLen() != 1 {
		t.Fatalf("QueueLen = %d", dev.Mac().QueueLen())
	}
	item, _, _ := dev.Mac().queue.Dequeue(epoch)
	if item.Packet.Size() != payloadSize+frame.LLCSNAPSize {
		t.Fatalf("queued size = %d", item.Packet.Size())
	}
	if protocol, err := frame.RemoveLLCSNAP(item.Packet); err != nil || protocol != 0x86dd {
		t.Fatalf("llc protocol = %#x err = %v", protocol, err)
	}
	if len(trace.drops) != 0 {
		t.Fatalf("unexpected drops %+v", trace.drops)
	}
}

func TestNetDeviceSettings(t *testing.T) {
	tb := newMacTestbed()
	dev, _ := tb.addStation(t, "uav-0", 1, 0, scenarioConfig(), nil)
	if dev.Mtu() != DefaultMtu || DefaultMtu != 2296 {
		t.Fatalf("Mtu = %d", dev.Mtu())
	}
	if err := dev.SetMtu(0); !errors.Is(err, ErrInvalidMtu) {
		t.Fatalf("SetMtu(0) err = %v", err)
	}
	if err := dev.SetMtu(3000); !errors.Is(err, ErrInvalidMtu) {
		t.Fatalf("SetMtu(3000) err = %v", err)
	}
	if err := dev.SetMtu(100); err != nil || dev.Mtu() != 100 {
		t.Fatalf("SetMtu(100) err = %v mtu = %d", err, dev.Mtu())
	}
	if err := dev.Send(frame.NewPacket(make([]byte, 101)), frame.Broadcast, 0x0800); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("Send above mtu err = %v", err)
	}
	if err := dev.SendFrom(frame.NewPacket(nil), neighbour, frame.Broadcast, 0x0800); !errors.Is(err, ErrSendFromUnsupported) {
		t.Fatalf("SendFrom err = %v", err)
	}
	if dev.SupportsSendFrom() || !dev.IsBroadcast() || dev.Broadcast() != frame.Broadcast {
		t.Fatalf("capability flags wrong")
	}
	if dev.IsLinkUp() {
		t.Fatalf("link up before network entry")
	}
	dev.SetIfIndex(3)
	if dev.IfIndex() != 3 {
		t.Fatalf("IfIndex = %d", dev.IfIndex())
	}
}
