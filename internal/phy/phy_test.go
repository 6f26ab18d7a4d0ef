package phy

import (
	"testing"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim/events"
	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingListener struct {
	rxStart, rxOk, rxErr, cca, tx int
	lastCca                        time.Duration
}

func (r *recordingListener) NotifyRxStart(time.Duration) { r.rxStart++ }
func (r *recordingListener) NotifyRxEndOk()              { r.rxOk++ }
func (r *recordingListener) NotifyRxEndError()           { r.rxErr++ }
func (r *recordingListener) NotifyMaybeCcaBusyStart(d time.Duration) {
	r.cca++
	r.lastCca = d
}
func (r *recordingListener) NotifyTxStart(time.Duration) { r.tx++ }

type testbed struct {
	kernel  *events.Kernel
	channel *Channel
}

func newTestbed() *testbed {
	k := events.NewKernel(timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated))
	return &testbed{kernel: k, channel: NewChannel(k, DefaultPropagation())}
}

func (tb *testbed) add(t *testing.T, id string, x float64) (*Phy, *recordingListener) {
	t.Helper()
	p, err := New(id, tb.kernel, DefaultRadio(), &mobility.Static{At: mobility.Vec3{X: x}})
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	l := &recordingListener{}
	p.RegisterListener(l)
	tb.channel.Attach(p)
	return p, l
}

func mustMode(t *testing.T, name string) Mode {
	t.Helper()
	m, err := LookupMode(name)
	if err != nil {
		t.Fatalf("LookupMode(%s): %v", name, err)
	}
	return m
}

func TestCalculateTxDuration(t *testing.T) {
	m6 := mustMode(t, "OfdmRate6Mbps")
	cases := []struct {
		size  int
		mode  Mode
		width int
		want  time.Duration
	}{
		{size: 400, mode: m6, width: 20, want: 560 * time.Microsecond},
		{size: 400, mode: m6, width: 10, want: 1120 * time.Microsecond},
		{size: 0, mode: m6, width: 20, want: 24 * time.Microsecond},
		{size: 1500, mode: mustMode(t, "ofdmrate54mbps"), width: 20, want: 244 * time.Microsecond},
	}
	for _, tc := range cases {
		if got := CalculateTxDuration(tc.size, tc.mode, tc.width); got != tc.want {
			t.Fatalf("CalculateTxDuration(%d, %s, %d) = %v, want %v", tc.size, tc.mode.Name, tc.width, got, tc.want)
		}
	}
	if _, err := LookupMode("DsssRate1Mbps"); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestReceptionDeliversFrame(t *testing.T) {
	tb := newTestbed()
	a, la := tb.add(t, "a", 0)
	b, lb := tb.add(t, "b", 10)

	var got *frame.Packet
	var snr float64
	b.SetReceiveCallback(func(p *frame.Packet, s float64) {
		got = p
		snr = s
		if lb.rxOk != 1 {
			t.Fatalf("RxEndOk must precede the receive callback")
		}
	})

	mode := mustMode(t, "OfdmRate6Mbps")
	pkt := frame.NewPacket(make([]byte, 400))
	tb.kernel.Schedule(epoch, func() { a.SendPacket(pkt, mode) })

	tb.kernel.AdvanceTo(epoch.Add(100 * time.Microsecond))
	if !a.IsStateTx() || b.State() != StateRx {
		t.Fatalf("states during airtime: a=%s b=%s", a.State(), b.State())
	}
	tb.kernel.AdvanceTo(epoch.Add(time.Millisecond))

	if got == nil || got.UID != pkt.UID || got.Size() != 400 {
		t.Fatalf("receiver got %+v", got)
	}
	if snr < 20 {
		t.Fatalf("snr = %v, expected strong link", snr)
	}
	if la.tx != 1 || lb.rxStart != 1 || lb.rxErr != 0 {
		t.Fatalf("listener counts a=%+v b=%+v", la, lb)
	}
	if a.State() != StateIdle || b.State() != StateIdle {
		t.Fatalf("states after airtime: a=%s b=%s", a.State(), b.State())
	}
}

func TestOverlappingFramesCollide(t *testing.T) {
	tb := newTestbed()
	a, _ := tb.add(t, "a", 0)
	b, lb := tb.add(t, "b", 20)
	c, _ := tb.add(t, "c", 40)

	var delivered int
	b.SetReceiveCallback(func(*frame.Packet, float64) { delivered++ })

	mode := mustMode(t, "OfdmRate6Mbps")
	tb.kernel.Schedule(epoch, func() { a.SendPacket(frame.NewPacket(make([]byte, 100)), mode) })
	tb.kernel.Schedule(epoch.Add(10*time.Microsecond), func() { c.SendPacket(frame.NewPacket(make([]byte, 100)), mode) })
	tb.kernel.AdvanceTo(epoch.Add(time.Millisecond))

	if delivered != 0 {
		t.Fatalf("collided frames must not be delivered, got %d", delivered)
	}
	if lb.rxErr != 1 {
		t.Fatalf("rxErr = %d, want 1", lb.rxErr)
	}
	if lb.cca != 1 {
		t.Fatalf("expected CCA busy for the tail of the second frame, got %d", lb.cca)
	}
}

func TestWeakSignalOnlyBusiesChannel(t *testing.T) {
	tb := newTestbed()
	a, _ := tb.add(t, "a", 0)
	far, lf := tb.add(t, "far", 800)

	var delivered int
	far.SetReceiveCallback(func(*frame.Packet, float64) { delivered++ })

	mode := mustMode(t, "OfdmRate6Mbps")
	tb.kernel.Schedule(epoch, func() { a.SendPacket(frame.NewPacket(make([]byte, 400)), mode) })
	tb.kernel.AdvanceTo(epoch.Add(100 * time.Microsecond))
	if far.State() != StateCcaBusy {
		t.Fatalf("far state = %s, want CCA_BUSY", far.State())
	}
	tb.kernel.AdvanceTo(epoch.Add(time.Millisecond))

	if delivered != 0 || lf.rxStart != 0 {
		t.Fatalf("weak signal must not be decoded")
	}
	if lf.cca != 1 || lf.lastCca != 560*time.Microsecond {
		t.Fatalf("cca notifications = %d last=%v", lf.cca, lf.lastCca)
	}
	if far.State() != StateIdle {
		t.Fatalf("far state after signal = %s", far.State())
	}
}

func TestSendWhileTransmittingPanics(t *testing.T) {
	tb := newTestbed()
	a, _ := tb.add(t, "a", 0)
	mode := mustMode(t, "OfdmRate6Mbps")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	a.SendPacket(frame.NewPacket(make([]byte, 10)), mode)
	a.SendPacket(frame.NewPacket(make([]byte, 10)), mode)
}

func TestRadioNormalize(t *testing.T) {
	r, err := Radio{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.ChannelWidthMHz != 20 || r.EnergyDetectionThresholdDbm != -96 {
		t.Fatalf("unexpected defaults %+v", r)
	}
	if nf := r.NoiseFloorDbm(); nf < -94.1 || nf > -93.9 {
		t.Fatalf("noise floor = %v, want about -94", nf)
	}
	if _, err := (Radio{ChannelWidthMHz: 40}).Normalize(); err == nil {
		t.Fatalf("expected width error")
	}
}
