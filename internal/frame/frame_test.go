package frame

import (
	"errors"
	"testing"
)

func TestMac48Classification(t *testing.T) {
	if !Broadcast.IsBroadcast() || !Broadcast.IsGroup() {
		t.Fatalf("broadcast must be a group address")
	}
	a := AllocateMac48(1)
	if a.IsGroup() {
		t.Fatalf("%s must be unicast", a)
	}
	if a.String() != "02:00:00:00:00:01" {
		t.Fatalf("AllocateMac48(1) = %s", a)
	}
	multicast := Mac48{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
	if !multicast.IsGroup() || multicast.IsBroadcast() {
		t.Fatalf("%s must be multicast", multicast)
	}
	parsed, err := ParseMac48("02:00:00:00:00:01")
	if err != nil || parsed != a {
		t.Fatalf("ParseMac48 = %s, %v", parsed, err)
	}
	if _, err := ParseMac48("02:00"); err == nil {
		t.Fatalf("expected error for short address")
	}
}

func TestFramingStackSizes(t *testing.T) {
	p := NewPacket(make([]byte, 352))
	AddLLCSNAP(p, 0x0800)
	p.AddHeader(make([]byte, 12))
	AddMacHeader(p, MacHeader{Type: TypeData, Addr1: Broadcast, Addr2: AllocateMac48(7)})
	AddFCS(p)

	if p.Size() != 400 {
		t.Fatalf("framed size = %d, want 400", p.Size())
	}

	rx := p.Copy()
	if err := RemoveFCS(rx); err != nil {
		t.Fatalf("RemoveFCS: %v", err)
	}
	hdr, err := RemoveMacHeader(rx)
	if err != nil {
		t.Fatalf("RemoveMacHeader: %v", err)
	}
	if !hdr.IsData() || hdr.Addr1 != Broadcast || hdr.Addr2 != AllocateMac48(7) {
		t.Fatalf("unexpected header %+v", hdr)
	}
	if rx.UID != p.UID {
		t.Fatalf("copy changed UID")
	}
	if _, err := rx.RemoveHeader(12); err != nil {
		t.Fatalf("RemoveHeader: %v", err)
	}
	proto, err := RemoveLLCSNAP(rx)
	if err != nil || proto != 0x0800 {
		t.Fatalf("RemoveLLCSNAP = %#x, %v", proto, err)
	}
	if rx.Size() != 352 {
		t.Fatalf("payload size = %d, want 352", rx.Size())
	}
}

func TestFCSDetectsCorruption(t *testing.T) {
	p := NewPacket([]byte("slot 17"))
	AddFCS(p)
	p.Data[0] ^= 0xff
	if err := RemoveFCS(p); !errors.Is(err, ErrBadFCS) {
		t.Fatalf("RemoveFCS error = %v, want ErrBadFCS", err)
	}
}

func TestMacHeaderTypes(t *testing.T) {
	for _, typ := range []Type{TypeManagement, TypeControl, TypeData} {
		h := MacHeader{Type: typ, Subtype: 8, Sequence: 4095, Fragment: 3}
		got, err := UnmarshalMacHeader(h.Marshal())
		if err != nil {
			t.Fatalf("UnmarshalMacHeader(%s): %v", typ, err)
		}
		if got != h {
			t.Fatalf("decoded %+v, want %+v", got, h)
		}
	}
	if _, err := UnmarshalMacHeader(make([]byte, 10)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestRemoveLLCSNAPRejectsGarbage(t *testing.T) {
	p := NewPacket([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if _, err := RemoveLLCSNAP(p); !errors.Is(err, ErrNotLLCSNAP) {
		t.Fatalf("expected ErrNotLLCSNAP, got %v", err)
	}
}
