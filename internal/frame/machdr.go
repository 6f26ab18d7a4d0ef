package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Type is the 802.11-style frame type carried in frame control.
type Type uint8

const (
	TypeManagement Type = 0
	TypeControl    Type = 1
	TypeData       Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeManagement:
		return "management"
	case TypeControl:
		return "control"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	// MacHeaderSize is the serialized size of a data MacHeader.
	MacHeaderSize = 24
	// FCSSize is the CRC-32 trailer size.
	FCSSize = 4
)

// MacHeader is the 24-byte three-address header in front of every frame.
//
//	FrameControl(2) | Duration(2) | Addr1(6) | Addr2(6) | Addr3(6) | SeqCtrl(2)
//
// Multi-byte fields are little-endian.
type MacHeader struct {
	Type     Type
	Subtype  uint8
	Duration uint16
	Addr1    Mac48 // receiver
	Addr2    Mac48 // transmitter
	Addr3    Mac48 // BSSID
	Sequence uint16
	Fragment uint8
}

// IsData reports whether the header describes a data frame.
func (h MacHeader) IsData() bool { return h.Type == TypeData }

// IsMgt reports whether the header describes a management frame.
func (h MacHeader) IsMgt() bool { return h.Type == TypeManagement }

// Marshal encodes the header.
func (h MacHeader) Marshal() []byte {
	b := make([]byte, MacHeaderSize)
	fc := uint16(h.Type&0x3)<<2 | uint16(h.Subtype&0xf)<<4
	binary.LittleEndian.PutUint16(b[0:2], fc)
	binary.LittleEndian.PutUint16(b[2:4], h.Duration)
	copy(b[4:10], h.Addr1[:])
	copy(b[10:16], h.Addr2[:])
	copy(b[16:22], h.Addr3[:])
	binary.LittleEndian.PutUint16(b[22:24], h.Sequence<<4|uint16(h.Fragment&0xf))
	return b
}

// UnmarshalMacHeader decodes a header from the first MacHeaderSize bytes of b.
func UnmarshalMacHeader(b []byte) (MacHeader, error) {
	var h MacHeader
	if len(b) < MacHeaderSize {
		return h, fmt.Errorf("%w: mac header needs %d bytes, have %d", ErrTruncated, MacHeaderSize, len(b))
	}
	fc := binary.LittleEndian.Uint16(b[0:2])
	if fc&0x3 != 0 {
		return h, fmt.Errorf("%w: protocol version %d", ErrUnknownType, fc&0x3)
	}
	h.Type = Type(fc >> 2 & 0x3)
	h.Subtype = uint8(fc >> 4 & 0xf)
	h.Duration = binary.LittleEndian.Uint16(b[2:4])
	copy(h.Addr1[:], b[4:10])
	copy(h.Addr2[:], b[10:16])
	copy(h.Addr3[:], b[16:22])
	sc := binary.LittleEndian.Uint16(b[22:24])
	h.Sequence = sc >> 4
	h.Fragment = uint8(sc & 0xf)
	return h, nil
}

// AddMacHeader prepends h to p.
func AddMacHeader(p *Packet, h MacHeader) {
	p.AddHeader(h.Marshal())
}

// RemoveMacHeader strips and decodes the MAC header of p.
func RemoveMacHeader(p *Packet) (MacHeader, error) {
	raw, err := p.RemoveHeader(MacHeaderSize)
	if err != nil {
		return MacHeader{}, err
	}
	return UnmarshalMacHeader(raw)
}

// AddFCS appends a CRC-32 over the current contents of p.
func AddFCS(p *Packet) {
	var t [FCSSize]byte
	binary.LittleEndian.PutUint32(t[:], crc32.ChecksumIEEE(p.Data))
	p.AddTrailer(t[:])
}

// RemoveFCS strips the trailer and verifies it against the remaining bytes.
func RemoveFCS(p *Packet) error {
	t, err := p.RemoveTrailer(FCSSize)
	if err != nil {
		return err
	}
	want := binary.LittleEndian.Uint32(t)
	if got := crc32.ChecksumIEEE(p.Data); got != want {
		return fmt.Errorf("%w: got %08x want %08x", ErrBadFCS, got, want)
	}
	return nil
}
