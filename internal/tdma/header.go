package tdma

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

// HeaderSize is the serialized size of Header.
const HeaderSize = 12

// Header is the TDMA header placed between the MAC header and the payload.
//
//	Latitude(4) | Longitude(4) | Offset(2) | Timeout(1) | Entry(1)
//
// Fields are big-endian. Coordinates are truncated to whole units and
// carried as two's complement.
type Header struct {
	Latitude     float64
	Longitude    float64
	Offset       uint16
	Timeout      uint8
	NetworkEntry bool
}

// Position returns the coordinate pair as a Position.
func (h Header) Position() Position {
	return Position{X: h.Latitude, Y: h.Longitude}
}

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(truncCoord(h.Latitude)))
	binary.BigEndian.PutUint32(b[4:8], uint32(truncCoord(h.Longitude)))
	binary.BigEndian.PutUint16(b[8:10], h.Offset)
	b[10] = h.Timeout
	if h.NetworkEntry {
		b[11] = 1
	}
	return b
}

// UnmarshalHeader decodes the first HeaderSize bytes of b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("tdma header: %w (have %d bytes)", frame.ErrTruncated, len(b))
	}
	return Header{
		Latitude:     float64(int32(binary.BigEndian.Uint32(b[0:4]))),
		Longitude:    float64(int32(binary.BigEndian.Uint32(b[4:8]))),
		Offset:       binary.BigEndian.Uint16(b[8:10]),
		Timeout:      b[10],
		NetworkEntry: b[11] != 0,
	}, nil
}

// AddHeader prepends h to p.
func AddHeader(p *frame.Packet, h Header) {
	p.AddHeader(h.Marshal())
}

// RemoveHeader strips and decodes the TDMA header at the front of p.
func RemoveHeader(p *frame.Packet) (Header, error) {
	b, err := p.RemoveHeader(HeaderSize)
	if err != nil {
		return Header{}, fmt.Errorf("tdma header: %w", err)
	}
	return UnmarshalHeader(b)
}

func truncCoord(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
