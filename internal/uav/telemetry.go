// Package uav implements position-aware routing for UAV swarms: stations
// beacon their kinematic state and route over a hop-count graph of the
// neighbours predicted to be in range.
package uav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
)

// TelemetrySize is the serialized size of TelemetryHeader.
const TelemetrySize = 72

var ErrShortTelemetry = errors.New("telemetry header truncated")

// TelemetryHeader is the beacon body.
//
//	Address(4) | TimestampMs(8) | Position x,y,z *100 (3x8) |
//	Velocity x,y,z *100 (3x8) | QueueLen(4) | Energy *10000 (8)
//
// All fields are big-endian; scaled values are signed.
type TelemetryHeader struct {
	Address   netip.Addr
	Timestamp time.Time
	Position  mobility.Vec3
	Velocity  mobility.Vec3
	QueueLen  uint32
	Energy    float64
}

// Marshal encodes the header. Addresses other than IPv4 encode as 0.0.0.0.
func (h TelemetryHeader) Marshal() []byte {
	b := make([]byte, TelemetrySize)
	if h.Address.Is4() {
		a := h.Address.As4()
		copy(b[0:4], a[:])
	}
	binary.BigEndian.PutUint64(b[4:12], uint64(h.Timestamp.UnixMilli()))
	putScaled(b[12:], h.Position, 100)
	putScaled(b[36:], h.Velocity, 100)
	binary.BigEndian.PutUint32(b[60:64], h.QueueLen)
	binary.BigEndian.PutUint64(b[64:72], uint64(int64(math.Round(h.Energy*10000))))
	return b
}

// UnmarshalTelemetry decodes a header from the front of b.
func UnmarshalTelemetry(b []byte) (TelemetryHeader, error) {
	if len(b) < TelemetrySize {
		return TelemetryHeader{}, fmt.Errorf("%w: have %d of %d bytes", ErrShortTelemetry, len(b), TelemetrySize)
	}
	var a [4]byte
	copy(a[:], b[0:4])
	return TelemetryHeader{
		Address:   netip.AddrFrom4(a),
		Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(b[4:12]))).UTC(),
		Position:  getScaled(b[12:], 100),
		Velocity:  getScaled(b[36:], 100),
		QueueLen:  binary.BigEndian.Uint32(b[60:64]),
		Energy:    float64(int64(binary.BigEndian.Uint64(b[64:72]))) / 10000,
	}, nil
}

func putScaled(b []byte, v mobility.Vec3, k float64) {
	binary.BigEndian.PutUint64(b[0:8], uint64(int64(v.X*k)))
	binary.BigEndian.PutUint64(b[8:16], uint64(int64(v.Y*k)))
	binary.BigEndian.PutUint64(b[16:24], uint64(int64(v.Z*k)))
}

func getScaled(b []byte, k float64) mobility.Vec3 {
	return mobility.Vec3{
		X: float64(int64(binary.BigEndian.Uint64(b[0:8]))) / k,
		Y: float64(int64(binary.BigEndian.Uint64(b[8:16]))) / k,
		Z: float64(int64(binary.BigEndian.Uint64(b[16:24]))) / k,
	}
}
