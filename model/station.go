package model

import (
	"net/netip"
	"time"
)

// MotionSource indicates how a station's position is produced.
type MotionSource int

const (
	MotionSourceUnknown MotionSource = iota
	MotionSourceStatic
	MotionSourceConstantVelocity
	MotionSourceOrbital // TLE-based propagation
)

func (m MotionSource) String() string {
	switch m {
	case MotionSourceStatic:
		return "static"
	case MotionSourceConstantVelocity:
		return "constant-velocity"
	case MotionSourceOrbital:
		return "orbital"
	default:
		return "unknown"
	}
}

// Motion is a position in metres. Orbital stations report ECEF.
type Motion struct {
	X float64
	Y float64
	Z float64
}

// Station is one simulated radio: its identity, addresses and last
// sampled position.
type Station struct {
	ID      string
	Name    string
	Mac     string
	Address netip.Addr

	// Startup is the offset from the run epoch at which the MAC starts.
	Startup time.Duration

	Coordinates  Motion
	MotionSource MotionSource
	SampledAt    time.Time
}
