package phy

import "math"

// SpeedOfLight in metres per second.
const SpeedOfLight = 299792458.0

// Propagation is a log-distance loss model with constant-speed delay.
type Propagation struct {
	Exponent          float64
	ReferenceLossDb   float64
	ReferenceDistance float64
}

// DefaultPropagation returns the model used by the UAV scenarios.
func DefaultPropagation() Propagation {
	return Propagation{Exponent: 1.85, ReferenceLossDb: 59.7, ReferenceDistance: 1}
}

// LossDb returns the path loss at distance d metres.
func (p Propagation) LossDb(d float64) float64 {
	ref := p.ReferenceDistance
	if ref <= 0 {
		ref = 1
	}
	if d <= ref {
		return p.ReferenceLossDb
	}
	return p.ReferenceLossDb + 10*p.Exponent*math.Log10(d/ref)
}

// DelaySeconds returns the propagation delay over d metres.
func (p Propagation) DelaySeconds(d float64) float64 {
	return d / SpeedOfLight
}
