package mobility

import (
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// Model reports a station's kinematic state at a simulation time.
type Model interface {
	Position(t time.Time) Vec3
	Velocity(t time.Time) Vec3
}

// Static keeps a fixed position.
type Static struct {
	At Vec3
}

// Position returns the fixed position.
func (m *Static) Position(time.Time) Vec3 { return m.At }

// Velocity is always zero.
func (m *Static) Velocity(time.Time) Vec3 { return Vec3{} }

// ConstantVelocity moves in a straight line from Origin, reached at Since.
type ConstantVelocity struct {
	Origin Vec3
	Speed  Vec3
	Since  time.Time
}

// Position dead-reckons from Origin.
func (m *ConstantVelocity) Position(t time.Time) Vec3 {
	dt := t.Sub(m.Since).Seconds()
	return m.Origin.Add(m.Speed.Scale(dt))
}

// Velocity returns the constant velocity.
func (m *ConstantVelocity) Velocity(time.Time) Vec3 { return m.Speed }

// Orbital uses a TLE and SGP4 to place a station in ECEF metres.
type Orbital struct {
	sat satellite.Satellite
}

// NewOrbitalFromTLE constructs an orbital model from TLE lines.
func NewOrbitalFromTLE(line1, line2 string) *Orbital {
	return &Orbital{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}
}

// Position propagates the satellite to t. go-satellite works in kilometres.
func (m *Orbital) Position(t time.Time) Vec3 {
	pos, _ := m.propagate(t)
	return pos
}

// Velocity returns the ECI velocity in m/s. Earth rotation is not removed;
// routing only uses it for short-horizon prediction.
func (m *Orbital) Velocity(t time.Time) Vec3 {
	_, vel := m.propagate(t)
	return vel
}

func (m *Orbital) propagate(t time.Time) (Vec3, Vec3) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, velECI := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)

	const kmToM = 1000.0
	return Vec3{X: posECEF.X * kmToM, Y: posECEF.Y * kmToM, Z: posECEF.Z * kmToM},
		Vec3{X: velECI.X * kmToM, Y: velECI.Y * kmToM, Z: velECI.Z * kmToM}
}
