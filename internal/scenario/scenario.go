// Package scenario loads YAML run descriptions: the MAC, PHY, traffic and
// routing settings plus the list of stations and how they move.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/mobility"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/phy"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/tdma"
	"github.com/signalsfoundry/uav-tdma-simulator/model"
)

var (
	ErrNoStations      = errors.New("scenario has no stations")
	ErrInvalidScenario = errors.New("invalid scenario")
)

// Mobility types accepted in station definitions.
const (
	MobilityStatic           = "static"
	MobilityConstantVelocity = "constant-velocity"
	MobilityOrbital          = "orbital"
)

var defaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Vector struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

func (v Vector) Vec3() mobility.Vec3 { return mobility.Vec3{X: v.X, Y: v.Y, Z: v.Z} }

// MAC mirrors tdma.Config. Zero fields keep the MAC defaults.
type MAC struct {
	FrameDuration           Duration `yaml:"frameDuration"`
	MaximumPacketSize       int      `yaml:"maximumPacketSize"`
	ReportRate              int      `yaml:"reportRate"`
	TimeoutMin              int      `yaml:"timeoutMin"`
	TimeoutMax              int      `yaml:"timeoutMax"`
	GuardInterval           Duration `yaml:"guardInterval"`
	RandomAccessSlots       int      `yaml:"randomAccessSlots"`
	SelectionIntervalRatio  float64  `yaml:"selectionIntervalRatio"`
	MinimumCandidateSetSize int      `yaml:"minimumCandidateSetSize"`
	WifiMode                string   `yaml:"wifiMode"`
	QueueMaxPackets         int      `yaml:"queueMaxPackets"`
	QueueMaxDelay           Duration `yaml:"queueMaxDelay"`
}

type Radio struct {
	TxPowerDbm                  float64 `yaml:"txPowerDbm"`
	TxGainDb                    float64 `yaml:"txGainDb"`
	RxGainDb                    float64 `yaml:"rxGainDb"`
	RxNoiseFigureDb             float64 `yaml:"rxNoiseFigureDb"`
	EnergyDetectionThresholdDbm float64 `yaml:"energyDetectionThresholdDbm"`
	CcaMode1ThresholdDbm        float64 `yaml:"ccaMode1ThresholdDbm"`
	MinSnrDb                    float64 `yaml:"minSnrDb"`
	ChannelWidthMHz             int     `yaml:"channelWidthMHz"`
}

type Propagation struct {
	Exponent          float64 `yaml:"exponent"`
	ReferenceLossDb   float64 `yaml:"referenceLossDb"`
	ReferenceDistance float64 `yaml:"referenceDistance"`
}

// Traffic configures the broadcast source on every station.
type Traffic struct {
	Enabled    *bool    `yaml:"enabled"`
	DataRate   DataRate `yaml:"dataRate"`
	PacketSize int      `yaml:"packetSize"`
	Start      Duration `yaml:"start"`
	Stop       Duration `yaml:"stop"`
}

// On reports whether traffic is generated; it defaults to true.
func (t Traffic) On() bool { return t.Enabled == nil || *t.Enabled }

// Routing configures the UAV beacon agent.
type Routing struct {
	Enabled       bool     `yaml:"enabled"`
	Interval      Duration `yaml:"interval"`
	MaxDistance   float64  `yaml:"maxDistance"`
	ValidTime     Duration `yaml:"validTime"`
	InitialEnergy float64  `yaml:"initialEnergy"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Mobility struct {
	Type     string `yaml:"type"`
	Position Vector `yaml:"position"`
	Velocity Vector `yaml:"velocity"`
	TLE1     string `yaml:"tle1"`
	TLE2     string `yaml:"tle2"`
}

type Station struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Startup  Duration `yaml:"startup"`
	Mobility Mobility `yaml:"mobility"`
}

// Scenario is one run.
type Scenario struct {
	Name           string      `yaml:"name"`
	Seed           uint64      `yaml:"seed"`
	Epoch          time.Time   `yaml:"epoch"`
	Duration       Duration    `yaml:"duration"`
	SampleInterval Duration    `yaml:"sampleInterval"`
	Log            Log         `yaml:"log"`
	MAC            MAC         `yaml:"mac"`
	Radio          Radio       `yaml:"radio"`
	Propagation    Propagation `yaml:"propagation"`
	Traffic        Traffic     `yaml:"traffic"`
	Routing        Routing     `yaml:"routing"`
	Stations       []Station   `yaml:"stations"`
}

// Load reads, defaults and validates the scenario at path. A relative log
// file is resolved against the scenario's directory.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if file := strings.TrimSpace(sc.Log.File); file != "" && !filepath.IsAbs(file) {
		sc.Log.File = filepath.Clean(filepath.Join(filepath.Dir(path), file))
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return sc, nil
}

// Parse is Load for an already open reader.
func Parse(r io.Reader) (*Scenario, error) {
	sc, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func decode(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	sc.applyDefaults()
	return &sc, nil
}

func (s *Scenario) applyDefaults() {
	if s.Name == "" {
		s.Name = "tdma"
	}
	if s.Seed == 0 {
		s.Seed = 1
	}
	if s.Epoch.IsZero() {
		s.Epoch = defaultEpoch
	}
	s.Epoch = s.Epoch.UTC()
	if s.Duration == 0 {
		s.Duration = Duration(10 * time.Second)
	}
	if s.SampleInterval == 0 {
		s.SampleInterval = Duration(time.Second)
	}
	if s.Traffic.DataRate == 0 {
		s.Traffic.DataRate = 40000
	}
	if s.Traffic.PacketSize == 0 {
		s.Traffic.PacketSize = 352
	}
	if s.Traffic.Stop == 0 {
		s.Traffic.Stop = s.Duration
	}
	if s.Routing.Interval == 0 {
		s.Routing.Interval = Duration(time.Second)
	}
	if s.Routing.MaxDistance == 0 {
		s.Routing.MaxDistance = 300
	}
	if s.Routing.ValidTime == 0 {
		s.Routing.ValidTime = Duration(150 * time.Second)
	}
	if s.Routing.InitialEnergy == 0 {
		s.Routing.InitialEnergy = 1
	}
	for i := range s.Stations {
		st := &s.Stations[i]
		if st.Name == "" {
			st.Name = st.ID
		}
		if st.Mobility.Type == "" {
			st.Mobility.Type = MobilityStatic
		}
		st.Mobility.Type = strings.ToLower(st.Mobility.Type)
	}
}

// Validate reports the first problem found.
func (s *Scenario) Validate() error {
	if len(s.Stations) == 0 {
		return ErrNoStations
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidScenario)
	}
	if s.SampleInterval <= 0 {
		return fmt.Errorf("%w: sample interval must be positive", ErrInvalidScenario)
	}
	if err := s.MACConfig().Validate(); err != nil {
		return fmt.Errorf("%w: mac: %v", ErrInvalidScenario, err)
	}
	if _, err := s.RadioConfig().Normalize(); err != nil {
		return fmt.Errorf("%w: radio: %v", ErrInvalidScenario, err)
	}
	if s.Traffic.On() {
		if s.Traffic.DataRate <= 0 || s.Traffic.PacketSize <= 0 {
			return fmt.Errorf("%w: traffic needs a positive rate and packet size", ErrInvalidScenario)
		}
		if s.Traffic.Stop <= s.Traffic.Start {
			return fmt.Errorf("%w: traffic stops at %s before it starts at %s",
				ErrInvalidScenario, s.Traffic.Stop.Std(), s.Traffic.Start.Std())
		}
	}
	if s.Routing.Enabled && (s.Routing.Interval <= 0 || s.Routing.MaxDistance <= 0 || s.Routing.ValidTime <= 0) {
		return fmt.Errorf("%w: routing interval, range and valid time must be positive", ErrInvalidScenario)
	}

	seen := make(map[string]struct{}, len(s.Stations))
	for i, st := range s.Stations {
		if st.ID == "" {
			return fmt.Errorf("%w: station %d has no id", ErrInvalidScenario, i)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("%w: duplicate station id %q", ErrInvalidScenario, st.ID)
		}
		seen[st.ID] = struct{}{}
		if st.Startup < 0 || st.Startup >= s.Duration {
			return fmt.Errorf("%w: station %q starts at %s, outside the run", ErrInvalidScenario, st.ID, st.Startup.Std())
		}
		switch st.Mobility.Type {
		case MobilityStatic, MobilityConstantVelocity:
		case MobilityOrbital:
			if st.Mobility.TLE1 == "" || st.Mobility.TLE2 == "" {
				return fmt.Errorf("%w: orbital station %q needs both TLE lines", ErrInvalidScenario, st.ID)
			}
		default:
			return fmt.Errorf("%w: station %q has unknown mobility %q", ErrInvalidScenario, st.ID, st.Mobility.Type)
		}
	}
	return nil
}

// MACConfig overlays the configured MAC fields on tdma.DefaultConfig.
func (s *Scenario) MACConfig() tdma.Config {
	cfg := tdma.DefaultConfig()
	m := s.MAC
	if m.FrameDuration != 0 {
		cfg.FrameDuration = m.FrameDuration.Std()
	}
	if m.MaximumPacketSize != 0 {
		cfg.MaximumPacketSize = m.MaximumPacketSize
	}
	if m.ReportRate != 0 {
		cfg.ReportRate = m.ReportRate
	}
	if m.TimeoutMin != 0 {
		cfg.TimeoutMin = m.TimeoutMin
	}
	if m.TimeoutMax != 0 {
		cfg.TimeoutMax = m.TimeoutMax
	}
	if m.GuardInterval != 0 {
		cfg.GuardInterval = m.GuardInterval.Std()
	}
	if m.RandomAccessSlots != 0 {
		cfg.NumberOfRandomAccessSlots = m.RandomAccessSlots
	}
	if m.SelectionIntervalRatio != 0 {
		cfg.SelectionIntervalRatio = m.SelectionIntervalRatio
	}
	if m.MinimumCandidateSetSize != 0 {
		cfg.MinimumCandidateSetSize = m.MinimumCandidateSetSize
	}
	if m.WifiMode != "" {
		cfg.WifiMode = m.WifiMode
	}
	if m.QueueMaxPackets != 0 {
		cfg.QueueMaxPackets = m.QueueMaxPackets
	}
	if m.QueueMaxDelay != 0 {
		cfg.QueueMaxDelay = m.QueueMaxDelay.Std()
	}
	return cfg
}

// RadioConfig returns the radio settings; unset fields are filled by
// phy.Radio.Normalize.
func (s *Scenario) RadioConfig() phy.Radio {
	r := s.Radio
	return phy.Radio{
		TxPowerDbm:                  r.TxPowerDbm,
		TxGainDb:                    r.TxGainDb,
		RxGainDb:                    r.RxGainDb,
		RxNoiseFigureDb:             r.RxNoiseFigureDb,
		EnergyDetectionThresholdDbm: r.EnergyDetectionThresholdDbm,
		CcaMode1ThresholdDbm:        r.CcaMode1ThresholdDbm,
		MinSnrDb:                    r.MinSnrDb,
		ChannelWidthMHz:             r.ChannelWidthMHz,
	}
}

// PropagationModel returns the loss model, falling back to the default
// for unset fields.
func (s *Scenario) PropagationModel() phy.Propagation {
	p := phy.DefaultPropagation()
	if s.Propagation.Exponent != 0 {
		p.Exponent = s.Propagation.Exponent
	}
	if s.Propagation.ReferenceLossDb != 0 {
		p.ReferenceLossDb = s.Propagation.ReferenceLossDb
	}
	if s.Propagation.ReferenceDistance != 0 {
		p.ReferenceDistance = s.Propagation.ReferenceDistance
	}
	return p
}

// Model builds the station's mobility model. Constant-velocity stations
// are at Position at the run epoch.
func (m Mobility) Model(epoch time.Time) (mobility.Model, model.MotionSource, error) {
	switch m.Type {
	case MobilityStatic, "":
		return &mobility.Static{At: m.Position.Vec3()}, model.MotionSourceStatic, nil
	case MobilityConstantVelocity:
		return &mobility.ConstantVelocity{
			Origin: m.Position.Vec3(),
			Speed:  m.Velocity.Vec3(),
			Since:  epoch,
		}, model.MotionSourceConstantVelocity, nil
	case MobilityOrbital:
		return mobility.NewOrbitalFromTLE(m.TLE1, m.TLE2), model.MotionSourceOrbital, nil
	default:
		return nil, model.MotionSourceUnknown, fmt.Errorf("%w: unknown mobility %q", ErrInvalidScenario, m.Type)
	}
}
