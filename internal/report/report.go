// Package report renders the outcome of a run as JSON and PDF.
package report

import (
	"encoding/json"
	"os"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/sim"
)

// StationSummary is one row of the report.
type StationSummary struct {
	ID       string     `json:"id"`
	Mac      string     `json:"mac"`
	Address  string     `json:"address"`
	Motion   string     `json:"motion"`
	Position [3]float64 `json:"position"`

	LinkUp     bool          `json:"linkUp"`
	EntryDelay time.Duration `json:"entryDelayNs"`
	Attempts   uint64        `json:"entryAttempts"`

	Transmissions  uint64 `json:"transmissions"`
	EmptyFrames    uint64 `json:"emptyFrames"`
	Receptions     uint64 `json:"receptions"`
	ReReservations uint64 `json:"reReservations"`
	SlotMoves      uint64 `json:"slotMoves"`
	Drops          uint64 `json:"drops"`
	BusyMarks      uint64 `json:"busyMarks"`

	TrafficSent    uint64 `json:"trafficSent"`
	PacketsHeard   uint64 `json:"packetsHeard"`
	BytesHeard     uint64 `json:"bytesHeard"`
	Sources        int    `json:"sources"`
	BeaconsSent    uint64 `json:"beaconsSent"`
	BeaconsHeard   uint64 `json:"beaconsHeard"`
	RoutingEntries int    `json:"routingEntries"`
	Neighbours     int    `json:"neighbours"`
}

// Summary describes a finished run.
type Summary struct {
	Scenario string           `json:"scenario"`
	Seed     uint64           `json:"seed"`
	Epoch    time.Time        `json:"epoch"`
	End      time.Time        `json:"end"`
	Events   uint64           `json:"events"`
	Stations []StationSummary `json:"stations"`
}

// Duration is the simulated span.
func (s Summary) Duration() time.Duration { return s.End.Sub(s.Epoch) }

// FromNetwork collects the summary of net at its current time.
func FromNetwork(net *sim.Network) Summary {
	sc := net.Scenario()
	stats := net.Stats()
	sum := Summary{
		Scenario: sc.Name,
		Seed:     sc.Seed,
		Epoch:    sc.Epoch,
		End:      net.Now(),
		Events:   net.Kernel().Executed(),
	}
	for _, st := range net.Stations() {
		row := StationSummary{
			ID:      st.ID,
			Mac:     st.Mac48.String(),
			Address: st.Address.String(),
			LinkUp:  st.Device.IsLinkUp(),
		}
		if info, ok := net.KnowledgeBase().GetStation(st.ID); ok {
			row.Motion = info.MotionSource.String()
			row.Position = [3]float64{info.Coordinates.X, info.Coordinates.Y, info.Coordinates.Z}
		}
		if c, ok := stats.Station(st.ID); ok {
			row.EntryDelay = c.EntryDelay
			row.Attempts = c.EntryAttempts
			row.Transmissions = c.Transmissions
			row.EmptyFrames = c.EmptyFrames
			row.Receptions = c.Receptions
			row.ReReservations = c.ReReservations
			row.SlotMoves = c.SlotMoves
			row.Drops = c.Drops()
			row.BusyMarks = c.BusyMarks
		}
		if st.Traffic != nil {
			row.TrafficSent = st.Traffic.Sent()
		}
		row.PacketsHeard, row.BytesHeard = st.Sink.Totals()
		row.Sources = len(st.Sink.Sources())
		if st.Agent != nil {
			row.BeaconsSent = st.Agent.BeaconsSent()
			row.BeaconsHeard = st.Agent.BeaconsHeard()
			row.RoutingEntries = st.Agent.Table().Size()
			row.Neighbours = len(st.Agent.Table().Neighbours())
		}
		sum.Stations = append(sum.Stations, row)
	}
	return sum
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(sum Summary, out string) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

// LoadJSON reads a summary written by WriteJSON.
func LoadJSON(path string) (Summary, error) {
	var sum Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(b, &sum)
	return sum, err
}
