package tdma

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/phy"
)

// FramingOverhead is what the MAC adds around an enqueued packet.
const FramingOverhead = frame.MacHeaderSize + HeaderSize + frame.FCSSize

// Config holds the MAC options.
type Config struct {
	// FrameDuration is the nominal frame length. The slot manager trims it
	// to a whole number of slots.
	FrameDuration time.Duration
	// MaximumPacketSize is the largest framed size that fits a slot. It also
	// sets the slot duration.
	MaximumPacketSize int
	// ReportRate is the number of reservations per frame.
	ReportRate int
	// TimeoutMin and TimeoutMax bound the uniformly drawn reservation
	// timeout in frames.
	TimeoutMin int
	TimeoutMax int
	// GuardInterval is appended to the airtime of a full slot.
	GuardInterval time.Duration
	// NumberOfRandomAccessSlots is the network-entry window.
	NumberOfRandomAccessSlots int
	// SelectionIntervalRatio is the candidate window width relative to Ni.
	SelectionIntervalRatio float64
	// MinimumCandidateSetSize is the smallest acceptable candidate set.
	MinimumCandidateSetSize int
	// WifiMode names the PHY transmission mode.
	WifiMode string

	QueueMaxPackets int
	QueueMaxDelay   time.Duration
}

// DefaultConfig returns the stock MAC settings.
func DefaultConfig() Config {
	return Config{
		FrameDuration:             time.Second,
		MaximumPacketSize:         500,
		ReportRate:                2,
		TimeoutMin:                3,
		TimeoutMax:                7,
		GuardInterval:             6 * time.Microsecond,
		NumberOfRandomAccessSlots: 150,
		SelectionIntervalRatio:    0.2,
		MinimumCandidateSetSize:   4,
		WifiMode:                  "OfdmRate6Mbps",
		QueueMaxPackets:           500,
		QueueMaxDelay:             500 * time.Millisecond,
	}
}

// Validate checks the options that do not depend on the PHY.
func (c Config) Validate() error {
	switch {
	case c.FrameDuration <= 0:
		return fmt.Errorf("%w: frame duration must be positive", ErrInvalidConfig)
	case c.MaximumPacketSize <= FramingOverhead:
		return fmt.Errorf("%w: maximum packet size %d must exceed the %d byte framing overhead",
			ErrInvalidConfig, c.MaximumPacketSize, FramingOverhead)
	case c.ReportRate < 1:
		return fmt.Errorf("%w: report rate must be at least 1", ErrInvalidConfig)
	case c.TimeoutMin < 1 || c.TimeoutMax < c.TimeoutMin || c.TimeoutMax > 255:
		return fmt.Errorf("%w: timeout range [%d,%d] must lie within [1,255]", ErrInvalidConfig, c.TimeoutMin, c.TimeoutMax)
	case c.GuardInterval < 0:
		return fmt.Errorf("%w: guard interval must not be negative", ErrInvalidConfig)
	case c.NumberOfRandomAccessSlots < 1:
		return fmt.Errorf("%w: at least one random access slot is required", ErrInvalidConfig)
	case c.SelectionIntervalRatio < 0 || c.SelectionIntervalRatio > 1:
		return fmt.Errorf("%w: selection interval ratio %v outside [0,1]", ErrInvalidConfig, c.SelectionIntervalRatio)
	case c.MinimumCandidateSetSize < 1:
		return fmt.Errorf("%w: minimum candidate set size must be at least 1", ErrInvalidConfig)
	case c.QueueMaxPackets < 1:
		return fmt.Errorf("%w: queue must hold at least one packet", ErrInvalidConfig)
	case c.QueueMaxDelay <= 0:
		return fmt.Errorf("%w: queue max delay must be positive", ErrInvalidConfig)
	}
	if _, err := phy.LookupMode(c.WifiMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
