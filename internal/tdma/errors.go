package tdma

import (
	"errors"
	"fmt"
)

var (
	ErrPacketTooLarge      = errors.New("packet exceeds maximum slot payload")
	ErrQueueFull           = errors.New("transmit queue full")
	ErrSendFromUnsupported = errors.New("tdma device does not support SendFrom")
	ErrInvalidConfig       = errors.New("invalid tdma configuration")
	ErrInvalidMtu          = errors.New("invalid mtu")
)

// FaultKind classifies fatal MAC faults.
type FaultKind int

const (
	// ProtocolViolation is a frame no cooperating station would send.
	ProtocolViolation FaultKind = iota
	// TimingViolation is a transmission time off the slot grid.
	TimingViolation
)

func (k FaultKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case TimingViolation:
		return "timing violation"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// FatalError is raised with panic when the MAC hits a state it cannot
// continue from. The event kernel turns it into a run failure.
type FatalError struct {
	Kind    FaultKind
	Station string
	Detail  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("tdma %s at station %s: %s", e.Kind, e.Station, e.Detail)
}

func fatalf(kind FaultKind, station, format string, args ...any) {
	panic(&FatalError{Kind: kind, Station: station, Detail: fmt.Sprintf(format, args...)})
}
