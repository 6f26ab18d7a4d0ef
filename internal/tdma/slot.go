package tdma

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

// SlotState is the reservation state of one slot in the frame.
type SlotState int

const (
	SlotFree SlotState = iota
	SlotAllocated
	SlotBusy
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotAllocated:
		return "allocated"
	case SlotBusy:
		return "busy"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// Position is the sender coordinate carried in the TDMA header.
type Position struct {
	X float64
	Y float64
}

// Slot is the local view of one slot index. It holds state only; the
// SlotManager decides when it changes.
type Slot struct {
	index int
	state SlotState

	internal        bool
	internalTimeout int

	timeout   int
	owner     frame.Mac48
	position  Position
	notBefore time.Time

	// conflicted is set once an external claim on an own reservation has
	// been counted.
	conflicted bool
}

func newSlot(index int) *Slot {
	return &Slot{index: index}
}

// MarkAsFree resets the slot and clears ownership and timeouts.
func (s *Slot) MarkAsFree() {
	idx := s.index
	*s = Slot{index: idx}
}

// MarkAsAllocated records an allocation learned from a neighbour. Callers
// check IsInternallyAllocated first.
func (s *Slot) MarkAsAllocated(timeout int, owner frame.Mac48, pos Position, notBefore time.Time) {
	s.state = SlotAllocated
	s.internal = false
	s.internalTimeout = 0
	s.conflicted = false
	s.timeout = timeout
	s.owner = owner
	s.position = pos
	s.notBefore = notBefore
}

// MarkAsInternallyAllocated reserves the slot for the local station.
func (s *Slot) MarkAsInternallyAllocated(timeout int) {
	s.state = SlotAllocated
	s.internal = true
	s.internalTimeout = timeout
	s.conflicted = false
	s.timeout = 0
	s.owner = frame.Mac48{}
	s.position = Position{}
	s.notBefore = time.Time{}
}

// MarkAsBusy flags energy without a decodable header. Ownership metadata is
// kept.
func (s *Slot) MarkAsBusy() {
	s.state = SlotBusy
}

// RebaseIndex moves the slot to a new index after the frame start moved.
func (s *Slot) RebaseIndex(index int) {
	s.index = index
}

func (s Slot) Index() int                  { return s.index }
func (s Slot) State() SlotState            { return s.state }
func (s Slot) IsFree() bool                { return s.state == SlotFree }
func (s Slot) IsAllocated() bool           { return s.state == SlotAllocated }
func (s Slot) IsBusy() bool                { return s.state == SlotBusy }
func (s Slot) IsInternallyAllocated() bool { return s.internal && s.state == SlotAllocated }
func (s Slot) InternalTimeout() int        { return s.internalTimeout }
func (s Slot) Timeout() int                { return s.timeout }
func (s Slot) Owner() frame.Mac48          { return s.owner }
func (s Slot) Position() Position          { return s.position }
func (s Slot) NotBefore() time.Time        { return s.notBefore }

// IsFreeUntil reports whether nobody claims the slot at t: it is FREE, or it
// is an external allocation that only takes effect after t.
func (s Slot) IsFreeUntil(t time.Time) bool {
	if s.state == SlotFree {
		return true
	}
	return s.state == SlotAllocated && !s.internal && s.notBefore.After(t)
}

func (s Slot) String() string {
	switch {
	case s.IsInternallyAllocated():
		return fmt.Sprintf("slot %d own timeout=%d", s.index, s.internalTimeout)
	case s.state == SlotAllocated:
		return fmt.Sprintf("slot %d allocated owner=%s timeout=%d", s.index, s.owner, s.timeout)
	default:
		return fmt.Sprintf("slot %d %s", s.index, s.state)
	}
}
