package tdma

import (
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

// DropReason says why a packet never reached the air.
type DropReason string

const (
	DropTooLarge  DropReason = "too-large"
	DropQueueFull DropReason = "queue-full"
	DropExpired   DropReason = "expired"
)

// BusyCause says which PHY notification marked slots busy.
type BusyCause string

const (
	BusyCca       BusyCause = "cca"
	BusyRxFailure BusyCause = "rx-failure"
)

type StartupEvent struct {
	Station       string
	At            time.Time
	Start         time.Time
	FrameDuration time.Duration
	SlotDuration  time.Duration
	SlotsPerFrame int
}

type NominalSlotsEvent struct {
	Station   string
	At        time.Time
	Slots     []int
	HalfWidth int
}

type ReservationEvent struct {
	Station       string
	At            time.Time
	ReservationNo int
	Slot          int
	Candidates    int
	Free          int
	WasFree       bool
}

type ReReservationEvent struct {
	Station       string
	At            time.Time
	ReservationNo int
	OldSlot       int
	NewSlot       int
	Candidates    int
	Free          int
	WasFree       bool
	SameSlot      bool
}

// RandomAccessEvent is emitted each time a network-entry slot is drawn.
type RandomAccessEvent struct {
	Station        string
	At             time.Time
	When           time.Time
	Probability    float64
	RemainingSlots int
}

type NetworkEntryEvent struct {
	Station    string
	At         time.Time
	PacketSize int
	Delay      time.Duration
	Offset     int
	Attempts   int
	IsTaken    bool
}

type TxEvent struct {
	Station       string
	At            time.Time
	PacketSize    int
	ReservationNo int
	Timeout       int
	Offset        int
	GlobalSlot    int64
	Empty         bool

	// NextTx is when the following own transmission is scheduled.
	NextTx time.Time
}

type RxEvent struct {
	Station    string
	At         time.Time
	PacketSize int
	From       frame.Mac48
	Offset     int
	Timeout    int
	Entry      bool
	Slot       int
	GlobalSlot int64
	SnrDb      float64
}

type EnqueueEvent struct {
	Station  string
	At       time.Time
	Size     int
	QueueLen int
}

type DropEvent struct {
	Station string
	At      time.Time
	Size    int
	Reason  DropReason
}

type BusyEvent struct {
	Station   string
	At        time.Time
	FirstSlot int
	LastSlot  int
	Cause     BusyCause
}

type LinkUpEvent struct {
	Station string
	At      time.Time
}

// Observer receives MAC and slot manager trace events. Calls happen on the
// event kernel and must not block.
type Observer interface {
	OnStartup(StartupEvent)
	OnNominalSlots(NominalSlotsEvent)
	OnReservation(ReservationEvent)
	OnReReservation(ReReservationEvent)
	OnRandomAccess(RandomAccessEvent)
	OnNetworkEntry(NetworkEntryEvent)
	OnTx(TxEvent)
	OnRx(RxEvent)
	OnEnqueue(EnqueueEvent)
	OnDrop(DropEvent)
	OnBusy(BusyEvent)
	OnLinkUp(LinkUpEvent)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnStartup(StartupEvent)             {}
func (NopObserver) OnNominalSlots(NominalSlotsEvent)   {}
func (NopObserver) OnReservation(ReservationEvent)     {}
func (NopObserver) OnReReservation(ReReservationEvent) {}
func (NopObserver) OnRandomAccess(RandomAccessEvent)   {}
func (NopObserver) OnNetworkEntry(NetworkEntryEvent)   {}
func (NopObserver) OnTx(TxEvent)                       {}
func (NopObserver) OnRx(RxEvent)                       {}
func (NopObserver) OnEnqueue(EnqueueEvent)             {}
func (NopObserver) OnDrop(DropEvent)                   {}
func (NopObserver) OnBusy(BusyEvent)                   {}
func (NopObserver) OnLinkUp(LinkUpEvent)               {}

// Observers fans every event out in order.
type Observers []Observer

func (os Observers) OnStartup(e StartupEvent) {
	for _, o := range os {
		o.OnStartup(e)
	}
}

func (os Observers) OnNominalSlots(e NominalSlotsEvent) {
	for _, o := range os {
		o.OnNominalSlots(e)
	}
}

func (os Observers) OnReservation(e ReservationEvent) {
	for _, o := range os {
		o.OnReservation(e)
	}
}

func (os Observers) OnReReservation(e ReReservationEvent) {
	for _, o := range os {
		o.OnReReservation(e)
	}
}

func (os Observers) OnRandomAccess(e RandomAccessEvent) {
	for _, o := range os {
		o.OnRandomAccess(e)
	}
}

func (os Observers) OnNetworkEntry(e NetworkEntryEvent) {
	for _, o := range os {
		o.OnNetworkEntry(e)
	}
}

func (os Observers) OnTx(e TxEvent) {
	for _, o := range os {
		o.OnTx(e)
	}
}

func (os Observers) OnRx(e RxEvent) {
	for _, o := range os {
		o.OnRx(e)
	}
}

func (os Observers) OnEnqueue(e EnqueueEvent) {
	for _, o := range os {
		o.OnEnqueue(e)
	}
}

func (os Observers) OnDrop(e DropEvent) {
	for _, o := range os {
		o.OnDrop(e)
	}
}

func (os Observers) OnBusy(e BusyEvent) {
	for _, o := range os {
		o.OnBusy(e)
	}
}

func (os Observers) OnLinkUp(e LinkUpEvent) {
	for _, o := range os {
		o.OnLinkUp(e)
	}
}
