package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. The event kernel,
// the MAC and the slot manager depend on it rather than on a concrete
// controller so tests can pin time.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// SettableClock is a SimClock whose time can be moved by the event kernel.
type SettableClock interface {
	SimClock
	SetTime(t time.Time)
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SettableClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the simulation clock to t. The event kernel calls this as
// it pops events, so t never goes backwards in normal operation.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// Elapsed returns the simulation time passed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for the specified duration in a separate goroutine.
// Listeners see the tick's target time before the clock is set to it, which
// lets a listener drain kernel events up to that instant. The returned
// channel is closed when the controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		listeners := append([]func(time.Time){}, tc.listeners...)
		tc.mu.Unlock()

		elapsed := time.Duration(0)

		var ticks <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			ticks = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if ticks != nil {
				<-ticks
			}
			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			for _, fn := range listeners {
				fn(simTime)
			}

			tc.SetTime(simTime)
		}
	}()
	return done
}
