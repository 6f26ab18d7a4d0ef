// Package events is the discrete-event kernel that drives every station in a
// simulation run. All protocol state machines submit and cancel timers
// through the Scheduler interface and never touch the queue directly.
package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

// EventID is an opaque handle for a scheduled callback.
type EventID string

// Scheduler schedules callbacks to run at specific simulation times.
type Scheduler interface {
	// Schedule registers f to run at simulation time at. Times in the past
	// are clamped to Now().
	Schedule(at time.Time, f func()) EventID

	// ScheduleAfter registers f to run d after Now().
	ScheduleAfter(d time.Duration, f func()) EventID

	// Cancel invalidates a previously scheduled event. It is a no-op if the
	// ID is unknown or the event already ran.
	Cancel(id EventID)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	RunDue()
}

// Observer receives kernel bookkeeping after each executed callback.
type Observer interface {
	EventExecuted(wall time.Duration, pending int)
}

// PanicError reports a callback that panicked. The run stops at that event.
type PanicError struct {
	EventID EventID
	At      time.Time
	Value   any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("event %s at %s panicked: %v", e.EventID, e.At.Format(time.RFC3339Nano), e.Value)
}

// Unwrap exposes the panic value when it is an error so callers can use
// errors.As on typed fatal errors raised inside callbacks.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrStopped is returned by RunUntil after Stop was called.
var ErrStopped = errors.New("kernel stopped")

type scheduledEvent struct {
	id        EventID
	when      time.Time
	f         func()
	cancelled bool
}

// Kernel is the concrete Scheduler. Events are kept ordered by time; events
// sharing a timestamp run in the order they were scheduled.
type Kernel struct {
	clock timectrl.SettableClock

	mu       sync.Mutex
	counter  uint64
	executed uint64
	events   []*scheduledEvent
	index    map[EventID]*scheduledEvent
	stopped  bool
	failure  error

	observer Observer
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithObserver attaches a kernel observer (metrics).
func WithObserver(o Observer) Option {
	return func(k *Kernel) { k.observer = o }
}

// NewKernel creates a kernel that advances the given clock as events run.
func NewKernel(clock timectrl.SettableClock, opts ...Option) *Kernel {
	k := &Kernel{
		clock: clock,
		index: make(map[EventID]*scheduledEvent),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Schedule registers a callback to run at the specified simulation time.
func (k *Kernel) Schedule(at time.Time, f func()) EventID {
	k.mu.Lock()
	defer k.mu.Unlock()

	if now := k.clock.Now(); at.Before(now) {
		at = now
	}

	k.counter++
	id := EventID(fmt.Sprintf("ev-%d", k.counter))
	ev := &scheduledEvent{id: id, when: at, f: f}
	k.addEventLocked(ev)
	k.index[id] = ev
	return id
}

// ScheduleAfter registers a callback to run d after the current time.
func (k *Kernel) ScheduleAfter(d time.Duration, f func()) EventID {
	return k.Schedule(k.clock.Now().Add(d), f)
}

// addEventLocked inserts after every event with the same or an earlier time.
func (k *Kernel) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(k.events), func(i int) bool {
		return k.events[i].when.After(ev.when)
	})
	k.events = append(k.events, nil)
	copy(k.events[idx+1:], k.events[idx:])
	k.events[idx] = ev
}

// Cancel attempts to cancel a previously scheduled event.
func (k *Kernel) Cancel(id EventID) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ev, ok := k.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(k.index, id)
}

// IsPending reports whether id is scheduled and not yet run or cancelled.
func (k *Kernel) IsPending(id EventID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.index[id]
	return ok
}

// Now returns the current simulation time from the underlying clock.
func (k *Kernel) Now() time.Time {
	return k.clock.Now()
}

// Pending returns the number of live scheduled events.
func (k *Kernel) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.index)
}

// Executed returns how many callbacks have run.
func (k *Kernel) Executed() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executed
}

// Stop makes the current RunUntil return after the running callback.
func (k *Kernel) Stop() {
	k.mu.Lock()
	k.stopped = true
	k.mu.Unlock()
}

// Err returns the failure that halted the kernel, if any.
func (k *Kernel) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.failure
}

// popDueLocked removes and returns the earliest live event at or before limit.
func (k *Kernel) popDueLocked(limit time.Time) *scheduledEvent {
	for len(k.events) > 0 {
		ev := k.events[0]
		if ev.cancelled {
			k.events = k.events[1:]
			continue
		}
		if ev.when.After(limit) {
			return nil
		}
		k.events = k.events[1:]
		delete(k.index, ev.id)
		return ev
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now(). A panicking
// callback halts the kernel; the failure is available from Err.
func (k *Kernel) RunDue() {
	_ = k.run(k.clock.Now())
}

// AdvanceTo runs every event up to t, moving the clock to each event's time,
// and leaves the clock at t. It never moves the clock backwards.
func (k *Kernel) AdvanceTo(t time.Time) {
	_ = k.RunUntil(t)
}

// RunUntil is AdvanceTo with error reporting: it returns a *PanicError when a
// callback panicked, or ErrStopped after Stop.
func (k *Kernel) RunUntil(t time.Time) error {
	if err := k.run(t); err != nil {
		return err
	}
	if t.After(k.clock.Now()) {
		k.clock.SetTime(t)
	}
	return nil
}

func (k *Kernel) run(limit time.Time) error {
	for {
		k.mu.Lock()
		if k.failure != nil {
			err := k.failure
			k.mu.Unlock()
			return err
		}
		if k.stopped {
			k.stopped = false
			k.mu.Unlock()
			return ErrStopped
		}
		ev := k.popDueLocked(limit)
		k.mu.Unlock()
		if ev == nil {
			return nil
		}

		if ev.when.After(k.clock.Now()) {
			k.clock.SetTime(ev.when)
		}

		// Callbacks run outside the lock so they can schedule and cancel.
		began := time.Now()
		err := k.invoke(ev)

		k.mu.Lock()
		k.executed++
		pending := len(k.index)
		if err != nil {
			k.failure = err
		}
		k.mu.Unlock()

		if k.observer != nil {
			k.observer.EventExecuted(time.Since(began), pending)
		}
		if err != nil {
			return err
		}
	}
}

func (k *Kernel) invoke(ev *scheduledEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{EventID: ev.id, At: ev.when, Value: r}
		}
	}()
	if ev.f != nil {
		ev.f()
	}
	return nil
}
