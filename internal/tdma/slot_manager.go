package tdma

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/logging"
	"github.com/signalsfoundry/uav-tdma-simulator/internal/rng"
	"github.com/signalsfoundry/uav-tdma-simulator/timectrl"
)

// SlotManager keeps one station's view of the frame and decides which slot
// each of its reservations uses.
//
// Frame roll-over is lazy: every public method first catches the frame
// start up with the clock, expiring learned allocations and clearing busy
// marks for each frame boundary crossed.
type SlotManager struct {
	station  string
	clock    timectrl.SimClock
	rng      rng.Stream
	observer Observer
	log      logging.Logger

	epoch         time.Time
	start         time.Time
	frameDuration time.Duration
	slotDuration  time.Duration
	slotsPerFrame int
	minCandidates int

	reportRate int
	ratio      float64
	ni         int
	siHalf     int

	slots      []*Slot
	nominal    []int
	selections []*Slot
	collisions map[frame.Mac48]int
}

// ManagerOption configures a SlotManager.
type ManagerOption func(*SlotManager)

// WithEpoch anchors the global slot grid. Stations sharing an epoch and a
// slot duration share slot boundaries.
func WithEpoch(epoch time.Time) ManagerOption {
	return func(m *SlotManager) { m.epoch = epoch }
}

// WithStation sets the station id used in trace events and logs.
func WithStation(id string) ManagerOption {
	return func(m *SlotManager) { m.station = id }
}

// WithManagerObserver attaches trace observers.
func WithManagerObserver(o Observer) ManagerOption {
	return func(m *SlotManager) { m.observer = o }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l logging.Logger) ManagerOption {
	return func(m *SlotManager) { m.log = l }
}

// NewSlotManager creates a manager for reportRate reservations per frame.
// Setup must be called before any slot operation.
func NewSlotManager(clock timectrl.SimClock, stream rng.Stream, reportRate int, ratio float64, opts ...ManagerOption) *SlotManager {
	m := &SlotManager{
		clock:      clock,
		rng:        stream,
		observer:   NopObserver{},
		log:        logging.Noop(),
		epoch:      clock.Now(),
		reportRate: reportRate,
		ratio:      ratio,
		collisions: make(map[frame.Mac48]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Setup lays out the frame. The slot count is frameDuration/slotDuration
// rounded down and the frame is trimmed to a whole number of slots. The
// frame starts at the first global slot boundary at or after start.
func (m *SlotManager) Setup(start time.Time, frameDuration, slotDuration time.Duration, minCandidates int) error {
	if slotDuration <= 0 {
		return fmt.Errorf("%w: slot duration must be positive", ErrInvalidConfig)
	}
	if m.reportRate < 1 {
		return fmt.Errorf("%w: report rate must be at least 1", ErrInvalidConfig)
	}
	n := int(frameDuration / slotDuration)
	if n < 2*m.reportRate {
		return fmt.Errorf("%w: %d slots per frame cannot hold %d reservations", ErrInvalidConfig, n, m.reportRate)
	}
	if n > math.MaxUint16 {
		return fmt.Errorf("%w: %d slots per frame overflow the header offset", ErrInvalidConfig, n)
	}

	m.slotDuration = slotDuration
	m.slotsPerFrame = n
	m.frameDuration = time.Duration(n) * slotDuration
	m.minCandidates = minCandidates
	m.start = m.alignToGrid(start)
	m.ni = n / m.reportRate
	m.siHalf = int(m.ratio*float64(m.ni)) / 2
	if limit := m.maxHalfWidth(); m.siHalf > limit {
		m.siHalf = limit
	}

	m.slots = make([]*Slot, n)
	for i := range m.slots {
		m.slots[i] = newSlot(i)
	}
	m.nominal = nil
	m.selections = make([]*Slot, m.reportRate)
	m.collisions = make(map[frame.Mac48]int)
	return nil
}

// SetMinimumCandidateSlotSetSize changes the candidate threshold.
func (m *SlotManager) SetMinimumCandidateSlotSetSize(n int) { m.minCandidates = n }

// Start returns the start of the current frame.
func (m *SlotManager) Start() time.Time {
	m.sync()
	return m.start
}

func (m *SlotManager) Epoch() time.Time             { return m.epoch }
func (m *SlotManager) FrameDuration() time.Duration { return m.frameDuration }
func (m *SlotManager) SlotDuration() time.Duration  { return m.slotDuration }
func (m *SlotManager) SlotsPerFrame() int           { return m.slotsPerFrame }
func (m *SlotManager) ReportRate() int              { return m.reportRate }
func (m *SlotManager) Ni() int                      { return m.ni }
func (m *SlotManager) SelectionHalfWidth() int      { return m.siHalf }

// Collisions counts own reservations that owner has claimed.
func (m *SlotManager) Collisions(owner frame.Mac48) int {
	return m.collisions[owner]
}

// Slot returns a copy of the slot at index.
func (m *SlotManager) Slot(index int) Slot {
	m.sync()
	return *m.slotAt(index)
}

// NominalSlots returns the nominal slot of every reservation, or nil before
// SelectNominalSlots.
func (m *SlotManager) NominalSlots() []int {
	return append([]int(nil), m.nominal...)
}

// SelectedSlot returns the slot index held by reservation n.
func (m *SlotManager) SelectedSlot(n int) (int, bool) {
	if n < 0 || n >= len(m.selections) || m.selections[n] == nil {
		return 0, false
	}
	return m.selections[n].index, true
}

// CandidateWindow returns the unwidened selection window of reservation n.
func (m *SlotManager) CandidateWindow(n int) []int {
	m.requireNominal(n)
	return m.window(n, m.siHalf)
}

// Counts returns how many slots are free, allocated and busy.
func (m *SlotManager) Counts() (free, allocated, busy int) {
	m.sync()
	for _, s := range m.slots {
		switch s.state {
		case SlotFree:
			free++
		case SlotAllocated:
			allocated++
		case SlotBusy:
			busy++
		}
	}
	return free, allocated, busy
}

// GetSlotIndexForTimestamp maps t to its slot index within the frame.
func (m *SlotManager) GetSlotIndexForTimestamp(t time.Time) int {
	m.requireSetup()
	d := t.Sub(m.start) % m.frameDuration
	if d < 0 {
		d += m.frameDuration
	}
	return int(d / m.slotDuration)
}

// GetGlobalSlotIndexForTimestamp counts slots since the epoch without
// wrapping at frame boundaries.
func (m *SlotManager) GetGlobalSlotIndexForTimestamp(t time.Time) int64 {
	m.requireSetup()
	d := t.Sub(m.epoch)
	idx := int64(d / m.slotDuration)
	if d%m.slotDuration < 0 {
		idx--
	}
	return idx
}

// IsAligned reports whether t falls on a slot boundary.
func (m *SlotManager) IsAligned(t time.Time) bool {
	m.requireSetup()
	return t.Sub(m.start)%m.slotDuration == 0
}

// SelectNominalSlots draws the nominal start slot and spaces the remaining
// nominal slots Ni apart. The first window lies inside the first Ni slots
// of the frame.
func (m *SlotManager) SelectNominalSlots() []int {
	m.requireSetup()
	now := m.sync()

	lo := m.siHalf
	hi := m.ni - m.siHalf - 1
	if hi < lo {
		hi = lo
	}
	nss := m.rng.IntBetween(lo, hi)
	m.nominal = make([]int, m.reportRate)
	for i := range m.nominal {
		m.nominal[i] = (nss + i*m.ni) % m.slotsPerFrame
	}

	m.log.Debug(context.Background(), "nominal slots selected",
		logging.Int("nss", nss),
		logging.Int("ni", m.ni),
		logging.Int("half_width", m.siHalf),
	)
	m.observer.OnNominalSlots(NominalSlotsEvent{
		Station:   m.station,
		At:        now,
		Slots:     m.NominalSlots(),
		HalfWidth: m.siHalf,
	})
	return m.NominalSlots()
}

// SelectTransmissionSlotForReservationWithNo reserves a slot for
// reservation n and returns its index.
func (m *SlotManager) SelectTransmissionSlotForReservationWithNo(n, timeout int) int {
	m.requireNominal(n)
	now := m.sync()

	if old := m.selections[n]; old != nil {
		old.MarkAsFree()
		m.selections[n] = nil
	}
	slot, candidates, free := m.pickSlot(n)
	wasFree := slot.IsFree()
	slot.MarkAsInternallyAllocated(timeout)
	m.selections[n] = slot

	m.log.Debug(context.Background(), "reservation selected",
		logging.Int("reservation", n),
		logging.Int("slot", slot.index),
		logging.Int("candidates", candidates),
		logging.Int("free", free),
		logging.Int("timeout", timeout),
	)
	m.observer.OnReservation(ReservationEvent{
		Station:       m.station,
		At:            now,
		ReservationNo: n,
		Slot:          slot.index,
		Candidates:    candidates,
		Free:          free,
		WasFree:       wasFree,
	})
	return slot.index
}

// ReSelectTransmissionSlotForReservationWithNo moves reservation n to a
// freshly selected slot and returns the forward distance in slots from the
// old slot to the new one. Keeping the same slot yields a full frame.
func (m *SlotManager) ReSelectTransmissionSlotForReservationWithNo(n, timeout int) int {
	m.requireNominal(n)
	now := m.sync()

	old := m.selections[n]
	if old == nil {
		panic(fmt.Sprintf("tdma: re-reservation of unselected reservation %d", n))
	}
	oldIndex := old.index
	old.MarkAsFree()
	m.selections[n] = nil

	slot, candidates, free := m.pickSlot(n)
	wasFree := slot.IsFree()
	slot.MarkAsInternallyAllocated(timeout)
	m.selections[n] = slot
	offset := m.forward(oldIndex, slot.index)

	m.log.Debug(context.Background(), "reservation moved",
		logging.Int("reservation", n),
		logging.Int("old_slot", oldIndex),
		logging.Int("new_slot", slot.index),
		logging.Int("offset", offset),
	)
	m.observer.OnReReservation(ReReservationEvent{
		Station:       m.station,
		At:            now,
		ReservationNo: n,
		OldSlot:       oldIndex,
		NewSlot:       slot.index,
		Candidates:    candidates,
		Free:          free,
		WasFree:       wasFree,
		SameSlot:      oldIndex == slot.index,
	})
	return offset
}

// DecreaseTimeOutOfReservationWithNumber counts one transmission against
// reservation n and returns the remaining timeout.
func (m *SlotManager) DecreaseTimeOutOfReservationWithNumber(n int) int {
	s := m.selection(n)
	if s.internalTimeout > 0 {
		s.internalTimeout--
	}
	return s.internalTimeout
}

// NeedsReReservation reports whether reservation n has run out.
func (m *SlotManager) NeedsReReservation(n int) bool {
	return m.selection(n).internalTimeout == 0
}

// GetTimeUntilTransmissionOfReservationWithNo returns the delay from now to
// the next occurrence of reservation n's slot. The result is a positive
// whole number of slots; the current slot counts as a full frame away.
func (m *SlotManager) GetTimeUntilTransmissionOfReservationWithNo(n int) time.Duration {
	now := m.sync()
	if !m.IsAligned(now) {
		fatalf(TimingViolation, m.station, "delay requested off the slot grid at %s", now.Format(time.RFC3339Nano))
	}
	s := m.selection(n)
	cur := m.GetSlotIndexForTimestamp(now)
	return time.Duration(m.forward(cur, s.index)) * m.slotDuration
}

// CalculateSlotOffsetBetweenTransmissions is the forward distance in slots
// from reservation k's slot to reservation l's slot.
func (m *SlotManager) CalculateSlotOffsetBetweenTransmissions(k, l int) int {
	return m.forward(m.selection(k).index, m.selection(l).index)
}

// GetCurrentReservationNo returns the reservation whose slot is the current
// slot. Being called outside an own slot is a timing violation.
func (m *SlotManager) GetCurrentReservationNo() int {
	now := m.sync()
	cur := m.GetSlotIndexForTimestamp(now)
	for n, s := range m.selections {
		if s != nil && s.index == cur {
			return n
		}
	}
	fatalf(TimingViolation, m.station, "no reservation holds current slot %d", cur)
	return -1
}

// GetNetworkEntryTimestamp draws a p-persistent random access slot among
// the next remainingSlots slots. At the k-th of F free slots the
// persistence grows to p + (1-p)/(F-k+1), so the last free slot is taken
// with certainty. With no free slot the last slot of the window is used.
func (m *SlotManager) GetNetworkEntryTimestamp(remainingSlots int, p float64) RandomAccessDetails {
	now := m.sync()
	if !m.IsAligned(now) {
		fatalf(TimingViolation, m.station, "random access requested off the slot grid at %s", now.Format(time.RFC3339Nano))
	}
	scan := remainingSlots
	if scan > m.slotsPerFrame {
		scan = m.slotsPerFrame
	}
	if scan < 1 {
		scan = 1
	}
	cur := m.GetSlotIndexForTimestamp(now)

	free := 0
	for k := 1; k <= scan; k++ {
		if m.isFreeAhead(cur, k, now) {
			free++
		}
	}

	details := RandomAccessDetails{
		When:           now.Add(time.Duration(scan) * m.slotDuration),
		Probability:    1,
		RemainingSlots: remainingSlots - scan,
	}
	seen := 0
	for k := 1; k <= scan && free > 0; k++ {
		if !m.isFreeAhead(cur, k, now) {
			continue
		}
		seen++
		if seen == free {
			p = 1
		} else {
			p += (1 - p) / float64(free-seen+1)
		}
		if m.rng.Uniform() < p {
			details = RandomAccessDetails{
				When:           now.Add(time.Duration(k) * m.slotDuration),
				Probability:    p,
				RemainingSlots: remainingSlots - k,
			}
			break
		}
	}
	if details.RemainingSlots < 0 {
		details.RemainingSlots = 0
	}

	m.observer.OnRandomAccess(RandomAccessEvent{
		Station:        m.station,
		At:             now,
		When:           details.When,
		Probability:    details.Probability,
		RemainingSlots: details.RemainingSlots,
	})
	return details
}

// HasFreeSlotsLeft reports whether any of the next remainingSlots slots is
// free.
func (m *SlotManager) HasFreeSlotsLeft(remainingSlots int) bool {
	now := m.sync()
	cur := m.GetSlotIndexForTimestamp(now)
	if remainingSlots > m.slotsPerFrame {
		remainingSlots = m.slotsPerFrame
	}
	for k := 1; k <= remainingSlots; k++ {
		if m.isFreeAhead(cur, k, now) {
			return true
		}
	}
	return false
}

// IsCurrentSlotStillFree re-checks a random access slot at fire time.
func (m *SlotManager) IsCurrentSlotStillFree() bool {
	now := m.sync()
	return m.slots[m.GetSlotIndexForTimestamp(now)].IsFreeUntil(now)
}

// MarkSlotAsAllocated records a neighbour's allocation learned from a
// header. A zero notBefore means now. A claim on an own reservation is
// counted against the owner once and forces that reservation to move at
// its next transmission; the own reservation itself is kept.
func (m *SlotManager) MarkSlotAsAllocated(index, timeout int, owner frame.Mac48, pos Position, notBefore time.Time) {
	now := m.sync()
	if notBefore.IsZero() {
		notBefore = now
	}
	s := m.slotAt(index)
	if s.IsInternallyAllocated() {
		m.claimOwn(s, owner)
		return
	}
	s.MarkAsAllocated(timeout, owner, pos, notBefore)
}

// MarkSlotAsFreeAgain releases a learned allocation. Own reservations are
// left alone.
func (m *SlotManager) MarkSlotAsFreeAgain(index int) {
	m.sync()
	s := m.slotAt(index)
	if s.IsInternallyAllocated() {
		return
	}
	s.MarkAsFree()
}

// MarkSlotAsBusy flags a free slot as contended. It reports whether the
// slot changed.
func (m *SlotManager) MarkSlotAsBusy(index int) bool {
	m.sync()
	s := m.slotAt(index)
	if !s.IsFree() {
		return false
	}
	s.MarkAsBusy()
	return true
}

// RebaseFrameStart moves the frame start to newStart, which must lie on
// the slot grid. Slots keep their absolute position in time and are
// re-indexed against the new start.
func (m *SlotManager) RebaseFrameStart(newStart time.Time) {
	m.sync()
	shift := newStart.Sub(m.start)
	if shift%m.slotDuration != 0 {
		fatalf(TimingViolation, m.station, "rebase to %s is off the slot grid", newStart.Format(time.RFC3339Nano))
	}
	k := mod(int(shift/m.slotDuration), m.slotsPerFrame)
	if k != 0 {
		rotated := make([]*Slot, m.slotsPerFrame)
		for i := range rotated {
			s := m.slots[(i+k)%m.slotsPerFrame]
			s.RebaseIndex(i)
			rotated[i] = s
		}
		m.slots = rotated
	}
	m.start = newStart
}

func (m *SlotManager) sync() time.Time {
	now := m.clock.Now()
	if m.slots == nil {
		return now
	}
	for !now.Before(m.start.Add(m.frameDuration)) {
		m.rollFrame()
	}
	return now
}

func (m *SlotManager) rollFrame() {
	m.start = m.start.Add(m.frameDuration)
	for _, s := range m.slots {
		switch {
		case s.IsInternallyAllocated():
		case s.state == SlotBusy:
			s.MarkAsFree()
		case s.state == SlotAllocated:
			if s.notBefore.After(m.start) {
				continue
			}
			if s.timeout <= 0 {
				s.MarkAsFree()
			} else {
				s.timeout--
			}
		}
	}
}

// pickSlot chooses a slot for reservation n. The window widens by the
// selection half-width until enough free candidates are found or the
// window spans Ni; with none free the least contended slot is used.
func (m *SlotManager) pickSlot(n int) (slot *Slot, candidates, free int) {
	limit := m.maxHalfWidth()
	half := m.siHalf
	step := m.siHalf
	if step < 1 {
		step = 1
	}

	window := m.window(n, half)
	found := m.freeIn(window)
	for len(found) < m.minCandidates && half < limit {
		half += step
		if half > limit {
			half = limit
		}
		window = m.window(n, half)
		found = m.freeIn(window)
	}

	if len(found) > 0 {
		return m.slots[found[m.rng.IntBetween(0, len(found)-1)]], len(window), len(found)
	}
	return m.leastContended(n, window), len(window), 0
}

func (m *SlotManager) leastContended(n int, window []int) *Slot {
	type key struct{ rank, collisions, timeout, distance, index int }
	less := func(a, b key) bool {
		switch {
		case a.rank != b.rank:
			return a.rank < b.rank
		case a.collisions != b.collisions:
			return a.collisions < b.collisions
		case a.timeout != b.timeout:
			return a.timeout < b.timeout
		case a.distance != b.distance:
			return a.distance < b.distance
		default:
			return a.index < b.index
		}
	}

	var best *Slot
	var bestKey key
	for _, idx := range window {
		s := m.slots[idx]
		if s.IsInternallyAllocated() {
			continue
		}
		k := key{distance: m.distance(m.nominal[n], idx), index: idx}
		if s.state == SlotAllocated {
			k.rank = 1
			k.collisions = m.collisions[s.owner]
			k.timeout = s.timeout
		}
		if best == nil || less(k, bestKey) {
			best, bestKey = s, k
		}
	}
	if best == nil {
		fatalf(TimingViolation, m.station, "no slot left for reservation %d", n)
	}
	return best
}

func (m *SlotManager) claimOwn(s *Slot, owner frame.Mac48) {
	if s.conflicted {
		return
	}
	s.conflicted = true
	s.internalTimeout = 0
	m.collisions[owner]++
	m.log.Debug(context.Background(), "own reservation claimed by neighbour",
		logging.Int("slot", s.index),
		logging.String("owner", owner.String()),
		logging.Int("collisions", m.collisions[owner]),
	)
}

func (m *SlotManager) window(n, half int) []int {
	out := make([]int, 0, 2*half+1)
	for off := -half; off <= half; off++ {
		out = append(out, mod(m.nominal[n]+off, m.slotsPerFrame))
	}
	return out
}

func (m *SlotManager) freeIn(window []int) []int {
	var out []int
	for _, idx := range window {
		if m.slots[idx].IsFree() {
			out = append(out, idx)
		}
	}
	return out
}

func (m *SlotManager) isFreeAhead(cur, k int, now time.Time) bool {
	s := m.slots[(cur+k)%m.slotsPerFrame]
	return s.IsFreeUntil(now.Add(time.Duration(k) * m.slotDuration))
}

// maxHalfWidth keeps windows of neighbouring reservations disjoint.
func (m *SlotManager) maxHalfWidth() int {
	return (m.ni - 1) / 2
}

func (m *SlotManager) forward(from, to int) int {
	d := mod(to-from, m.slotsPerFrame)
	if d == 0 {
		return m.slotsPerFrame
	}
	return d
}

func (m *SlotManager) distance(a, b int) int {
	d := mod(b-a, m.slotsPerFrame)
	if d > m.slotsPerFrame/2 {
		d = m.slotsPerFrame - d
	}
	return d
}

func (m *SlotManager) alignToGrid(t time.Time) time.Time {
	rem := t.Sub(m.epoch) % m.slotDuration
	if rem < 0 {
		rem += m.slotDuration
	}
	if rem == 0 {
		return t
	}
	return t.Add(m.slotDuration - rem)
}

func (m *SlotManager) slotAt(index int) *Slot {
	m.requireSetup()
	if index < 0 || index >= m.slotsPerFrame {
		panic(fmt.Sprintf("tdma: slot index %d outside frame of %d slots", index, m.slotsPerFrame))
	}
	return m.slots[index]
}

func (m *SlotManager) selection(n int) *Slot {
	m.requireSetup()
	if n < 0 || n >= len(m.selections) || m.selections[n] == nil {
		panic(fmt.Sprintf("tdma: reservation %d has no slot", n))
	}
	return m.selections[n]
}

func (m *SlotManager) requireSetup() {
	if m.slots == nil {
		panic("tdma: slot manager used before Setup")
	}
}

func (m *SlotManager) requireNominal(n int) {
	m.requireSetup()
	if m.nominal == nil {
		panic("tdma: reservation selected before SelectNominalSlots")
	}
	if n < 0 || n >= m.reportRate {
		panic(fmt.Sprintf("tdma: reservation %d outside report rate %d", n, m.reportRate))
	}
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
