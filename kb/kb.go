// Package kb is the in-memory registry of the stations in a run. The
// network runner samples mobility into it so reports and subscribers see
// positions without touching the event kernel.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/uav-tdma-simulator/model"
)

var (
	ErrStationExists   = errors.New("station already exists")
	ErrStationNotFound = errors.New("station not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventStationAdded EventType = iota
	EventStationMoved
)

// Event is emitted to subscribers when a station is added or moves.
type Event struct {
	Type    EventType
	Station model.Station
}

// KnowledgeBase is a thread-safe station store.
type KnowledgeBase struct {
	mu sync.RWMutex

	stations map[string]*model.Station
	subs     map[int]func(Event)
	nextSub  int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		stations: make(map[string]*model.Station),
		subs:     make(map[int]func(Event)),
	}
}

// AddStation registers s. The ID must be unique.
func (kb *KnowledgeBase) AddStation(s *model.Station) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("add station: empty id")
	}
	kb.mu.Lock()
	if _, exists := kb.stations[s.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrStationExists, s.ID)
	}
	stored := *s
	kb.stations[s.ID] = &stored
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventStationAdded, Station: stored})
	return nil
}

// GetStation returns a copy of the station with the given ID.
func (kb *KnowledgeBase) GetStation(id string) (model.Station, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	s, ok := kb.stations[id]
	if !ok {
		return model.Station{}, false
	}
	return *s, true
}

// ListStations returns a snapshot of every station ordered by ID.
func (kb *KnowledgeBase) ListStations() []model.Station {
	kb.mu.RLock()
	res := make([]model.Station, 0, len(kb.stations))
	for _, s := range kb.stations {
		res = append(res, *s)
	}
	kb.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Len returns the number of stations.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.stations)
}

// UpdateStationPosition records a sampled position and notifies subscribers.
func (kb *KnowledgeBase) UpdateStationPosition(id string, pos model.Motion, at time.Time) error {
	kb.mu.Lock()
	s, ok := kb.stations[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrStationNotFound, id)
	}
	s.Coordinates = pos
	s.SampledAt = at
	event := Event{Type: EventStationMoved, Station: *s}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	notify(subs, event)
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextSub
	kb.nextSub++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, kb.subs[id])
	}
	return subs
}

// notify runs outside the lock so subscribers may call back into the KB.
func notify(subs []func(Event), e Event) {
	for _, sub := range subs {
		sub(e)
	}
}
