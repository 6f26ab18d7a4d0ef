package app

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/uav-tdma-simulator/internal/frame"
)

// SourceCount is what a sink has received from one source.
type SourceCount struct {
	From    frame.Mac48
	Packets uint64
	Bytes   uint64
}

// Sink counts received application packets per source. It is safe to read
// from another goroutine while the kernel delivers.
type Sink struct {
	mu      sync.Mutex
	packets uint64
	bytes   uint64
	sources map[frame.Mac48]*SourceCount
}

func NewSink() *Sink {
	return &Sink{sources: make(map[frame.Mac48]*SourceCount)}
}

// Receive records p from from.
func (s *Sink) Receive(p *frame.Packet, from frame.Mac48) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.bytes += uint64(p.Size())
	c, ok := s.sources[from]
	if !ok {
		c = &SourceCount{From: from}
		s.sources[from] = c
	}
	c.Packets++
	c.Bytes += uint64(p.Size())
}

// Totals returns packets and bytes over all sources.
func (s *Sink) Totals() (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}

// Sources returns per-source counts ordered by address.
func (s *Sink) Sources() []SourceCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceCount, 0, len(s.sources))
	for _, c := range s.sources {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.String() < out[j].From.String() })
	return out
}
