// Package rng hands out independent random streams, one per station, so a
// run is reproducible regardless of how many draws another station makes.
package rng

import (
	"fmt"
	"math"
	"sync"

	"github.com/iti/rngstream"
)

// Stream is the random source consumed by protocol code.
type Stream interface {
	// Uniform returns a value in [0, 1).
	Uniform() float64
	// IntBetween returns an integer uniformly drawn from [lo, hi].
	IntBetween(lo, hi int) int
}

// U01 is the minimal generator Streamer wraps.
type U01 interface {
	RandU01() float64
}

// Streamer adapts a U01 generator to Stream.
type Streamer struct {
	src U01
}

// Wrap returns a Stream backed by src.
func Wrap(src U01) *Streamer {
	return &Streamer{src: src}
}

// Uniform returns a value in [0, 1).
func (s *Streamer) Uniform() float64 {
	u := s.src.RandU01()
	if u >= 1 {
		return math.Nextafter(1, 0)
	}
	return u
}

// IntBetween returns an integer uniformly drawn from [lo, hi].
func (s *Streamer) IntBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	n := hi - lo + 1
	return lo + int(s.Uniform()*float64(n))
}

// Factory creates named streams. Streams are created in call order, so a
// fixed seed and a fixed creation order give a reproducible run.
type Factory struct {
	mu      sync.Mutex
	seed    uint64
	created map[string]Stream
}

// NewFactory returns a factory. Seed selects the substream block: the
// factory skips seed streams before the first one it hands out.
func NewFactory(seed uint64) *Factory {
	f := &Factory{seed: seed, created: make(map[string]Stream)}
	for i := uint64(0); i < seed; i++ {
		rngstream.New(fmt.Sprintf("skip-%d", i))
	}
	return f
}

// Stream returns the stream registered under name, creating it on first use.
func (f *Factory) Stream(name string) Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.created[name]; ok {
		return s
	}
	s := Wrap(rngstream.New(name))
	f.created[name] = s
	return s
}

// Seed returns the seed the factory was created with.
func (f *Factory) Seed() uint64 {
	return f.seed
}
