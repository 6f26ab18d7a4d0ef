package frame

import (
	"fmt"
	"sync/atomic"
)

var nextUID atomic.Uint64

// Packet is a byte buffer travelling down and up the stack. Layers prepend
// headers and append trailers in place; receivers strip them again.
type Packet struct {
	UID  uint64
	Data []byte
}

// NewPacket allocates a packet with a fresh UID carrying a copy of payload.
func NewPacket(payload []byte) *Packet {
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Packet{UID: nextUID.Add(1), Data: data}
}

// Size is the current length in bytes including attached headers.
func (p *Packet) Size() int { return len(p.Data) }

// Copy returns a deep copy that keeps the UID.
func (p *Packet) Copy() *Packet {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return &Packet{UID: p.UID, Data: data}
}

// AddHeader prepends h.
func (p *Packet) AddHeader(h []byte) {
	data := make([]byte, 0, len(h)+len(p.Data))
	data = append(data, h...)
	p.Data = append(data, p.Data...)
}

// RemoveHeader strips and returns the first n bytes.
func (p *Packet) RemoveHeader(n int) ([]byte, error) {
	if n > len(p.Data) {
		return nil, fmt.Errorf("%w: need %d header bytes, have %d", ErrTruncated, n, len(p.Data))
	}
	h := p.Data[:n:n]
	p.Data = p.Data[n:]
	return h, nil
}

// PeekHeader returns the first n bytes without removing them.
func (p *Packet) PeekHeader(n int) ([]byte, error) {
	if n > len(p.Data) {
		return nil, fmt.Errorf("%w: need %d header bytes, have %d", ErrTruncated, n, len(p.Data))
	}
	return p.Data[:n:n], nil
}

// AddTrailer appends t.
func (p *Packet) AddTrailer(t []byte) {
	p.Data = append(p.Data, t...)
}

// RemoveTrailer strips and returns the last n bytes.
func (p *Packet) RemoveTrailer(n int) ([]byte, error) {
	if n > len(p.Data) {
		return nil, fmt.Errorf("%w: need %d trailer bytes, have %d", ErrTruncated, n, len(p.Data))
	}
	cut := len(p.Data) - n
	t := p.Data[cut:]
	p.Data = p.Data[:cut:cut]
	return t, nil
}
