package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// LLCSNAPSize is the size of the LLC/SNAP encapsulation header.
const LLCSNAPSize = 8

var llcSNAPPrefix = []byte{0xaa, 0xaa, 0x03, 0x00, 0x00, 0x00}

// AddLLCSNAP prepends an LLC/SNAP header carrying protocol.
func AddLLCSNAP(p *Packet, protocol uint16) {
	h := make([]byte, LLCSNAPSize)
	copy(h, llcSNAPPrefix)
	binary.BigEndian.PutUint16(h[6:8], protocol)
	p.AddHeader(h)
}

// RemoveLLCSNAP strips the LLC/SNAP header and returns its protocol number.
func RemoveLLCSNAP(p *Packet) (uint16, error) {
	h, err := p.RemoveHeader(LLCSNAPSize)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(h[:6], llcSNAPPrefix) {
		return 0, fmt.Errorf("%w: % x", ErrNotLLCSNAP, h[:6])
	}
	return binary.BigEndian.Uint16(h[6:8]), nil
}
