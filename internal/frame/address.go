package frame

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Mac48 is an IEEE 802 48-bit station address.
type Mac48 [6]byte

// Broadcast is the all-ones group address every TDMA frame is sent to.
var Broadcast = Mac48{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// AllocateMac48 returns the n-th locally administered unicast address,
// starting at 02:00:00:00:00:01 for n == 1.
func AllocateMac48(n uint32) Mac48 {
	return Mac48{0x02, 0x00, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// ParseMac48 parses the colon separated hex form.
func ParseMac48(s string) (Mac48, error) {
	var a Mac48
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("parse mac48 %q: want 6 octets", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return a, fmt.Errorf("parse mac48 %q: bad octet %q", s, p)
		}
		a[i] = b[0]
	}
	return a, nil
}

// IsBroadcast reports whether a is the broadcast address.
func (a Mac48) IsBroadcast() bool { return a == Broadcast }

// IsGroup reports whether the group bit is set (broadcast or multicast).
func (a Mac48) IsGroup() bool { return a[0]&0x01 == 0x01 }

func (a Mac48) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}
