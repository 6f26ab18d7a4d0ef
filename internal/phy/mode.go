package phy

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode is an OFDM transmission mode.
type Mode struct {
	Name string
	// DataRateBps is the nominal rate on a 20 MHz channel.
	DataRateBps uint64
	// BitsPerSymbol is the number of data bits per OFDM symbol (N_DBPS).
	BitsPerSymbol int
}

var modes = []Mode{
	{Name: "OfdmRate6Mbps", DataRateBps: 6_000_000, BitsPerSymbol: 24},
	{Name: "OfdmRate9Mbps", DataRateBps: 9_000_000, BitsPerSymbol: 36},
	{Name: "OfdmRate12Mbps", DataRateBps: 12_000_000, BitsPerSymbol: 48},
	{Name: "OfdmRate18Mbps", DataRateBps: 18_000_000, BitsPerSymbol: 72},
	{Name: "OfdmRate24Mbps", DataRateBps: 24_000_000, BitsPerSymbol: 96},
	{Name: "OfdmRate36Mbps", DataRateBps: 36_000_000, BitsPerSymbol: 144},
	{Name: "OfdmRate48Mbps", DataRateBps: 48_000_000, BitsPerSymbol: 192},
	{Name: "OfdmRate54Mbps", DataRateBps: 54_000_000, BitsPerSymbol: 216},
}

// LookupMode finds a mode by name, case-insensitively.
func LookupMode(name string) (Mode, error) {
	for _, m := range modes {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

// Modes returns the supported mode table.
func Modes() []Mode {
	return append([]Mode(nil), modes...)
}

const (
	serviceBits = 16
	tailBits    = 6
)

// CalculateTxDuration returns the airtime of size bytes: PLCP preamble,
// SIGNAL symbol and ceil((16 + 8*size + 6) / N_DBPS) data symbols. Narrow
// channels stretch every OFDM timing by 20/width.
func CalculateTxDuration(size int, mode Mode, channelWidthMHz int) time.Duration {
	scale := time.Duration(1)
	switch channelWidthMHz {
	case 10:
		scale = 2
	case 5:
		scale = 4
	}
	preamble := 16 * time.Microsecond * scale
	signal := 4 * time.Microsecond * scale
	symbol := 4 * time.Microsecond * scale

	bits := float64(serviceBits + 8*size + tailBits)
	symbols := int64(math.Ceil(bits / float64(mode.BitsPerSymbol)))
	return preamble + signal + time.Duration(symbols)*symbol
}
