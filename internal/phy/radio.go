package phy

import (
	"fmt"
	"math"
)

// Radio describes the RF characteristics of one station's transceiver.
// Zero fields are replaced by DefaultRadio values in Normalize.
type Radio struct {
	TxPowerDbm float64
	TxGainDb   float64
	RxGainDb   float64

	RxNoiseFigureDb float64

	// Signals at or above EnergyDetectionThresholdDbm are decoded; signals
	// between CcaMode1ThresholdDbm and that level only make the channel busy.
	EnergyDetectionThresholdDbm float64
	CcaMode1ThresholdDbm        float64

	// MinSnrDb is the lowest SNR at which a frame decodes without error.
	MinSnrDb float64

	ChannelWidthMHz int
}

// DefaultRadio returns 802.11a-like defaults.
func DefaultRadio() Radio {
	return Radio{
		TxPowerDbm:                  16.0206,
		RxNoiseFigureDb:             7,
		EnergyDetectionThresholdDbm: -96,
		CcaMode1ThresholdDbm:        -99,
		MinSnrDb:                    4,
		ChannelWidthMHz:             20,
	}
}

// Normalize fills unset thresholds from DefaultRadio and validates width.
func (r Radio) Normalize() (Radio, error) {
	def := DefaultRadio()
	if r.TxPowerDbm == 0 {
		r.TxPowerDbm = def.TxPowerDbm
	}
	if r.RxNoiseFigureDb == 0 {
		r.RxNoiseFigureDb = def.RxNoiseFigureDb
	}
	if r.EnergyDetectionThresholdDbm == 0 {
		r.EnergyDetectionThresholdDbm = def.EnergyDetectionThresholdDbm
	}
	if r.CcaMode1ThresholdDbm == 0 {
		r.CcaMode1ThresholdDbm = def.CcaMode1ThresholdDbm
	}
	if r.MinSnrDb == 0 {
		r.MinSnrDb = def.MinSnrDb
	}
	if r.ChannelWidthMHz == 0 {
		r.ChannelWidthMHz = def.ChannelWidthMHz
	}
	switch r.ChannelWidthMHz {
	case 5, 10, 20:
	default:
		return r, fmt.Errorf("%w: %d MHz", ErrUnsupportedWidth, r.ChannelWidthMHz)
	}
	return r, nil
}

// NoiseFloorDbm is thermal noise over the channel plus the noise figure.
func (r Radio) NoiseFloorDbm() float64 {
	const boltzmannDbmPerHz = -174.0
	return boltzmannDbmPerHz + 10*math.Log10(float64(r.ChannelWidthMHz)*1e6) + r.RxNoiseFigureDb
}
