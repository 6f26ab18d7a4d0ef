package phy

import "errors"

var (
	ErrUnknownMode         = errors.New("unknown wifi mode")
	ErrUnsupportedWidth    = errors.New("unsupported channel width")
	ErrTxWhileTransmitting = errors.New("phy asked to transmit while already transmitting")
)
