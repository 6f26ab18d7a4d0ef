package frame

import "errors"

var (
	ErrTruncated   = errors.New("frame truncated")
	ErrBadFCS      = errors.New("frame check sequence mismatch")
	ErrNotLLCSNAP  = errors.New("missing LLC/SNAP header")
	ErrUnknownType = errors.New("unknown frame type")
)
