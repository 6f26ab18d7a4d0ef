package tdma

import "time"

// RandomAccessDetails describes one scheduled network-entry attempt.
type RandomAccessDetails struct {
	// When is the absolute start of the chosen slot.
	When time.Time
	// Probability is the persistence value to carry into a retry.
	Probability float64
	// RemainingSlots is how many random-access slots are left after When.
	RemainingSlots int
}
