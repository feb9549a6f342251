package hsg

import (
	"math"
	"time"
)

// SalienceScorer computes decaying memory importance: an exponential
// recency decay over time since last access, multiplied by a saturating
// access-frequency term in [1,2).
type SalienceScorer struct {
	// HalfLife is the recency decay half-life.
	HalfLife time.Duration
	// Saturation is the access count at which the frequency term
	// reaches half of its maximum lift.
	Saturation float64
}

// Score computes salience at nowMS for a memory last accessed at
// lastAccessMS with the given access count.
func (s SalienceScorer) Score(nowMS, lastAccessMS int64, accessCount int) float64 {
	dt := float64(nowMS - lastAccessMS)
	if dt < 0 {
		dt = 0
	}
	hl := float64(s.HalfLife / time.Millisecond)
	if hl <= 0 {
		hl = float64((72 * time.Hour) / time.Millisecond)
	}
	recency := math.Exp(-math.Ln2 * dt / hl)

	sat := s.Saturation
	if sat <= 0 {
		sat = 8
	}
	n := float64(accessCount)
	frequency := 1 + n/(n+sat)

	return recency * frequency
}
