package geometry

import "math"

// StepsCalculator converts relative stage angles to motor steps. The
// fraction lost to rounding is carried into the next move, so a series of
// moves never drifts from the commanded total angle by more than half a step.
type StepsCalculator struct {
	stepsPerDegree float64
	residual       float64
}

// NewStepsCalculator creates a step calculator for a motor with
// stepsPerDegree microsteps per degree of stage rotation.
func NewStepsCalculator(stepsPerDegree float64) *StepsCalculator {
	return &StepsCalculator{stepsPerDegree: stepsPerDegree}
}

// StepsPerDegree returns the conversion factor.
func (s *StepsCalculator) StepsPerDegree() float64 { return s.stepsPerDegree }

// Steps returns the whole steps for a relative move of degrees.
func (s *StepsCalculator) Steps(degrees float64) int {
	exact := degrees*s.stepsPerDegree + s.residual
	n := math.Round(exact)
	s.residual = exact - n
	return int(n)
}

// Reset drops the carried fraction, e.g. after homing.
func (s *StepsCalculator) Reset() { s.residual = 0 }

// EvenlySpaced returns n angles spread over span degrees starting at 0.
// For n=3 and span=360 that is 0, 120, 240.
func EvenlySpaced(n int, span float64) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = span * float64(i) / float64(n)
	}
	return out
}

// Deltas turns absolute angles into the relative moves between them.
// The first entry is the move from 0 to angles[0].
func Deltas(angles []float64) []float64 {
	out := make([]float64, len(angles))
	prev := 0.0
	for i, a := range angles {
		out[i] = a - prev
		prev = a
	}
	return out
}
