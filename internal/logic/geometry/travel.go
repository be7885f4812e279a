package geometry

import (
	"math"
	"time"
)

// Travel is the calibrated range of the proxy, in physical steps from the
// lower end-stop (0) to the upper end-stop (MaxSteps).
type Travel struct {
	MaxSteps int64
}

// Calibrated reports whether a range has been measured.
func (t Travel) Calibrated() bool {
	return t.MaxSteps > 0
}

// TargetSteps converts a normalized position to the nearest step.
// p is clamped to [0,1]. An uncalibrated range always yields 0.
func (t Travel) TargetSteps(p float64) int64 {
	if !t.Calibrated() {
		return 0
	}
	p = math.Max(0, math.Min(1, p))
	return int64(math.Round(p * float64(t.MaxSteps)))
}

// Normalize converts a step position to [0,1] space.
// An uncalibrated range always yields 0.
func (t Travel) Normalize(step int64) float64 {
	if !t.Calibrated() {
		return 0
	}
	return float64(step) / float64(t.MaxSteps)
}

// ExpectedDuration extrapolates the time to cover distance (a normalized
// fraction of the full range) at curSpeed, from a full sweep that took
// refTime at refSpeed:
//
//	(refSpeed / curSpeed) * refTime * |distance|
//
// It returns 0 when curSpeed is 0 or no reference was recorded.
func ExpectedDuration(refSpeed, curSpeed int, refTime time.Duration, distance float64) time.Duration {
	if curSpeed == 0 || refSpeed == 0 || refTime <= 0 {
		return 0
	}
	ratio := math.Abs(float64(refSpeed) / float64(curSpeed))
	return time.Duration(math.Round(ratio * float64(refTime) * math.Abs(distance)))
}

// StepsCalculator converts step counts to rotary quantities, for proxies
// whose travel is a rotation (e.g. a weight moved along a lead screw).
type StepsCalculator struct {
	stepsPerRev int
}

// NewStepsCalculator creates a calculator for a motor with stepsPerRev full steps.
func NewStepsCalculator(stepsPerRev int) *StepsCalculator {
	return &StepsCalculator{stepsPerRev: stepsPerRev}
}

// Revolutions converts steps to motor revolutions.
func (s *StepsCalculator) Revolutions(steps int64) float64 {
	if s.stepsPerRev <= 0 {
		return 0
	}
	return float64(steps) / float64(s.stepsPerRev)
}

// Degrees converts steps to motor shaft degrees.
func (s *StepsCalculator) Degrees(steps int64) float64 {
	return s.Revolutions(steps) * 360.0
}

// RPM converts a speed in steps/s to revolutions per minute.
func (s *StepsCalculator) RPM(stepsPerSec int) float64 {
	if s.stepsPerRev <= 0 {
		return 0
	}
	return float64(stepsPerSec) * 60.0 / float64(s.stepsPerRev)
}
