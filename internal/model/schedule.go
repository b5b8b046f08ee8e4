package model

import (
	"fmt"
	"math"
)

// Schedule is an ordered sequence of load multipliers, one per step.
type Schedule []float64

// DefaultSchedule is the daily load profile, one multiplier per hour.
var DefaultSchedule = Schedule{
	0.65, 0.60, 0.58, 0.56, 0.55, 0.57, // 00-05
	0.62, 0.72, 0.85, 0.95, 0.98, 1.00, // 06-11
	0.99, 0.97, 0.95, 0.93, 0.94, 0.98, // 12-17
	1.00, 0.97, 0.92, 0.85, 0.75, 0.68, // 18-23
}

// Validate rejects empty schedules and negative or non-finite multipliers.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schedule is empty")
	}
	for i, m := range s {
		if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("step %d: invalid multiplier %g", i, m)
		}
	}
	return nil
}

// Scaled returns a copy of the schedule with every entry multiplied by
// factor. Used to run a stiff network at a level it can reach.
func (s Schedule) Scaled(factor float64) Schedule {
	out := make(Schedule, len(s))
	for i, m := range s {
		out[i] = m * factor
	}
	return out
}

// Peak returns the largest multiplier.
func (s Schedule) Peak() float64 {
	peak := 0.0
	for _, m := range s {
		peak = math.Max(peak, m)
	}
	return peak
}
