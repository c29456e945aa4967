// Package ramp builds stepper pulse trains that approximate a trapezoidal
// velocity profile.
package ramp

import (
	"errors"
	"fmt"
	"time"
)

// Step is one segment of a ramp: PulseCount pulses emitted at FrequencyHz.
type Step struct {
	FrequencyHz uint32 `json:"frequency_hz"`
	PulseCount  uint32 `json:"pulse_count"`
}

// HalfPeriod returns the on (or off) time of one pulse at this step's
// frequency, in microseconds. The pulse generator toggles the pin every
// half period, so one pulse spans two of them.
func (s Step) HalfPeriod() uint32 {
	return HalfPeriodMicros(s.FrequencyHz)
}

// Duration returns how long the step takes to emit.
func (s Step) Duration() time.Duration {
	if s.FrequencyHz == 0 {
		return 0
	}
	return time.Duration(s.PulseCount) * time.Second / time.Duration(s.FrequencyHz)
}

// HalfPeriodMicros converts a ramp frequency to the half period expected by
// the pulse generator.
func HalfPeriodMicros(frequencyHz uint32) uint32 {
	if frequencyHz == 0 {
		return 0
	}
	return 500000 / frequencyHz
}

// DefaultLevels is the ascending frequency table used when none is configured.
func DefaultLevels() []uint32 {
	return []uint32{50, 100, 150, 200, 300, 400, 500, 600, 800, 1000, 1250, 1500, 1750, 2000}
}

// Profile selects how a pulse budget is spread over frequency levels.
type Profile struct {
	// Levels is the ascending frequency table, in Hz.
	Levels []uint32 `json:"levels"`
	// StepsPerLevel is the pulse block each full level contributes.
	StepsPerLevel uint32 `json:"steps_per_level"`
}

// Validate reports whether the profile can build ramps.
func (p Profile) Validate() error {
	if len(p.Levels) == 0 {
		return errors.New("no frequency levels")
	}
	if p.StepsPerLevel == 0 {
		return errors.New("steps per level must be positive")
	}
	for i, f := range p.Levels {
		if f == 0 {
			return fmt.Errorf("level %d: frequency must be positive", i)
		}
		if i > 0 && f <= p.Levels[i-1] {
			return fmt.Errorf("level %d: frequencies must be ascending", i)
		}
	}
	return nil
}

// Limit returns a copy of the profile without the levels above maxHz.
// The lowest level is always kept.
func (p Profile) Limit(maxHz uint32) Profile {
	n := 0
	for n < len(p.Levels) && p.Levels[n] <= maxHz {
		n++
	}
	if n == 0 && len(p.Levels) > 0 {
		n = 1
	}
	levels := make([]uint32, n)
	copy(levels, p.Levels[:n])
	return Profile{Levels: levels, StepsPerLevel: p.StepsPerLevel}
}

// Build returns the ramp for exactly pulses pulses: full acceleration
// levels, a coast step absorbing the remainder at the highest level reached,
// then the acceleration levels mirrored for deceleration. When the budget
// cannot fill one level up and down, the whole move is a single coast step
// at the lowest level.
func (p Profile) Build(pulses uint32) []Step {
	if pulses == 0 || len(p.Levels) == 0 || p.StepsPerLevel == 0 {
		return nil
	}

	reach := int(pulses / (2 * p.StepsPerLevel))
	if reach > len(p.Levels) {
		reach = len(p.Levels)
	}
	if reach == 0 {
		return []Step{{FrequencyHz: p.Levels[0], PulseCount: pulses}}
	}

	steps := make([]Step, 0, 2*reach+1)
	for _, f := range p.Levels[:reach] {
		steps = append(steps, Step{FrequencyHz: f, PulseCount: p.StepsPerLevel})
	}
	if coast := pulses - 2*uint32(reach)*p.StepsPerLevel; coast > 0 {
		steps = append(steps, Step{FrequencyHz: p.Levels[reach-1], PulseCount: coast})
	}
	for i := reach - 1; i >= 0; i-- {
		steps = append(steps, Step{FrequencyHz: p.Levels[i], PulseCount: p.StepsPerLevel})
	}
	return steps
}

// Total returns the number of pulses in a ramp.
func Total(steps []Step) uint64 {
	var n uint64
	for _, s := range steps {
		n += uint64(s.PulseCount)
	}
	return n
}

// Duration returns how long a ramp takes to emit.
func Duration(steps []Step) time.Duration {
	var d time.Duration
	for _, s := range steps {
		d += s.Duration()
	}
	return d
}

// FrequencyAt returns the frequency being emitted once emitted pulses have
// gone out, or 0 when the ramp is finished.
func FrequencyAt(steps []Step, emitted uint64) uint32 {
	for _, s := range steps {
		if emitted < uint64(s.PulseCount) {
			return s.FrequencyHz
		}
		emitted -= uint64(s.PulseCount)
	}
	return 0
}
