package ramp

import "math"

// Geometry describes the drive train that turns pulses into wheel travel.
// Lengths are in inches.
type Geometry struct {
	WheelDiameter      float64 `json:"wheel_diameter"`
	StepsPerRevolution int     `json:"steps_per_revolution"`
	TurnRadius         float64 `json:"turn_radius"`
}

// StepAngle returns the wheel rotation per pulse, in degrees.
func (g Geometry) StepAngle() float64 {
	return 360 / float64(g.StepsPerRevolution)
}

// PulsesForDistance returns the pulse count that rolls the wheel the given
// number of inches. The sign of the distance is ignored.
func (g Geometry) PulsesForDistance(inches float64) uint32 {
	if g.WheelDiameter <= 0 || g.StepsPerRevolution <= 0 {
		return 0
	}
	radians := math.Abs(inches) / (g.WheelDiameter / 2)
	degrees := radians * 180 / math.Pi
	return uint32(math.Round(degrees / g.StepAngle()))
}

// ArcLength returns the distance the driven wheel travels to turn the
// vehicle by the given angle in degrees.
func (g Geometry) ArcLength(degrees float64) float64 {
	return g.TurnRadius * math.Abs(degrees) * math.Pi / 180
}

// PulsesForAngle returns the pulse count for a turn of the given angle.
func (g Geometry) PulsesForAngle(degrees float64) uint32 {
	return g.PulsesForDistance(g.ArcLength(degrees))
}

// PulseFrequency converts a linear velocity in feet per second to the
// pulse frequency that produces it.
func (g Geometry) PulseFrequency(feetPerSecond float64) uint32 {
	if g.WheelDiameter <= 0 || g.StepsPerRevolution <= 0 || feetPerSecond <= 0 {
		return 0
	}
	inchesPerSecond := feetPerSecond * 12
	radiansPerSecond := inchesPerSecond / (g.WheelDiameter / 2)
	degreesPerSecond := radiansPerSecond * 180 / math.Pi
	return uint32(math.Round(degreesPerSecond / g.StepAngle()))
}
