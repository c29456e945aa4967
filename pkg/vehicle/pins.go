// Package vehicle holds the guided vehicle's configuration and the
// controller state shared between its loops.
package vehicle

import "fmt"

// PinName identifies a hardware line on the vehicle.
type PinName string

// Pins of the drive and sensor harness.
const (
	PulsePin          PinName = "pulse"
	LeftDirectionPin  PinName = "left_direction"
	RightDirectionPin PinName = "right_direction"
	LeftEnablePin     PinName = "left_enable"
	RightEnablePin    PinName = "right_enable"
	ObstructionPin    PinName = "obstruction"
	LeftProximityPin  PinName = "left_proximity"
	RightProximityPin PinName = "right_proximity"
)

// AllPins returns all pin names in harness order.
func AllPins() []PinName {
	return []PinName{
		PulsePin,
		LeftDirectionPin,
		RightDirectionPin,
		LeftEnablePin,
		RightEnablePin,
		ObstructionPin,
		LeftProximityPin,
		RightProximityPin,
	}
}

// PinConfig maps a pin to its BCM line. ActiveLow inverts the logical
// level, so "on" drives the line low.
type PinConfig struct {
	BCM       int  `json:"bcm"`
	ActiveLow bool `json:"active_low,omitempty"`
}

// Pins holds the pin map, keyed by pin name.
type Pins map[PinName]PinConfig

// DefaultPins returns the harness wiring of the reference vehicle. The
// wheel enables are kill switches on the driver, so they are active low.
func DefaultPins() Pins {
	return Pins{
		PulsePin:          {BCM: 23},
		LeftDirectionPin:  {BCM: 18, ActiveLow: true},
		RightDirectionPin: {BCM: 26},
		LeftEnablePin:     {BCM: 22, ActiveLow: true},
		RightEnablePin:    {BCM: 12, ActiveLow: true},
		ObstructionPin:    {BCM: 16},
		LeftProximityPin:  {BCM: 20},
		RightProximityPin: {BCM: 21},
	}
}

// BCMs returns the BCM line of every configured pin in harness order.
func (p Pins) BCMs() []int {
	lines := make([]int, 0, len(p))
	for _, name := range AllPins() {
		if pc, ok := p[name]; ok {
			lines = append(lines, pc.BCM)
		}
	}
	return lines
}

// ByBCM returns the pin name and config wired to a BCM line.
func (p Pins) ByBCM(bcm int) (PinName, PinConfig, bool) {
	for _, name := range AllPins() {
		if pc, ok := p[name]; ok && pc.BCM == bcm {
			return name, pc, true
		}
	}
	return "", PinConfig{}, false
}

// Validate checks that every pin is wired to a distinct line.
func (p Pins) Validate() error {
	seen := make(map[int]PinName, len(p))
	for _, name := range AllPins() {
		pc, ok := p[name]
		if !ok {
			return fmt.Errorf("pin %s: not configured", name)
		}
		if pc.BCM < 0 {
			return fmt.Errorf("pin %s: invalid line %d", name, pc.BCM)
		}
		if other, dup := seen[pc.BCM]; dup {
			return fmt.Errorf("pin %s: line %d already used by %s", name, pc.BCM, other)
		}
		seen[pc.BCM] = name
	}
	return nil
}
