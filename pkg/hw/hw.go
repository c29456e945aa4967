// Package hw defines the hardware the controller drives: the pulse
// generator with its edge tally, digital outputs and inputs, and the
// marker scanner.
package hw

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/gwillem/agv/pkg/ramp"
)

// ErrInit reports hardware that could not be brought up. The controller
// must not start without it.
var ErrInit = errors.New("hardware init failed")

// Pulser emits ramps on the motor pulse line and counts the edges it emits.
// GenerateRamp returns once the ramp is scheduled; completion is observed
// through Tally.
type Pulser interface {
	GenerateRamp(steps []ramp.Step, clearExisting bool) error
	Clear() error
	Tally() (uint64, error)
	ResetTally() error
}

// Output is a digital output line. On and Off are logical levels.
type Output interface {
	On() error
	Off() error
}

// Input is a digital input line.
type Input interface {
	Read() (bool, error)
}

// Scanner reads markers. Scan blocks until a marker is read, ctx is done,
// or the scanner fails; ok is false when nothing was read.
type Scanner interface {
	Scan(ctx context.Context) (text string, ok bool, err error)
}

// Board is the vehicle's harness.
type Board struct {
	Pulser Pulser

	LeftDirection  Output
	RightDirection Output
	LeftEnable     Output
	RightEnable    Output

	Obstruction    Input
	LeftProximity  Input
	RightProximity Input

	// Scanner may be nil when no marker scanner is fitted.
	Scanner Scanner
}

// Validate reports missing lines.
func (b *Board) Validate() error {
	var errs []error
	if b.Pulser == nil {
		errs = append(errs, errors.New("no pulse generator"))
	}
	if b.LeftDirection == nil || b.RightDirection == nil || b.LeftEnable == nil || b.RightEnable == nil {
		errs = append(errs, errors.New("missing drive output"))
	}
	if b.Obstruction == nil || b.LeftProximity == nil || b.RightProximity == nil {
		errs = append(errs, errors.New("missing sensor input"))
	}
	return errors.Join(errs...)
}

// Safe stops the pulse train and turns every output off. Every line is
// tried even when an earlier one fails.
func (b *Board) Safe() error {
	return multierr.Combine(
		b.Pulser.Clear(),
		b.LeftEnable.Off(),
		b.RightEnable.Off(),
		b.LeftDirection.Off(),
		b.RightDirection.Off(),
	)
}
