// Package command parses operator text into motion instructions and
// applies the immediate directives (ESTOP, HALT, SETMODE) to the vehicle
// state.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is an operator command.
type Kind int

const (
	Forward Kind = iota
	Backward
	RotateCW
	RotateCCW
	CalibrateHome
	TraverseRoute
	EStop
	Halt
	SetMode
)

var kindTokens = [...]string{
	Forward:       "FORWARD",
	Backward:      "BACKWARD",
	RotateCW:      "ROTATECW",
	RotateCCW:     "ROTATECCW",
	CalibrateHome: "CALIBRATEHOME",
	TraverseRoute: "TRAVERSE_ROUTE",
	EStop:         "ESTOP",
	Halt:          "HALT",
	SetMode:       "SETMODE",
}

// String returns the wire token of the command.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindTokens) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindTokens[k]
}

// ParseKind looks up a wire token. Matching is case-insensitive.
func ParseKind(token string) (Kind, bool) {
	token = strings.ToUpper(token)
	for k, t := range kindTokens {
		if t == token {
			return Kind(k), true
		}
	}
	return 0, false
}

// Kinds returns every command kind.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindTokens))
	for i := range kindTokens {
		kinds[i] = Kind(i)
	}
	return kinds
}

// Directive reports whether the command acts immediately on the vehicle
// state instead of being queued.
func (k Kind) Directive() bool {
	return k == EStop || k == Halt || k == SetMode
}

// Motion reports whether the command moves the wheels.
func (k Kind) Motion() bool {
	switch k {
	case Forward, Backward, RotateCW, RotateCCW:
		return true
	}
	return false
}

// Rotation reports whether the command turns the vehicle.
func (k Kind) Rotation() bool {
	return k == RotateCW || k == RotateCCW
}

// Instruction is a validated, queued command. Value is inches for
// Forward and Backward and degrees for the rotations.
type Instruction struct {
	Kind  Kind    `json:"kind"`
	Value float64 `json:"value"`
}

func (i Instruction) String() string {
	return i.Kind.String() + " " + strconv.FormatFloat(i.Value, 'g', -1, 64)
}

// MarshalText encodes the instruction as its wire form.
func (i Instruction) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText decodes the wire form written by MarshalText.
func (i *Instruction) UnmarshalText(text []byte) error {
	fields := strings.Fields(string(text))
	if len(fields) != 2 {
		return fmt.Errorf("instruction %q: expected kind and value", text)
	}
	kind, ok := ParseKind(fields[0])
	if !ok {
		return fmt.Errorf("instruction %q: unknown kind", text)
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("instruction %q: %w", text, err)
	}
	*i = Instruction{Kind: kind, Value: value}
	return nil
}

// ValidationError describes a rejected line. The session continues.
type ValidationError struct {
	Token  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Reply returns the message sent back to the operator.
func (e *ValidationError) Reply() string {
	return "[INVALID COMMAND] " + e.Reason
}
