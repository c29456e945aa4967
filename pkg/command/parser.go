package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gwillem/agv/pkg/vehicle"
)

// State is the part of the vehicle state the parser reads and toggles.
type State interface {
	Snapshot() vehicle.Snapshot
	ToggleEStop() bool
	ToggleHalt() bool
	SetMode(m vehicle.Mode, velocity float64)
}

// Result is the outcome of parsing one line. When OK is false no
// instruction must be queued. Reply, when set, goes back to the operator.
type Result struct {
	Instruction Instruction
	OK          bool
	Directive   bool
	Reply       string
	Err         error
}

// Parser turns operator lines into instructions.
type Parser struct {
	state State
	drive vehicle.DriveConfig
}

// NewParser creates a parser acting on state. drive supplies the velocity
// of each mode.
func NewParser(state State, drive vehicle.DriveConfig) *Parser {
	return &Parser{state: state, drive: drive}
}

// Parse validates one line. Directives are applied before Parse returns.
func (p *Parser) Parse(line string) Result {
	tokens := strings.Fields(strings.ToUpper(line))

	if len(tokens) == 1 {
		switch strings.TrimPrefix(tokens[0], "!") {
		case EStop.String():
			return p.toggleEStop()
		case Halt.String():
			return p.toggleHalt()
		}
	}

	if len(tokens) > 0 && tokens[0] == TraverseRoute.String() && p.state.Snapshot().Mode != vehicle.Production {
		return reject(tokens[0], "AGV must be in production mode.")
	}

	if len(tokens) != 2 {
		token := ""
		if len(tokens) > 0 {
			token = tokens[0]
		}
		return reject(token, fmt.Sprintf("Expected 2 words, but got %d.", len(tokens)))
	}

	if strings.TrimPrefix(tokens[0], "!") == SetMode.String() {
		return p.setMode(tokens[1])
	}

	kind, ok := ParseKind(tokens[0])
	if !ok || kind.Directive() {
		return reject(tokens[0], fmt.Sprintf("command %q is not valid.", tokens[0]))
	}

	value, err := strconv.ParseFloat(tokens[1], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return reject(tokens[1], fmt.Sprintf("expected a number as second term, but got %q.", tokens[1]))
	}

	return Result{Instruction: Instruction{Kind: kind, Value: value}, OK: true}
}

func (p *Parser) toggleEStop() Result {
	if p.state.ToggleEStop() {
		return Result{Directive: true, Reply: "[EMERGENCY STOP] E-Stopping AGV..."}
	}
	return Result{Directive: true, Reply: "[EMERGENCY STOP] Removing E-Stop..."}
}

func (p *Parser) toggleHalt() Result {
	if p.state.ToggleHalt() {
		return Result{Directive: true, Reply: "[HALT] Halting AGV..."}
	}
	return Result{Directive: true, Reply: "[HALT] Removing AGV Halt..."}
}

func (p *Parser) setMode(arg string) Result {
	var mode vehicle.Mode
	switch arg {
	case "TEACH":
		mode = vehicle.Teach
	case "AUTO":
		mode = vehicle.Production
	default:
		return reject(arg, fmt.Sprintf("mode %q is not valid.", arg))
	}
	velocity := p.drive.Velocity(mode)
	p.state.SetMode(mode, velocity)
	return Result{
		Directive: true,
		Reply:     fmt.Sprintf("[SETMODE] Mode set to %s at %s ft/s.", mode, strconv.FormatFloat(velocity, 'f', 2, 64)),
	}
}

func reject(token, reason string) Result {
	err := &ValidationError{Token: token, Reason: reason}
	return Result{Reply: err.Reply(), Err: err}
}

// Acknowledge returns the reply confirming that an instruction was queued.
func Acknowledge(inst Instruction) string {
	return fmt.Sprintf("[VALID COMMAND] %s queued.", inst)
}
