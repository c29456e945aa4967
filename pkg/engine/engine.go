// Package engine executes queued instructions on the vehicle harness. It
// drives the direction and enable outputs, issues ramps to the pulse
// generator and supervises each move against the pulse tally and the
// safety flags, suspending and resuming moves that are interrupted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/gwillem/agv/pkg/command"
	"github.com/gwillem/agv/pkg/hw"
	"github.com/gwillem/agv/pkg/queue"
	"github.com/gwillem/agv/pkg/ramp"
	"github.com/gwillem/agv/pkg/vehicle"
)

var (
	// ErrNotImplemented is returned for commands without a defined motion.
	ErrNotImplemented = errors.New("not implemented")
	// ErrSearchFailed reports that the marker was not reacquired.
	ErrSearchFailed = errors.New("search failed")
)

// Phase is the engine's execution phase.
type Phase int

const (
	Idle Phase = iota
	Busy
	Interrupted
	Reacquiring
)

func (p Phase) String() string {
	switch p {
	case Busy:
		return "busy"
	case Interrupted:
		return "interrupted"
	case Reacquiring:
		return "reacquiring"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "busy":
		*p = Busy
	case "interrupted":
		*p = Interrupted
	case "reacquiring":
		*p = Reacquiring
	default:
		*p = Idle
	}
	return nil
}

// State is the controller state as the engine sees it.
type State interface {
	Snapshot() vehicle.Snapshot
	BeginBusy() bool
	EndBusy()
	SetHalted(bool)
}

// Config holds the motion settings.
type Config struct {
	Geometry  ramp.Geometry
	Ramp      ramp.Profile
	Tolerance uint32
	Poll      time.Duration
	Settle    time.Duration
	Search    vehicle.SearchConfig
}

// ConfigFrom extracts the engine settings from the vehicle configuration.
func ConfigFrom(cfg *vehicle.Config) Config {
	return Config{
		Geometry:  cfg.Drive.Geometry,
		Ramp:      cfg.Drive.Ramp,
		Tolerance: cfg.Drive.Tolerance,
		Poll:      time.Duration(cfg.Timing.Poll),
		Settle:    time.Duration(cfg.Timing.Settle),
		Search:    cfg.Search,
	}
}

// Progress describes what the engine is doing.
type Progress struct {
	Phase       Phase                `json:"phase"`
	Instruction *command.Instruction `json:"instruction,omitempty"`
	Move        string               `json:"move,omitempty"`
	Expected    uint64               `json:"expected"`
	Tally       uint64               `json:"tally"`
	FrequencyHz uint32               `json:"frequency_hz"`
}

// Engine drains the instruction queue. It is the only writer of the
// harness outputs.
type Engine struct {
	board  *hw.Board
	state  State
	queue  *queue.Queue[command.Instruction]
	cfg    Config
	notify func(string)

	scanSeen uint64

	mu       sync.Mutex
	progress Progress
	steps    []ramp.Step
}

// New creates an engine. notify receives the replies meant for the
// operator and may be nil.
func New(board *hw.Board, state State, q *queue.Queue[command.Instruction], cfg Config, notify func(string)) *Engine {
	if notify == nil {
		notify = func(string) {}
	}
	return &Engine{
		board:    board,
		state:    state,
		queue:    q,
		cfg:      cfg,
		notify:   notify,
		scanSeen: state.Snapshot().ScanSeq,
	}
}

// Progress returns a copy of the engine's progress.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.progress
	if p.Instruction != nil {
		inst := *p.Instruction
		p.Instruction = &inst
	}
	return p
}

func (e *Engine) setPhase(phase Phase) {
	e.mu.Lock()
	e.progress.Phase = phase
	e.mu.Unlock()
}

// Run executes queued instructions in order until ctx is done. While the
// e-stop is armed the queue is emptied; while halted nothing is dequeued.
func (e *Engine) Run(ctx context.Context) error {
	for {
		snap := e.state.Snapshot()
		switch {
		case snap.EStopped:
			if n := e.queue.Clear(); n > 0 {
				slog.Info("E-stop cleared instruction queue", "dropped", n)
			}
		case snap.Halted:
		default:
			if inst, ok := e.queue.Pop(); ok {
				if err := e.Execute(ctx, inst); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					e.report(inst, err)
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.queue.Ready():
		case <-time.After(e.cfg.Poll):
		}
	}
}

func (e *Engine) report(inst command.Instruction, err error) {
	slog.Warn("Instruction failed", "instruction", inst.String(), "error", err)
	switch {
	case errors.Is(err, ErrNotImplemented):
		e.notify(fmt.Sprintf("[NOT IMPLEMENTED] %s is not implemented.", inst.Kind))
	case errors.Is(err, ErrSearchFailed):
		e.notify(fmt.Sprintf("[SEARCH FAILED] Marker not reacquired during %s, AGV halted.", inst))
	default:
		e.notify(fmt.Sprintf("[HARDWARE ERROR] %s aborted, AGV halted: %v", inst, err))
	}
}

// Execute runs one instruction to completion, including any interruptions
// and reacquisition searches on the way.
func (e *Engine) Execute(ctx context.Context, inst command.Instruction) error {
	if !e.state.BeginBusy() {
		return errors.New("another instruction is in flight")
	}
	defer e.state.EndBusy()

	e.mu.Lock()
	e.progress = Progress{Phase: Busy, Instruction: &inst}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.progress = Progress{Phase: Idle}
		e.steps = nil
		e.mu.Unlock()
	}()

	slog.Info("Executing", "instruction", inst.String())

	var err error
	switch inst.Kind {
	case command.Forward, command.Backward:
		err = e.drive(ctx, move{kind: inst.Kind, pulses: e.cfg.Geometry.PulsesForDistance(inst.Value)})
	case command.RotateCW, command.RotateCCW:
		err = e.drive(ctx, move{kind: inst.Kind, pulses: e.cfg.Geometry.PulsesForAngle(inst.Value)})
	case command.CalibrateHome, command.TraverseRoute:
		return fmt.Errorf("%s: %w", inst.Kind, ErrNotImplemented)
	default:
		return fmt.Errorf("%s cannot be executed", inst.Kind)
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, ErrSearchFailed):
		e.state.SetHalted(true)
		return err
	default:
		e.state.SetHalted(true)
		if serr := e.board.Safe(); serr != nil {
			err = multierr.Append(err, serr)
		}
		return err
	}
}

// move is one supervised pulse train. Orienting moves belong to a
// reacquisition search: rotations pivot in place and scans are ignored.
type move struct {
	kind      command.Kind
	orienting bool
	pulses    uint32
}

func (m move) String() string {
	s := fmt.Sprintf("%s %d pulses", m.kind, m.pulses)
	if m.orienting {
		s += " (orienting)"
	}
	return s
}

// interruption is why a move stopped early.
type interruption int

const (
	none interruption = iota
	eStop
	obstruction
	markerScan
)

func (i interruption) String() string {
	switch i {
	case eStop:
		return "e-stop"
	case obstruction:
		return "obstruction"
	case markerScan:
		return "marker scan"
	}
	return "none"
}

// drive runs a move to completion. Each interruption leaves a
// continuation of the remaining pulses, which is driven once the
// condition clears.
func (e *Engine) drive(ctx context.Context, m move) error {
	for m.pulses > 0 {
		remaining, why, err := e.run(ctx, m)
		if err != nil {
			return err
		}
		if why == none {
			return nil
		}

		slog.Info("Move interrupted", "move", m.String(), "reason", why.String(), "remaining", remaining)
		if why == markerScan {
			e.setPhase(Reacquiring)
			if err := e.reacquire(ctx); err != nil {
				return err
			}
		}

		e.setPhase(Interrupted)
		if err := e.waitWhile(ctx, func(s vehicle.Snapshot) bool { return s.EStopped || s.Obstructed }); err != nil {
			return err
		}
		e.setPhase(Busy)

		if remaining <= e.cfg.Tolerance {
			slog.Debug("Remaining pulses within tolerance, move complete", "remaining", remaining)
			return nil
		}
		m.pulses = remaining
	}
	return nil
}

// run issues one pulse train and supervises it until it completes or is
// interrupted. For an interrupted train it returns the pulses still owed.
func (e *Engine) run(ctx context.Context, m move) (uint32, interruption, error) {
	if err := e.setOutputs(ctx, wiringFor(m.kind, m.orienting)); err != nil {
		return 0, none, fmt.Errorf("set outputs: %w", err)
	}

	snap := e.state.Snapshot()
	profile := e.cfg.Ramp.Limit(e.cfg.Geometry.PulseFrequency(snap.Velocity))
	steps := profile.Build(m.pulses)

	e.mu.Lock()
	e.progress.Move = m.String()
	e.progress.Expected = uint64(m.pulses)
	e.progress.Tally = 0
	e.progress.FrequencyHz = ramp.FrequencyAt(steps, 0)
	e.steps = steps
	e.mu.Unlock()

	e.scanSeen = snap.ScanSeq
	if err := e.board.Pulser.GenerateRamp(steps, true); err != nil {
		return 0, none, fmt.Errorf("generate ramp: %w", err)
	}
	slog.Debug("Ramp issued", "move", m.String(), "steps", len(steps), "duration", ramp.Duration(steps))

	expected := uint64(m.pulses)
	for {
		if err := sleep(ctx, e.cfg.Poll); err != nil {
			return 0, none, err
		}

		tally, err := e.board.Pulser.Tally()
		if err != nil {
			return 0, none, fmt.Errorf("read tally: %w", err)
		}
		e.mu.Lock()
		e.progress.Tally = tally
		e.progress.FrequencyHz = ramp.FrequencyAt(e.steps, tally)
		e.mu.Unlock()

		// Within tolerance the move is done. The rest of the wave is
		// dropped so late pulses do not count toward the next move.
		if tally+uint64(e.cfg.Tolerance) >= expected {
			if err := e.board.Pulser.Clear(); err != nil {
				return 0, none, fmt.Errorf("clear wave: %w", err)
			}
			if err := e.board.Pulser.ResetTally(); err != nil {
				return 0, none, fmt.Errorf("reset tally: %w", err)
			}
			return 0, none, nil
		}

		snap := e.state.Snapshot()
		why := none
		switch {
		case snap.EStopped:
			why = eStop
		case snap.Obstructed:
			why = obstruction
		case !m.orienting && !m.kind.Rotation() && snap.ScanSeq != e.scanSeen:
			e.scanSeen = snap.ScanSeq
			why = markerScan
		default:
			continue
		}

		stopped, err := e.stop()
		if err != nil {
			return 0, none, err
		}
		var remaining uint32
		if stopped < expected {
			remaining = uint32(expected - stopped)
		}
		return remaining, why, nil
	}
}

// stop halts the pulse train and returns how many pulses it emitted. The
// tally is reset and every output turned off.
func (e *Engine) stop() (uint64, error) {
	p := e.board.Pulser
	if err := p.Clear(); err != nil {
		return 0, fmt.Errorf("clear wave: %w", err)
	}
	tally, err := p.Tally()
	if err != nil {
		return 0, fmt.Errorf("read tally: %w", err)
	}
	err = multierr.Combine(
		p.ResetTally(),
		e.board.LeftEnable.Off(),
		e.board.RightEnable.Off(),
		e.board.LeftDirection.Off(),
		e.board.RightDirection.Off(),
	)
	if err != nil {
		return 0, fmt.Errorf("stop: %w", err)
	}

	e.mu.Lock()
	e.progress.Tally = tally
	e.progress.FrequencyHz = 0
	e.mu.Unlock()
	return tally, nil
}

// wiring is the output levels for a move. The direction outputs select
// reverse when on.
type wiring struct {
	LeftReverse  bool
	RightReverse bool
	LeftEnable   bool
	RightEnable  bool
}

// wiringFor selects the outputs for a move. Outside a search a rotation
// is a skid turn on one wheel; inside a search it is a pivot with the
// wheels spinning in opposite directions.
func wiringFor(kind command.Kind, orienting bool) wiring {
	switch {
	case kind == command.Forward:
		return wiring{LeftEnable: true, RightEnable: true}
	case kind == command.Backward:
		return wiring{LeftReverse: true, RightReverse: true, LeftEnable: true, RightEnable: true}
	case kind == command.RotateCW && orienting:
		return wiring{RightReverse: true, LeftEnable: true, RightEnable: true}
	case kind == command.RotateCCW && orienting:
		return wiring{LeftReverse: true, LeftEnable: true, RightEnable: true}
	case kind == command.RotateCW:
		return wiring{LeftEnable: true}
	case kind == command.RotateCCW:
		return wiring{RightEnable: true}
	}
	return wiring{}
}

// setOutputs applies a wiring. Each direction change is followed by the
// driver's settle time.
func (e *Engine) setOutputs(ctx context.Context, w wiring) error {
	if err := level(e.board.LeftDirection, w.LeftReverse); err != nil {
		return err
	}
	if err := sleep(ctx, e.cfg.Settle); err != nil {
		return err
	}
	if err := level(e.board.RightDirection, w.RightReverse); err != nil {
		return err
	}
	if err := sleep(ctx, e.cfg.Settle); err != nil {
		return err
	}
	return multierr.Combine(
		level(e.board.LeftEnable, w.LeftEnable),
		level(e.board.RightEnable, w.RightEnable),
	)
}

func level(out hw.Output, on bool) error {
	if on {
		return out.On()
	}
	return out.Off()
}

// waitWhile polls the state until cond no longer holds.
func (e *Engine) waitWhile(ctx context.Context, cond func(vehicle.Snapshot) bool) error {
	for cond(e.state.Snapshot()) {
		if err := sleep(ctx, e.cfg.Poll); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
