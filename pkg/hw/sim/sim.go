// Package sim simulates the vehicle harness so the controller can run
// without a vehicle. Pulses are tallied against the clock.
package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gwillem/agv/pkg/hw"
	"github.com/gwillem/agv/pkg/ramp"
)

// Pulser is a simulated pulse generator. A speed above 1 emits pulses
// faster than their ramp frequency.
type Pulser struct {
	mu    sync.Mutex
	speed float64
	now   func() time.Time

	wave  []ramp.Step
	start time.Time
	base  uint64
	ramps [][]ramp.Step
}

// NewPulser creates a pulse generator running at speed times real time.
func NewPulser(speed float64) *Pulser {
	if speed <= 0 {
		speed = 1
	}
	return &Pulser{speed: speed, now: time.Now}
}

// emitted returns the pulses of the current wave sent so far. Callers hold mu.
func (p *Pulser) emitted() uint64 {
	if len(p.wave) == 0 {
		return 0
	}
	elapsed := time.Duration(float64(p.now().Sub(p.start)) * p.speed)
	var n uint64
	for _, s := range p.wave {
		d := s.Duration()
		if elapsed >= d {
			n += uint64(s.PulseCount)
			elapsed -= d
			continue
		}
		n += uint64(elapsed.Seconds() * float64(s.FrequencyHz))
		break
	}
	return n
}

// fold moves the pulses emitted so far into the base count and returns
// what is left of the current wave.
func (p *Pulser) fold() []ramp.Step {
	sent := p.emitted()
	p.base += sent
	rest := remainder(p.wave, sent)
	p.wave = nil
	return rest
}

func remainder(steps []ramp.Step, sent uint64) []ramp.Step {
	var rest []ramp.Step
	for _, s := range steps {
		if sent >= uint64(s.PulseCount) {
			sent -= uint64(s.PulseCount)
			continue
		}
		rest = append(rest, ramp.Step{FrequencyHz: s.FrequencyHz, PulseCount: s.PulseCount - uint32(sent)})
		sent = 0
	}
	return rest
}

func (p *Pulser) GenerateRamp(steps []ramp.Step, clearExisting bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rest := p.fold()
	if clearExisting {
		rest = nil
	}
	p.wave = append(rest, steps...)
	p.start = p.now()
	p.ramps = append(p.ramps, append([]ramp.Step(nil), steps...))
	slog.Debug("Sim ramp", "steps", len(steps), "pulses", ramp.Total(steps), "clear", clearExisting)
	return nil
}

func (p *Pulser) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fold()
	return nil
}

func (p *Pulser) Tally() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base + p.emitted(), nil
}

func (p *Pulser) ResetTally() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wave = p.fold()
	p.start = p.now()
	p.base = 0
	return nil
}

// Ramps returns every ramp issued so far.
func (p *Pulser) Ramps() [][]ramp.Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]ramp.Step(nil), p.ramps...)
}

// Pin is a simulated output that records its transitions.
type Pin struct {
	name string

	mu      sync.Mutex
	on      bool
	history []bool
}

// NewPin creates an output that starts off.
func NewPin(name string) *Pin {
	return &Pin{name: name}
}

func (p *Pin) On() error  { return p.set(true) }
func (p *Pin) Off() error { return p.set(false) }

func (p *Pin) set(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.on != on {
		slog.Debug("Sim pin", "pin", p.name, "on", on)
	}
	p.on = on
	p.history = append(p.history, on)
	return nil
}

// State returns the current level.
func (p *Pin) State() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// History returns every level written, oldest first.
func (p *Pin) History() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.history...)
}

// Switch is a simulated input.
type Switch struct {
	mu sync.Mutex
	on bool
}

// Set changes the level the switch reads.
func (s *Switch) Set(on bool) {
	s.mu.Lock()
	s.on = on
	s.mu.Unlock()
}

func (s *Switch) Read() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on, nil
}

// Scanner delivers scripted marker reads.
type Scanner struct {
	ch chan string
}

// NewScanner creates a scanner with room for n pending reads.
func NewScanner(n int) *Scanner {
	return &Scanner{ch: make(chan string, n)}
}

// Push queues a read. It is dropped when the queue is full.
func (s *Scanner) Push(text string) {
	select {
	case s.ch <- text:
	default:
	}
}

func (s *Scanner) Scan(ctx context.Context) (string, bool, error) {
	select {
	case text := <-s.ch:
		return text, true, nil
	case <-ctx.Done():
		return "", false, nil
	}
}

// Vehicle is a complete simulated harness.
type Vehicle struct {
	Pulser *Pulser

	LeftDirection  *Pin
	RightDirection *Pin
	LeftEnable     *Pin
	RightEnable    *Pin

	Obstruction    *Switch
	LeftProximity  *Switch
	RightProximity *Switch

	Scanner *Scanner
}

// New creates a simulated vehicle running at speed times real time.
func New(speed float64) *Vehicle {
	return &Vehicle{
		Pulser:         NewPulser(speed),
		LeftDirection:  NewPin("left_direction"),
		RightDirection: NewPin("right_direction"),
		LeftEnable:     NewPin("left_enable"),
		RightEnable:    NewPin("right_enable"),
		Obstruction:    &Switch{},
		LeftProximity:  &Switch{},
		RightProximity: &Switch{},
		Scanner:        NewScanner(8),
	}
}

// Board returns the harness as the controller sees it.
func (v *Vehicle) Board() *hw.Board {
	return &hw.Board{
		Pulser:         v.Pulser,
		LeftDirection:  v.LeftDirection,
		RightDirection: v.RightDirection,
		LeftEnable:     v.LeftEnable,
		RightEnable:    v.RightEnable,
		Obstruction:    v.Obstruction,
		LeftProximity:  v.LeftProximity,
		RightProximity: v.RightProximity,
		Scanner:        v.Scanner,
	}
}
