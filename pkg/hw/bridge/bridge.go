// Package bridge drives the vehicle harness through a microcontroller on a
// serial port. The microcontroller runs the pulse generator, the edge
// tally and the GPIO lines, and answers one line per request:
//
//	PING                       -> PONG
//	OUT <bcm> <0|1>            -> OK
//	IN <bcm>                   -> OK <0|1>
//	WAVE <bcm> <0|1> <hz>:<n>… -> OK
//	CLEAR <bcm>                -> OK
//	TALLY <bcm>                -> OK <count>
//	RESET <bcm>                -> OK
//
// Failures are answered with "ERR <message>".
package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/gwillem/agv/pkg/hw"
	"github.com/gwillem/agv/pkg/ramp"
	"github.com/gwillem/agv/pkg/vehicle"
)

// ErrRemote reports a request the microcontroller refused.
var ErrRemote = errors.New("bridge error")

// PingTimeout bounds the wait for the microcontroller's first reply.
const PingTimeout = 2 * time.Second

// Bridge is a connection to the microcontroller.
type Bridge struct {
	port io.ReadWriteCloser
	r    *bufio.Reader
	mu   sync.Mutex
}

// New wraps an open stream to the microcontroller.
func New(port io.ReadWriteCloser) *Bridge {
	return &Bridge{port: port, r: bufio.NewReader(port)}
}

// Open opens the serial port and checks that the microcontroller answers.
// Any failure wraps hw.ErrInit.
func Open(portName string, baud int) (*Bridge, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", hw.ErrInit, portName, err)
	}
	slog.Info("Opened serial port", "port", portName, "baud", baud)

	b := New(port)
	if err := b.Ping(PingTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %s: %w", hw.ErrInit, portName, err)
	}
	return b, nil
}

// Ping checks that the microcontroller answers within timeout.
func (b *Bridge) Ping(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		reply, err := b.call("PING")
		if err == nil && reply != "PONG" {
			err = fmt.Errorf("unexpected ping reply %q", reply)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no ping reply within %v", timeout)
	}
}

// Close closes the stream.
func (b *Bridge) Close() error {
	return b.port.Close()
}

// call sends one request and returns the reply with any "OK" stripped.
func (b *Bridge) call(request string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := io.WriteString(b.port, request+"\n"); err != nil {
		return "", fmt.Errorf("write %q: %w", request, err)
	}
	slog.Debug("Bridge sent", "line", request)

	for {
		line, err := b.r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read reply to %q: %w", request, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		slog.Debug("Bridge received", "line", line)

		switch {
		case line == "OK":
			return "", nil
		case strings.HasPrefix(line, "OK "):
			return strings.TrimPrefix(line, "OK "), nil
		case strings.HasPrefix(line, "ERR"):
			return "", fmt.Errorf("%w: %s: %s", ErrRemote, request, strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
		default:
			return line, nil
		}
	}
}

// Pulser returns the pulse generator on a BCM line.
func (b *Bridge) Pulser(bcm int) hw.Pulser {
	return &pulser{b: b, bcm: bcm}
}

// Output returns a digital output on a BCM line.
func (b *Bridge) Output(pc vehicle.PinConfig) hw.Output {
	return &output{b: b, pc: pc}
}

// Input returns a digital input on a BCM line.
func (b *Bridge) Input(pc vehicle.PinConfig) hw.Input {
	return &input{b: b, pc: pc}
}

// Board maps the pin configuration onto the bridge. The scanner is left
// for the caller to fit.
func (b *Bridge) Board(pins vehicle.Pins) (*hw.Board, error) {
	if err := pins.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", hw.ErrInit, err)
	}
	board := &hw.Board{
		Pulser:         b.Pulser(pins[vehicle.PulsePin].BCM),
		LeftDirection:  b.Output(pins[vehicle.LeftDirectionPin]),
		RightDirection: b.Output(pins[vehicle.RightDirectionPin]),
		LeftEnable:     b.Output(pins[vehicle.LeftEnablePin]),
		RightEnable:    b.Output(pins[vehicle.RightEnablePin]),
		Obstruction:    b.Input(pins[vehicle.ObstructionPin]),
		LeftProximity:  b.Input(pins[vehicle.LeftProximityPin]),
		RightProximity: b.Input(pins[vehicle.RightProximityPin]),
	}

	// Start from a known state: no wave, wheels disabled.
	if err := multierr.Combine(board.Safe(), board.Pulser.ResetTally()); err != nil {
		return nil, fmt.Errorf("%w: %w", hw.ErrInit, err)
	}
	return board, nil
}

type pulser struct {
	b   *Bridge
	bcm int
}

func (p *pulser) GenerateRamp(steps []ramp.Step, clearExisting bool) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "WAVE %d %d", p.bcm, boolDigit(clearExisting))
	for _, s := range steps {
		fmt.Fprintf(&sb, " %d:%d", s.FrequencyHz, s.PulseCount)
	}
	_, err := p.b.call(sb.String())
	return err
}

func (p *pulser) Clear() error {
	_, err := p.b.call(fmt.Sprintf("CLEAR %d", p.bcm))
	return err
}

func (p *pulser) Tally() (uint64, error) {
	reply, err := p.b.call(fmt.Sprintf("TALLY %d", p.bcm))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(reply, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tally %q: %w", reply, err)
	}
	return n, nil
}

func (p *pulser) ResetTally() error {
	_, err := p.b.call(fmt.Sprintf("RESET %d", p.bcm))
	return err
}

type output struct {
	b  *Bridge
	pc vehicle.PinConfig
}

func (o *output) On() error  { return o.write(true) }
func (o *output) Off() error { return o.write(false) }

func (o *output) write(on bool) error {
	_, err := o.b.call(fmt.Sprintf("OUT %d %d", o.pc.BCM, boolDigit(on != o.pc.ActiveLow)))
	return err
}

type input struct {
	b  *Bridge
	pc vehicle.PinConfig
}

func (i *input) Read() (bool, error) {
	reply, err := i.b.call(fmt.Sprintf("IN %d", i.pc.BCM))
	if err != nil {
		return false, err
	}
	switch reply {
	case "0":
		return i.pc.ActiveLow, nil
	case "1":
		return !i.pc.ActiveLow, nil
	}
	return false, fmt.Errorf("parse level %q from line %d", reply, i.pc.BCM)
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
