// Package sensor polls the vehicle's inputs and marker scanner into the
// shared controller state. The poller is the only writer of the
// sensor-derived flags.
package sensor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gwillem/agv/pkg/hw"
	"github.com/gwillem/agv/pkg/vehicle"
)

// State is the part of the controller state the poller reads and writes.
type State interface {
	Snapshot() vehicle.Snapshot
	UpdateSensors(vehicle.Readings)
}

// Poller refreshes sensor flags at a fixed interval.
type Poller struct {
	board    *hw.Board
	scanner  hw.Scanner
	state    State
	interval time.Duration
	prefix   string
}

// NewPoller creates a poller. Only scans starting with prefix qualify as
// markers; an empty prefix accepts any text.
func NewPoller(board *hw.Board, state State, interval time.Duration, prefix string) *Poller {
	return &Poller{board: board, scanner: board.Scanner, state: state, interval: interval, prefix: prefix}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads every sensor once and stores the result. An input that
// cannot be read counts as actuated for the obstruction sensor, so the
// vehicle stops rather than driving blind.
func (p *Poller) Poll(ctx context.Context) {
	obstruction, err := p.board.Obstruction.Read()
	if err != nil {
		slog.Warn("Obstruction sensor read failed", "error", err)
		obstruction = true
	}
	left := p.read("left proximity", p.board.LeftProximity)
	right := p.read("right proximity", p.board.RightProximity)

	r := vehicle.Readings{
		Obstructed:  obstruction || p.state.Snapshot().Halted,
		LeftSensor:  left,
		RightSensor: right,
		Scan:        p.scan(ctx),
	}
	p.state.UpdateSensors(r)
}

func (p *Poller) read(name string, in hw.Input) bool {
	on, err := in.Read()
	if err != nil {
		slog.Warn("Sensor read failed", "sensor", name, "error", err)
		return false
	}
	return on
}

// scan waits at most one interval for a marker. A failed scanner is
// dropped for the rest of the session.
func (p *Poller) scan(ctx context.Context) string {
	if p.scanner == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	text, ok, err := p.scanner.Scan(ctx)
	if err != nil {
		slog.Error("Marker scanner failed, scanning disabled", "error", err)
		p.scanner = nil
		return ""
	}
	if !ok || !strings.HasPrefix(text, p.prefix) {
		return ""
	}
	slog.Info("Marker scanned", "text", text)
	return text
}
