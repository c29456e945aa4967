package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gwillem/agv/pkg/command"
)

// reacquire searches for the marker after a scan interrupted a move. The
// search only runs when neither proximity sensor is actuated.
func (e *Engine) reacquire(ctx context.Context) error {
	snap := e.state.Snapshot()
	if snap.LeftSensor || snap.RightSensor {
		slog.Info("Marker in view, skipping search", "left", snap.LeftSensor, "right", snap.RightSensor)
		return nil
	}

	found, err := e.search(ctx)
	if err != nil {
		return err
	}
	if !found {
		return ErrSearchFailed
	}
	return nil
}

// search advances through the search band in small increments and sweeps
// at each one. When the band is exhausted it retreats the whole band.
func (e *Engine) search(ctx context.Context) (bool, error) {
	s := e.cfg.Search
	increments := int(math.Floor(s.Band/s.Increment + 1e-9))
	slog.Info("Searching for marker", "band", s.Band, "increment", s.Increment)

	for i := 0; i < increments; i++ {
		if err := e.orient(ctx, command.Forward, s.Increment); err != nil {
			return false, err
		}
		found, err := e.pivot(ctx)
		if err != nil || found {
			if found {
				slog.Info("Marker reacquired", "advanced", float64(i+1)*s.Increment)
			}
			return found, err
		}
	}

	slog.Warn("Marker not found, retreating", "band", s.Band)
	if err := e.orient(ctx, command.Backward, s.Band); err != nil {
		return false, err
	}
	return false, nil
}

// pivot sweeps clockwise to the sweep limit, returns to center, sweeps
// counter-clockwise and returns to center again, stopping as soon as the
// marker is found.
func (e *Engine) pivot(ctx context.Context) (bool, error) {
	sweep := e.cfg.Search.PivotSweep

	found, err := e.incrementalTurns(ctx, command.RotateCW)
	if err != nil || found {
		return found, err
	}
	if err := e.orient(ctx, command.RotateCCW, sweep); err != nil {
		return false, err
	}

	found, err = e.incrementalTurns(ctx, command.RotateCCW)
	if err != nil || found {
		return found, err
	}
	if err := e.orient(ctx, command.RotateCW, sweep); err != nil {
		return false, err
	}
	return false, nil
}

// incrementalTurns turns one pivot increment at a time up to the sweep
// limit, checking for the marker after each turn.
func (e *Engine) incrementalTurns(ctx context.Context, kind command.Kind) (bool, error) {
	s := e.cfg.Search
	n := int(math.Floor(s.PivotSweep/s.PivotIncrement + 1e-9))
	for i := 0; i < n; i++ {
		if err := e.orient(ctx, kind, s.PivotIncrement); err != nil {
			return false, err
		}
		found, err := e.aligned(ctx)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

// aligned waits one poll so the sensors reflect the new pose, then
// reports whether both proximity sensors are actuated.
func (e *Engine) aligned(ctx context.Context) (bool, error) {
	if err := sleep(ctx, e.cfg.Poll); err != nil {
		return false, err
	}
	return e.state.Snapshot().Aligned(), nil
}

// orient drives one search sub-move. value is inches for Forward and
// Backward and degrees for the rotations.
func (e *Engine) orient(ctx context.Context, kind command.Kind, value float64) error {
	m := move{kind: kind, orienting: true}
	if kind.Rotation() {
		m.pulses = e.cfg.Geometry.PulsesForAngle(value)
	} else {
		m.pulses = e.cfg.Geometry.PulsesForDistance(value)
	}
	if err := e.drive(ctx, m); err != nil {
		return fmt.Errorf("search %s %g: %w", kind, value, err)
	}
	e.setPhase(Reacquiring)
	return nil
}
