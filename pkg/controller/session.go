// Package controller runs one operator session: it receives commands over
// the link, validates them, executes the queued instructions and polls the
// sensors until the operator disconnects.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/agv/pkg/command"
	"github.com/gwillem/agv/pkg/engine"
	"github.com/gwillem/agv/pkg/hw"
	"github.com/gwillem/agv/pkg/link"
	"github.com/gwillem/agv/pkg/queue"
	"github.com/gwillem/agv/pkg/sensor"
	"github.com/gwillem/agv/pkg/status"
	"github.com/gwillem/agv/pkg/vehicle"
)

// Session is the vehicle side of one operator connection.
type Session struct {
	link  *link.Conn
	board *hw.Board
	state *vehicle.State

	inbox        *queue.Queue[string]
	instructions *queue.Queue[command.Instruction]

	parser *command.Parser
	engine *engine.Engine
	poller *sensor.Poller

	logCh chan string
}

// LinkConfig converts the link section of the configuration.
func LinkConfig(cfg vehicle.LinkConfig) link.Config {
	return link.Config{
		HeaderSize:  cfg.HeaderSize,
		Handshake:   cfg.Handshake,
		Disconnect:  cfg.Disconnect,
		ReadTimeout: time.Duration(cfg.ReadTimeout),
		MaxPayload:  cfg.MaxPayload,
	}
}

// NewSession creates a session on an accepted connection. The vehicle
// starts with no mode selected.
func NewSession(conn net.Conn, board *hw.Board, cfg *vehicle.Config) *Session {
	state := vehicle.NewState(cfg.Drive.Velocity(vehicle.Unselected))
	s := &Session{
		link:         link.NewConn(conn, LinkConfig(cfg.Link)),
		board:        board,
		state:        state,
		inbox:        queue.New[string](),
		instructions: queue.New[command.Instruction](),
		parser:       command.NewParser(state, cfg.Drive),
		poller:       sensor.NewPoller(board, state, time.Duration(cfg.Timing.Poll), cfg.Scanner.MarkerPrefix),
		logCh:        make(chan string, 64),
	}
	s.engine = engine.New(board, state, s.instructions, engine.ConfigFrom(cfg), s.reply)
	return s
}

// Logs returns a channel that receives timestamped session events.
func (s *Session) Logs() <-chan string {
	return s.logCh
}

// Status returns a snapshot for the status feed.
func (s *Session) Status() status.Snapshot {
	snap := status.Snapshot{
		Time:      time.Now(),
		Connected: s.link.Connected(),
		State:     s.state.Snapshot(),
		Engine:    s.engine.Progress(),
		Queued:    s.instructions.Len(),
	}
	if addr := s.link.RemoteAddr(); addr != nil {
		snap.Remote = addr.String()
	}
	return snap
}

// Run performs the handshake and serves the session until the operator
// disconnects, the link fails or ctx is done. The harness is left safe.
func (s *Session) Run(ctx context.Context) error {
	if err := s.link.Initiate(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	remote := s.link.RemoteAddr().String()
	slog.Info("Session connected", "remote", remote)
	s.log("Connected to %s", remote)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.receive()
	})
	g.Go(func() error { return quiet(s.translate(ctx)) })
	g.Go(func() error { return quiet(s.engine.Run(ctx)) })
	g.Go(func() error { return quiet(s.poller.Run(ctx)) })
	g.Go(func() error {
		<-ctx.Done()
		return s.link.Close()
	})

	err := g.Wait()
	if serr := s.board.Safe(); serr != nil {
		err = multierr.Append(err, fmt.Errorf("safe state: %w", serr))
	}
	slog.Info("Session ended", "remote", remote, "error", err)
	s.log("Disconnected from %s", remote)
	return err
}

// Close ends the session and leaves the harness safe.
func (s *Session) Close() error {
	return multierr.Combine(s.link.Close(), s.board.Safe())
}

// quiet drops the cancellation error a loop returns when the session ends.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// receive pushes every message onto the inbox. A disconnect ends the
// session cleanly.
func (s *Session) receive() error {
	for {
		msg, err := s.link.Receive()
		switch {
		case errors.Is(err, link.ErrNoMessage):
			continue
		case errors.Is(err, link.ErrDisconnected), errors.Is(err, link.ErrNotConnected):
			return nil
		case err != nil:
			return fmt.Errorf("receive: %w", err)
		}
		s.log("Received %q", msg)
		s.inbox.Push(msg)
	}
}

// translate validates inbox messages in order and queues the instructions.
func (s *Session) translate(ctx context.Context) error {
	for {
		if msg, ok := s.inbox.Pop(); ok {
			s.handle(msg)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.inbox.Ready():
		}
	}
}

func (s *Session) handle(msg string) {
	res := s.parser.Parse(msg)
	switch {
	case !res.OK:
		if res.Err != nil {
			slog.Info("Command rejected", "message", msg, "error", res.Err)
		}
		if res.Directive && s.state.Snapshot().EStopped {
			if n := s.instructions.Clear(); n > 0 {
				slog.Info("E-stop cleared instruction queue", "dropped", n)
			}
		}
		s.reply(res.Reply)
	case s.state.Snapshot().EStopped:
		s.reply(fmt.Sprintf("[EMERGENCY STOP] AGV is e-stopped, %s dropped.", res.Instruction))
	default:
		s.instructions.Push(res.Instruction)
		s.reply(command.Acknowledge(res.Instruction))
	}
}

// reply sends msg to the operator. A failed send is not fatal here; the
// receive loop notices the broken link.
func (s *Session) reply(msg string) {
	if msg == "" {
		return
	}
	s.log("%s", msg)
	if err := s.link.Send(msg); err != nil {
		slog.Debug("Reply not sent", "reply", msg, "error", err)
	}
}

func (s *Session) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case s.logCh <- msg:
	default:
		// Drop if channel full
	}
}
