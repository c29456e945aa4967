package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/gwillem/agv/pkg/controller"
	"github.com/gwillem/agv/pkg/hw"
	"github.com/gwillem/agv/pkg/hw/bridge"
	"github.com/gwillem/agv/pkg/hw/sim"
	"github.com/gwillem/agv/pkg/status"
	"github.com/gwillem/agv/pkg/vehicle"
)

type ServeCommand struct {
	Addr   string `long:"addr" description:"Operator link listen address (overrides config)"`
	Driver string `long:"driver" choice:"sim" choice:"serial" description:"Hardware driver (overrides config)"`
	Status string `long:"status" description:"Status feed listen address (overrides config)"`
	Quiet  bool   `short:"q" long:"quiet" description:"Do not print session events"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Link.Addr = c.Addr
	}
	if c.Driver != "" {
		cfg.Hardware.Driver = c.Driver
	}
	if c.Status != "" {
		cfg.Status.Addr = c.Status
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	board, closeBoard, err := openBoard(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBoard(); err != nil {
			slog.Warn("Failed to close hardware", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Link.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Link.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	slog.Info("Waiting for operator", "addr", ln.Addr().String(), "driver", cfg.Hardware.Driver)

	var current atomic.Pointer[controller.Session]
	if cfg.Status.Addr != "" {
		feed := status.NewServer(func() status.Snapshot {
			if s := current.Load(); s != nil {
				return s.Status()
			}
			return status.Snapshot{Time: time.Now()}
		}, time.Duration(cfg.Timing.Poll))
		go func() {
			if err := feed.Run(ctx, cfg.Status.Addr); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Status feed failed", "error", err)
			}
		}()
	}

	// One operator at a time; the next connection is accepted when the
	// current session ends.
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		session := controller.NewSession(conn, board, cfg)
		current.Store(session)
		done := make(chan struct{})
		if !c.Quiet {
			go printLogs(session.Logs(), done)
		}

		if err := session.Run(ctx); err != nil {
			slog.Warn("Session failed", "remote", conn.RemoteAddr().String(), "error", err)
		}
		close(done)
		current.Store(nil)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func printLogs(logs <-chan string, done <-chan struct{}) {
	for {
		select {
		case line := <-logs:
			fmt.Println(line)
		case <-done:
			return
		}
	}
}

// openBoard connects the configured hardware. Failures wrap hw.ErrInit.
func openBoard(cfg *vehicle.Config) (*hw.Board, func() error, error) {
	if cfg.Hardware.Driver != vehicle.DriverSerial {
		v := sim.New(cfg.Hardware.Speed)
		slog.Info("Using simulated hardware", "speed", cfg.Hardware.Speed)
		return v.Board(), func() error { return nil }, nil
	}

	b, err := bridge.Open(cfg.Hardware.Port, cfg.Hardware.Baud)
	if err != nil {
		return nil, nil, err
	}
	board, err := b.Board(cfg.Hardware.Pins)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	closers := []func() error{b.Close}

	if cfg.Scanner.Port != "" {
		sc, err := bridge.OpenScanner(cfg.Scanner.Port, cfg.Scanner.Baud)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		board.Scanner = sc
		closers = append(closers, sc.Close)
	}
	slog.Info("Hardware bridge ready", "port", cfg.Hardware.Port, "scanner", cfg.Scanner.Port)

	return board, func() error {
		err := board.Safe()
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}, nil
}
