package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/agv/pkg/vehicle"
)

type Options struct {
	Config  string `short:"c" long:"config" default:"agv.json" description:"Configuration file"`
	Verbose bool   `short:"v" long:"verbose" description:"Log debug messages"`

	Serve   ServeCommand   `command:"serve" description:"Run the vehicle controller and wait for an operator"`
	Drive   DriveCommand   `command:"drive" description:"Connect to a vehicle and send commands"`
	Monitor MonitorCommand `command:"monitor" description:"Watch the status feed of a vehicle"`
	Setup   SetupCommand   `command:"setup" description:"Select the hardware ports and write the configuration"`
	Ramp    RampCommand    `command:"ramp" description:"Print the ramp for a distance, angle or pulse count"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "AGV - guided vehicle motion controller"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if opts.Verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, falling back to the defaults
// when it does not exist.
func loadConfig() (*vehicle.Config, error) {
	if !vehicle.ConfigExists(opts.Config) {
		slog.Info("No configuration file, using defaults", "path", opts.Config)
		return vehicle.DefaultConfig(), nil
	}
	cfg, err := vehicle.LoadConfigFrom(opts.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", opts.Config, err)
	}
	return cfg, nil
}
