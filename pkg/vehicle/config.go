package vehicle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gwillem/agv/pkg/ramp"
)

const DefaultConfigFile = "agv.json"

// Hardware drivers.
const (
	DriverSim    = "sim"
	DriverSerial = "serial"
)

// Config holds the vehicle configuration
type Config struct {
	Link     LinkConfig     `json:"link"`
	Drive    DriveConfig    `json:"drive"`
	Timing   TimingConfig   `json:"timing"`
	Search   SearchConfig   `json:"search"`
	Hardware HardwareConfig `json:"hardware"`
	Scanner  ScannerConfig  `json:"scanner"`
	Status   StatusConfig   `json:"status"`
}

// LinkConfig holds the operator link settings
type LinkConfig struct {
	Addr        string   `json:"addr"`
	HeaderSize  int      `json:"header_size"`
	Handshake   string   `json:"handshake"`
	Disconnect  string   `json:"disconnect"`
	ReadTimeout Duration `json:"read_timeout"`
	MaxPayload  int      `json:"max_payload"` // bytes
}

// DriveConfig holds the drive train and motion settings
type DriveConfig struct {
	Geometry      ramp.Geometry `json:"geometry"`
	Ramp          ramp.Profile  `json:"ramp"`
	MaxVelocity   float64       `json:"max_velocity"`   // ft/s
	TeachFraction float64       `json:"teach_fraction"` // of MaxVelocity
	Tolerance     uint32        `json:"tolerance"`      // pulses
}

// Velocity returns the velocity used in a mode.
func (d DriveConfig) Velocity(m Mode) float64 {
	if m == Production {
		return d.MaxVelocity
	}
	return d.MaxVelocity * d.TeachFraction
}

// TimingConfig holds the poll periods
type TimingConfig struct {
	Poll   Duration `json:"poll"`
	Settle Duration `json:"settle"`
}

// SearchConfig holds the reacquisition sweep settings
type SearchConfig struct {
	Increment      float64 `json:"increment"`       // in
	Band           float64 `json:"band"`            // in
	PivotIncrement float64 `json:"pivot_increment"` // deg
	PivotSweep     float64 `json:"pivot_sweep"`     // deg
}

// HardwareConfig selects and configures the hardware driver
type HardwareConfig struct {
	Driver string  `json:"driver"`
	Port   string  `json:"port,omitempty"`
	Baud   int     `json:"baud,omitempty"`
	Speed  float64 `json:"speed,omitempty"` // simulator time scale
	Pins   Pins    `json:"pins"`
}

// ScannerConfig holds the marker scanner settings
type ScannerConfig struct {
	Port         string `json:"port,omitempty"`
	Baud         int    `json:"baud,omitempty"`
	MarkerPrefix string `json:"marker_prefix,omitempty"`
}

// StatusConfig holds the status feed settings
type StatusConfig struct {
	Addr string `json:"addr,omitempty"`
}

// DefaultConfig returns the configuration of the reference vehicle.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Addr:        ":1234",
			HeaderSize:  16,
			Handshake:   "!CONNECTED",
			Disconnect:  "!DISCONNECT",
			ReadTimeout: Duration(10 * time.Minute),
			MaxPayload:  64 << 10,
		},
		Drive: DriveConfig{
			Geometry: ramp.Geometry{
				WheelDiameter:      5,
				StepsPerRevolution: 400,
				TurnRadius:         10,
			},
			Ramp: ramp.Profile{
				Levels:        ramp.DefaultLevels(),
				StepsPerLevel: 10,
			},
			MaxVelocity:   2.25,
			TeachFraction: 0.2,
			Tolerance:     11,
		},
		Timing: TimingConfig{
			Poll:   Duration(250 * time.Millisecond),
			Settle: Duration(50 * time.Millisecond),
		},
		Search: SearchConfig{
			Increment:      0.5,
			Band:           4,
			PivotIncrement: 4,
			PivotSweep:     28,
		},
		Hardware: HardwareConfig{
			Driver: DriverSim,
			Baud:   115200,
			Speed:  1,
			Pins:   DefaultPins(),
		},
		Scanner: ScannerConfig{
			Baud: 9600,
		},
		Status: StatusConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks the configuration for values the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Link.HeaderSize <= 0 {
		errs = append(errs, errors.New("link: header size must be positive"))
	}
	if c.Link.MaxPayload <= 0 {
		errs = append(errs, errors.New("link: max payload must be positive"))
	}
	if c.Link.Handshake == "" || c.Link.Disconnect == "" {
		errs = append(errs, errors.New("link: handshake and disconnect tokens are required"))
	}
	if c.Link.Handshake == c.Link.Disconnect {
		errs = append(errs, errors.New("link: handshake and disconnect tokens must differ"))
	}
	g := c.Drive.Geometry
	if g.WheelDiameter <= 0 || g.StepsPerRevolution <= 0 || g.TurnRadius <= 0 {
		errs = append(errs, errors.New("drive: geometry values must be positive"))
	}
	if err := c.Drive.Ramp.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("drive: ramp: %w", err))
	}
	if c.Drive.MaxVelocity <= 0 {
		errs = append(errs, errors.New("drive: max velocity must be positive"))
	}
	if c.Drive.TeachFraction <= 0 || c.Drive.TeachFraction > 1 {
		errs = append(errs, errors.New("drive: teach fraction must be in (0, 1]"))
	}
	if c.Timing.Poll <= 0 {
		errs = append(errs, errors.New("timing: poll interval must be positive"))
	}
	if c.Timing.Settle < 0 {
		errs = append(errs, errors.New("timing: settle interval must not be negative"))
	}
	s := c.Search
	if s.Increment <= 0 || s.Band < s.Increment || s.PivotIncrement <= 0 || s.PivotSweep < s.PivotIncrement {
		errs = append(errs, errors.New("search: increments must be positive and no larger than their extents"))
	}
	switch c.Hardware.Driver {
	case DriverSim:
	case DriverSerial:
		if c.Hardware.Port == "" {
			errs = append(errs, errors.New("hardware: serial driver needs a port"))
		}
	default:
		errs = append(errs, fmt.Errorf("hardware: unknown driver %q", c.Hardware.Driver))
	}
	if err := c.Hardware.Pins.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hardware: %w", err))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file. Missing fields
// keep their default values.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the config file exists
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Duration is a time.Duration that reads and writes JSON as "250ms".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
