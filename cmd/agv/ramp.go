package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gwillem/agv/pkg/ramp"
	"github.com/gwillem/agv/pkg/vehicle"
)

type RampCommand struct {
	Distance float64 `long:"distance" description:"Travel distance in inches"`
	Angle    float64 `long:"angle" description:"Rotation in degrees"`
	Pulses   uint32  `long:"pulses" description:"Raw pulse count, as used to resume a move"`
	Mode     string  `long:"mode" choice:"teach" choice:"production" default:"production" description:"Mode whose velocity caps the ramp"`
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableCoastStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func (c *RampCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	geo := cfg.Drive.Geometry

	var pulses uint32
	var what string
	switch {
	case c.Distance != 0:
		pulses = geo.PulsesForDistance(c.Distance)
		what = fmt.Sprintf("%g in", c.Distance)
	case c.Angle != 0:
		pulses = geo.PulsesForAngle(c.Angle)
		what = fmt.Sprintf("%g° (arc %.2f in)", c.Angle, geo.ArcLength(c.Angle))
	case c.Pulses != 0:
		pulses = c.Pulses
		what = "raw"
	default:
		return errors.New("one of --distance, --angle or --pulses is required")
	}

	mode := vehicle.Production
	if c.Mode == "teach" {
		mode = vehicle.Teach
	}
	velocity := cfg.Drive.Velocity(mode)
	capHz := geo.PulseFrequency(velocity)
	steps := cfg.Drive.Ramp.Limit(capHz).Build(pulses)

	fmt.Println(titleStyle.Render(fmt.Sprintf("Ramp for %s: %s pulses", what, humanize.Comma(int64(pulses)))))
	fmt.Println(dimStyle.Render(fmt.Sprintf("%s mode, %.2f ft/s, levels up to %d Hz", mode, velocity, capHz)))
	fmt.Println()

	fmt.Println(renderRamp(steps))
	fmt.Printf("Total %s pulses in %s\n", humanize.Comma(int64(ramp.Total(steps))), ramp.Duration(steps))
	return nil
}

// renderRamp draws the steps as a table. A ramp with a coast step has odd
// length and the coast step sits in the middle.
func renderRamp(steps []ramp.Step) string {
	peak := -1
	if len(steps)%2 == 1 {
		peak = len(steps) / 2
	}

	rows := make([][]string, 0, len(steps))
	for i, s := range steps {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			humanize.Comma(int64(s.FrequencyHz)),
			humanize.Comma(int64(s.PulseCount)),
			fmt.Sprintf("%d", s.HalfPeriod()),
			s.Duration().String(),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Step", "Hz", "Pulses", "Half period µs", "Duration").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if row == peak {
				return tableCoastStyle
			}
			return tableCellStyle
		})
	return t.Render()
}
