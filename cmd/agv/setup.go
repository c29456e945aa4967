package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.bug.st/serial"

	"github.com/gwillem/agv/pkg/hw/bridge"
	"github.com/gwillem/agv/pkg/vehicle"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

const noPort = "none"

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("AGV Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━"))
	fmt.Println()

	cfg := vehicle.DefaultConfig()
	if vehicle.ConfigExists(opts.Config) {
		loaded, err := vehicle.LoadConfigFrom(opts.Config)
		if err != nil {
			return err
		}
		cfg = loaded
		fmt.Printf("Editing %s\n\n", opts.Config)
	}

	ports := listPorts()
	portOptions := []huh.Option[string]{huh.NewOption("None", noPort)}
	for _, p := range ports {
		portOptions = append(portOptions, huh.NewOption(p, p))
	}

	driver := cfg.Hardware.Driver
	bridgePort := orNone(cfg.Hardware.Port)
	scannerPort := orNone(cfg.Scanner.Port)
	baud := strconv.Itoa(cfg.Hardware.Baud)
	prefix := cfg.Scanner.MarkerPrefix
	addr := cfg.Link.Addr
	statusAddr := cfg.Status.Addr

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Hardware driver").
				Options(
					huh.NewOption("Simulator", vehicle.DriverSim),
					huh.NewOption("Serial bridge", vehicle.DriverSerial),
				).
				Value(&driver),
			huh.NewInput().
				Title("Operator link address").
				Value(&addr),
			huh.NewInput().
				Title("Status feed address").
				Description("Leave empty to disable").
				Value(&statusAddr),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Bridge port").
				Description("Microcontroller running the pulse generator").
				Options(portOptions...).
				Value(&bridgePort),
			huh.NewInput().
				Title("Bridge baud rate").
				Value(&baud).
				Validate(func(s string) error {
					_, err := strconv.Atoi(s)
					return err
				}),
		).WithHideFunc(func() bool { return driver != vehicle.DriverSerial }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Marker scanner port").
				Options(portOptions...).
				Value(&scannerPort),
			huh.NewInput().
				Title("Marker prefix").
				Description("Only scans starting with this text count as markers").
				Value(&prefix),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		return nil
	}

	cfg.Hardware.Driver = driver
	cfg.Hardware.Port = fromNone(bridgePort)
	cfg.Hardware.Baud, _ = strconv.Atoi(baud)
	cfg.Scanner.Port = fromNone(scannerPort)
	cfg.Scanner.MarkerPrefix = prefix
	cfg.Link.Addr = addr
	cfg.Status.Addr = statusAddr

	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Hardware.Driver == vehicle.DriverSerial {
		fmt.Println()
		fmt.Println(subHeaderStyle.Render("━━━ Checking bridge ━━━"))
		b, err := bridge.Open(cfg.Hardware.Port, cfg.Hardware.Baud)
		if err != nil {
			return err
		}
		b.Close()
		fmt.Println(successStyle.Render("Bridge answered on " + cfg.Hardware.Port))
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Pin map ━━━"))
	fmt.Println(renderPins(cfg.Hardware.Pins))

	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start the controller with: " + headerStyle.Render("agv serve"))
	return nil
}

func listPorts() []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}
	var out []string
	for _, p := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(p, "Bluetooth") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func orNone(port string) string {
	if port == "" {
		return noPort
	}
	return port
}

func fromNone(port string) string {
	if port == noPort {
		return ""
	}
	return port
}

func renderPins(pins vehicle.Pins) string {
	rows := make([][]string, 0, len(pins))
	for _, name := range vehicle.AllPins() {
		pc := pins[name]
		level := "high"
		if pc.ActiveLow {
			level = "low"
		}
		rows = append(rows, []string{string(name), strconv.Itoa(pc.BCM), level})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Pin", "BCM", "Active").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col == 0 {
				return labelStyle.Padding(0, 1)
			}
			return tableCellStyle
		})
	return t.Render()
}
