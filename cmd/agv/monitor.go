package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/agv/pkg/engine"
	"github.com/gwillem/agv/pkg/status"
)

type MonitorCommand struct {
	URL string `long:"url" default:"ws://localhost:8080/ws" description:"Status feed websocket URL"`
}

const (
	headerHeight = 2 // title + blank line
	panelHeight  = 5 // status rows
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

const frequencyDataSet = "frequency"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	flagOnStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type monitorModel struct {
	url      string
	feed     <-chan status.Snapshot
	chart    *streamlinechart.Model
	snap     status.Snapshot
	received bool
	width    int
	height   int
	logs     []string
	quitting bool
}

type snapshotMsg status.Snapshot
type feedClosedMsg struct{}

func waitForSnapshot(feed <-chan status.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func initialMonitorModel(url string, feed <-chan status.Snapshot, maxHz float64) monitorModel {
	chart := streamlinechart.New(80, 12,
		streamlinechart.WithYRange(0, maxHz),
	)
	chart.SetDataSetStyles(frequencyDataSet, runes.ThinLineStyle, lipgloss.NewStyle().Foreground(lipgloss.Color("46")))
	return monitorModel{url: url, feed: feed, chart: &chart}
}

func (m *monitorModel) addLog(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 12
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-panelHeight-footerHeight-borderSize, 6)
	return width, height
}

// observe logs what changed between two snapshots.
func (m *monitorModel) observe(prev, cur status.Snapshot) {
	if !m.received {
		m.addLog("Feed connected")
		return
	}
	if prev.Connected != cur.Connected {
		if cur.Connected {
			m.addLog("Operator connected from %s", cur.Remote)
		} else {
			m.addLog("Operator disconnected")
		}
	}
	if prev.Engine.Phase != cur.Engine.Phase {
		what := ""
		if cur.Engine.Instruction != nil {
			what = " (" + cur.Engine.Instruction.String() + ")"
		}
		m.addLog("Engine %s -> %s%s", prev.Engine.Phase, cur.Engine.Phase, what)
	}
	if prev.State.EStopped != cur.State.EStopped {
		m.addLog("E-stop %s", onOff(cur.State.EStopped))
	}
	if prev.State.Halted != cur.State.Halted {
		m.addLog("Halt %s", onOff(cur.State.Halted))
	}
	if prev.State.Obstructed != cur.State.Obstructed {
		m.addLog("Obstruction %s", onOff(cur.State.Obstructed))
	}
	if prev.State.ScanSeq != cur.State.ScanSeq {
		m.addLog("Marker scanned: %s", cur.State.LastScan)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (m monitorModel) Init() tea.Cmd {
	return waitForSnapshot(m.feed)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case snapshotMsg:
		snap := status.Snapshot(msg)
		m.observe(m.snap, snap)
		m.snap = snap
		m.received = true
		m.chart.PushDataSet(frequencyDataSet, float64(snap.Engine.FrequencyHz))
		m.chart.DrawAll()
		return m, waitForSnapshot(m.feed)

	case feedClosedMsg:
		m.addLog("Feed closed")
		return m, nil
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("AGV Monitor"))
	sb.WriteString(statusStyle.Render("  " + m.url))
	sb.WriteString("\n\n")

	sb.WriteString(m.renderPanel())
	sb.WriteString("\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 40))

	logLines := statusStyle.Render("Press 'q' to quit")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m monitorModel) renderPanel() string {
	if !m.received {
		return statusStyle.Render("Waiting for status...") + "\n\n\n\n"
	}
	s := m.snap
	st := s.State

	link := "no operator"
	if s.Connected {
		link = "operator " + s.Remote
	}

	flag := func(name string, on bool) string {
		if on {
			return flagOnStyle.Render(name)
		}
		return statusStyle.Render(name)
	}

	progress := statusStyle.Render("idle")
	if inst := s.Engine.Instruction; inst != nil {
		progress = fmt.Sprintf("%s  %s / %s pulses",
			inst.String(), humanize.Comma(int64(s.Engine.Tally)), humanize.Comma(int64(s.Engine.Expected)))
		if s.Engine.Phase != engine.Busy {
			progress += "  " + flagOnStyle.Render(s.Engine.Phase.String())
		}
	}

	lastScan := statusStyle.Render("none")
	if st.LastScan != "" {
		lastScan = fmt.Sprintf("%s (#%d)", st.LastScan, st.ScanSeq)
	}

	rows := []string{
		labelStyle.Render("Link     ") + link + statusStyle.Render("  updated "+humanize.Time(s.Time)),
		labelStyle.Render("Mode     ") + fmt.Sprintf("%s at %.2f ft/s, %d queued", st.Mode, st.Velocity, s.Queued),
		labelStyle.Render("Flags    ") + strings.Join([]string{
			flag("ESTOP", st.EStopped), flag("HALT", st.Halted), flag("OBSTRUCTED", st.Obstructed),
			flag("LEFT", st.LeftSensor), flag("RIGHT", st.RightSensor),
		}, " "),
		labelStyle.Render("Motion   ") + progress + statusStyle.Render(fmt.Sprintf("  %d Hz", s.Engine.FrequencyHz)),
		labelStyle.Render("Marker   ") + lastScan,
	}
	return strings.Join(rows, "\n") + "\n"
}

func (c *MonitorCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	levels := cfg.Drive.Ramp.Levels
	maxHz := 2000.0
	if len(levels) > 0 {
		maxHz = float64(levels[len(levels)-1])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := status.Subscribe(ctx, c.URL)
	if err != nil {
		return err
	}

	p := tea.NewProgram(initialMonitorModel(c.URL, feed, maxHz), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run monitor: %w", err)
	}
	return nil
}
