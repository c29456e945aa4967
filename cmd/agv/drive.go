package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/agv/pkg/command"
	"github.com/gwillem/agv/pkg/controller"
	"github.com/gwillem/agv/pkg/link"
)

type DriveCommand struct {
	Addr string        `long:"addr" default:"localhost:1234" description:"Vehicle address"`
	Exec []string      `short:"e" long:"exec" description:"Send a command and exit (repeatable)"`
	Wait time.Duration `long:"wait" default:"2s" description:"How long to wait for replies before sending the next command"`
}

var (
	replyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (c *DriveCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", c.Addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.Addr, err)
	}
	linkCfg := controller.LinkConfig(cfg.Link)
	linkCfg.ReadTimeout = 0
	l := link.NewConn(conn, linkCfg)
	if err := l.Accept(); err != nil {
		conn.Close()
		return err
	}
	defer l.Close()
	fmt.Println(titleStyle.Render("Connected to " + c.Addr))

	replies := make(chan string, 32)
	go receiveReplies(l, replies)

	if len(c.Exec) > 0 {
		for _, line := range c.Exec {
			if err := l.Send(line); err != nil {
				return err
			}
			fmt.Println(statusStyle.Render("> " + line))
			if !printReplies(replies, c.Wait) {
				return errors.New("vehicle closed the connection")
			}
		}
		return nil
	}

	for {
		var line string
		err := huh.NewInput().
			Title("Command").
			Description(strings.Join(kindNames(), " ")).
			Placeholder("FORWARD 10").
			Value(&line).
			Run()
		if err != nil {
			// Aborted with ctrl+c or esc
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := l.Send(line); err != nil {
			return err
		}
		fmt.Println(statusStyle.Render("> " + line))
		if !printReplies(replies, c.Wait) {
			return errors.New("vehicle closed the connection")
		}
	}
}

// receiveReplies forwards every message from the vehicle and closes
// replies when the link ends.
func receiveReplies(l *link.Conn, replies chan<- string) {
	defer close(replies)
	for {
		msg, err := l.Receive()
		if errors.Is(err, link.ErrNoMessage) {
			continue
		}
		if err != nil {
			return
		}
		replies <- msg
	}
}

// printReplies prints replies until none arrive for wait. It returns false
// once the link has ended.
func printReplies(replies <-chan string, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				return false
			}
			style := replyStyle
			if strings.HasPrefix(msg, "[INVALID") || strings.HasPrefix(msg, "[EMERGENCY") ||
				strings.HasPrefix(msg, "[SEARCH") || strings.HasPrefix(msg, "[HARDWARE") {
				style = warningStyle
			}
			fmt.Println(style.Render(msg))
			timer.Reset(wait / 4)
		case <-timer.C:
			return true
		}
	}
}

func kindNames() []string {
	var names []string
	for _, k := range command.Kinds() {
		names = append(names, k.String())
	}
	return names
}
