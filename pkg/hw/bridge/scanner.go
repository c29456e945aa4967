package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"go.bug.st/serial"

	"github.com/gwillem/agv/pkg/hw"
)

// Scanner reads markers from a line-oriented serial barcode/QR reader.
// Each line the reader sends is one decoded marker.
type Scanner struct {
	port  io.ReadCloser
	lines chan string
	done  chan struct{}
	err   error
}

// NewScanner starts reading markers from an open stream.
func NewScanner(port io.ReadCloser) *Scanner {
	s := &Scanner{
		port:  port,
		lines: make(chan string, 16),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// OpenScanner opens the reader's serial port. Failure wraps hw.ErrInit.
func OpenScanner(portName string, baud int) (*Scanner, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("%w: open scanner %s: %w", hw.ErrInit, portName, err)
	}
	slog.Info("Opened scanner", "port", portName, "baud", baud)
	return NewScanner(port), nil
}

func (s *Scanner) readLoop() {
	defer close(s.done)
	r := bufio.NewReader(s.port)
	for {
		line, err := r.ReadString('\n')
		if text := printable(line); text != "" {
			select {
			case s.lines <- text:
			default:
				slog.Debug("Scanner backlog full, dropping marker", "text", text)
			}
		}
		if err != nil {
			s.err = err
			return
		}
	}
}

// printable drops control characters and surrounding space.
func printable(line string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, line))
}

// Scan waits for the next marker. It returns an error once the reader is
// gone and every buffered marker has been delivered.
func (s *Scanner) Scan(ctx context.Context) (string, bool, error) {
	select {
	case text := <-s.lines:
		return text, true, nil
	default:
	}

	select {
	case text := <-s.lines:
		return text, true, nil
	case <-s.done:
		select {
		case text := <-s.lines:
			return text, true, nil
		default:
		}
		return "", false, fmt.Errorf("scanner closed: %w", s.err)
	case <-ctx.Done():
		return "", false, nil
	}
}

// Close closes the reader's port.
func (s *Scanner) Close() error {
	return s.port.Close()
}
