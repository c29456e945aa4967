package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/agv/pkg/ramp"
	"github.com/gwillem/agv/pkg/vehicle"
)

// firmware is a fake microcontroller answering the bridge protocol.
type firmware struct {
	mu       sync.Mutex
	levels   map[string]string
	inputs   map[string]string
	tally    uint64
	requests []string
}

func startFirmware(t *testing.T) (*Bridge, *firmware) {
	t.Helper()
	host, device := net.Pipe()
	fw := &firmware{levels: map[string]string{}, inputs: map[string]string{}}
	go fw.serve(device)
	b := New(host)
	t.Cleanup(func() { b.Close() })
	return b, fw
}

func (fw *firmware) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		reply := fw.handle(strings.Fields(line))
		if _, err := fmt.Fprintf(conn, "%s\r\n", reply); err != nil {
			return
		}
	}
}

func (fw *firmware) handle(f []string) string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.requests = append(fw.requests, strings.Join(f, " "))

	switch f[0] {
	case "PING":
		return "PONG"
	case "OUT":
		fw.levels[f[1]] = f[2]
		return "OK"
	case "IN":
		if v, ok := fw.inputs[f[1]]; ok {
			return "OK " + v
		}
		return "ERR no such input"
	case "WAVE":
		for _, step := range f[3:] {
			var hz, n uint64
			fmt.Sscanf(step, "%d:%d", &hz, &n)
			fw.tally += n
		}
		return "OK"
	case "TALLY":
		return fmt.Sprintf("OK %d", fw.tally)
	case "RESET":
		fw.tally = 0
		return "OK"
	case "CLEAR":
		return "OK"
	}
	return "ERR unknown request"
}

func (fw *firmware) level(bcm int) string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.levels[fmt.Sprint(bcm)]
}

func (fw *firmware) lastRequest() string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.requests[len(fw.requests)-1]
}

func TestBridge_Ping(t *testing.T) {
	b, _ := startFirmware(t)
	if err := b.Ping(time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestBridge_PingTimeout(t *testing.T) {
	host, device := net.Pipe()
	defer device.Close()
	b := New(host)
	defer b.Close()

	// Drain requests without answering.
	go io.Copy(io.Discard, device)

	if err := b.Ping(20 * time.Millisecond); err == nil {
		t.Error("Ping succeeded without a reply")
	}
}

func TestBridge_Board(t *testing.T) {
	b, fw := startFirmware(t)
	pins := vehicle.DefaultPins()

	board, err := b.Board(pins)
	if err != nil {
		t.Fatalf("Board: %v", err)
	}

	// Safe state: enables are active low, so "off" drives them high.
	tests := []struct {
		pin      vehicle.PinName
		expected string
	}{
		{vehicle.LeftEnablePin, "1"},
		{vehicle.RightEnablePin, "1"},
		{vehicle.LeftDirectionPin, "1"},
		{vehicle.RightDirectionPin, "0"},
	}
	for _, tt := range tests {
		if got := fw.level(pins[tt.pin].BCM); got != tt.expected {
			t.Errorf("%s level = %q, want %q", tt.pin, got, tt.expected)
		}
	}

	if err := board.LeftEnable.On(); err != nil {
		t.Fatalf("LeftEnable.On: %v", err)
	}
	if got := fw.level(pins[vehicle.LeftEnablePin].BCM); got != "0" {
		t.Errorf("enabled left wheel level = %q, want 0", got)
	}
}

func TestBridge_Pulser(t *testing.T) {
	b, fw := startFirmware(t)
	p := b.Pulser(23)

	steps := []ramp.Step{{FrequencyHz: 50, PulseCount: 10}, {FrequencyHz: 100, PulseCount: 5}}
	if err := p.GenerateRamp(steps, true); err != nil {
		t.Fatalf("GenerateRamp: %v", err)
	}
	if got := fw.lastRequest(); got != "WAVE 23 1 50:10 100:5" {
		t.Errorf("request = %q", got)
	}

	n, err := p.Tally()
	if err != nil || n != 15 {
		t.Errorf("Tally() = %d, %v, want 15", n, err)
	}
	if err := p.ResetTally(); err != nil {
		t.Fatalf("ResetTally: %v", err)
	}
	if n, _ := p.Tally(); n != 0 {
		t.Errorf("Tally() after reset = %d", n)
	}
}

func TestBridge_Input(t *testing.T) {
	b, fw := startFirmware(t)
	fw.inputs["16"] = "1"
	fw.inputs["20"] = "1"

	tests := []struct {
		pc       vehicle.PinConfig
		expected bool
	}{
		{vehicle.PinConfig{BCM: 16}, true},
		{vehicle.PinConfig{BCM: 20, ActiveLow: true}, false},
	}
	for _, tt := range tests {
		got, err := b.Input(tt.pc).Read()
		if err != nil || got != tt.expected {
			t.Errorf("Read(%+v) = %v, %v, want %v", tt.pc, got, err, tt.expected)
		}
	}

	_, err := b.Input(vehicle.PinConfig{BCM: 99}).Read()
	if !errors.Is(err, ErrRemote) {
		t.Errorf("Read on missing input error = %v, want ErrRemote", err)
	}
}

func TestScanner(t *testing.T) {
	host, device := net.Pipe()
	s := NewScanner(host)

	go func() {
		device.Write([]byte("STATION A\r\n\x02\r\nSTATION B\r\n"))
		device.Close()
	}()

	for _, want := range []string{"STATION A", "STATION B"} {
		text, ok, err := s.Scan(context.Background())
		if err != nil || !ok || text != want {
			t.Fatalf("Scan() = %q, %v, %v, want %q", text, ok, err, want)
		}
	}
	if _, _, err := s.Scan(context.Background()); err == nil {
		t.Error("Scan() after close returned no error")
	}
}
