package link

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// connectedPair returns an initiator and a responder that completed the
// handshake over an in-memory pipe.
func connectedPair(t *testing.T, cfg Config) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	initiator, responder := NewConn(a, cfg), NewConn(b, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- responder.Accept() }()

	if err := initiator.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() {
		initiator.closeStream()
		responder.closeStream()
	})
	return initiator, responder
}

func TestHandshake(t *testing.T) {
	a, b := net.Pipe()
	initiator, responder := NewConn(a, DefaultConfig()), NewConn(b, DefaultConfig())
	defer a.Close()
	defer b.Close()

	if initiator.Connected() || responder.Connected() {
		t.Fatal("connected before handshake")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- responder.Accept() }()

	if err := initiator.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !initiator.Connected() || !responder.Connected() {
		t.Fatal("not connected after handshake")
	}

	// A second handshake is refused.
	if err := initiator.Initiate(); !errors.Is(err, ErrHandshake) {
		t.Errorf("second Initiate error = %v, want ErrHandshake", err)
	}
}

func TestHandshake_WrongToken(t *testing.T) {
	a, b := net.Pipe()
	initiator := NewConn(a, DefaultConfig())
	other := DefaultConfig()
	other.Handshake = "!HELLO"
	responder := NewConn(b, other)

	errCh := make(chan error, 1)
	go func() { errCh <- responder.Accept() }()

	if err := initiator.Initiate(); err == nil {
		t.Error("Initiate succeeded against a peer with another token")
	}
	err := <-errCh
	if !errors.Is(err, ErrHandshake) || !errors.Is(err, ErrProtocol) {
		t.Errorf("Accept error = %v, want ErrHandshake", err)
	}
	if responder.Connected() {
		t.Error("responder connected after failed handshake")
	}
}

func TestSendBeforeHandshake(t *testing.T) {
	a, _ := net.Pipe()
	c := NewConn(a, DefaultConfig())
	if err := c.Send("FORWARD 10"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
	if _, err := c.Receive(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Receive error = %v, want ErrNotConnected", err)
	}
}

func TestSendReceive(t *testing.T) {
	initiator, responder := connectedPair(t, DefaultConfig())

	messages := []string{"FORWARD 10", "", "[HALT] Halting AGV...", "ROTATECW 90"}
	go func() {
		for _, m := range messages {
			if err := responder.Send(m); err != nil {
				t.Errorf("Send(%q): %v", m, err)
			}
		}
	}()

	for _, want := range messages {
		got, err := initiator.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if got != want {
			t.Errorf("Receive() = %q, want %q", got, want)
		}
	}
}

func TestFrameLayout(t *testing.T) {
	a, b := net.Pipe()
	c := NewConn(a, DefaultConfig())
	c.handshaken.Store(true)
	defer a.Close()
	defer b.Close()

	go c.Send("hello")

	buf := make([]byte, 16+5)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	want := "5" + strings.Repeat(" ", 15) + "hello"
	if string(buf) != want {
		t.Errorf("frame = %q, want %q", buf, want)
	}
}

func TestMessageTooLong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeaderSize = 2
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a, cfg)
	c.handshaken.Store(true)

	err := c.Send(strings.Repeat("x", 100))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Send error = %v, want ErrProtocol", err)
	}
}

func TestReceive_BlankHeader(t *testing.T) {
	a, b := net.Pipe()
	c := NewConn(a, DefaultConfig())
	c.handshaken.Store(true)
	defer a.Close()
	defer b.Close()

	go func() {
		b.Write([]byte(strings.Repeat(" ", 16)))
		b.Write([]byte("4" + strings.Repeat(" ", 15) + "HALT"))
	}()

	if _, err := c.Receive(); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("Receive error = %v, want ErrNoMessage", err)
	}
	if !c.Connected() {
		t.Fatal("blank header must not end the session")
	}
	msg, err := c.Receive()
	if err != nil || msg != "HALT" {
		t.Errorf("Receive() = %q, %v, want HALT", msg, err)
	}
}

func TestReceive_MalformedHeader(t *testing.T) {
	a, b := net.Pipe()
	c := NewConn(a, DefaultConfig())
	c.handshaken.Store(true)
	defer b.Close()

	go b.Write([]byte("abc" + strings.Repeat(" ", 13)))

	if _, err := c.Receive(); !errors.Is(err, ErrProtocol) {
		t.Errorf("Receive error = %v, want ErrProtocol", err)
	}
	if c.Connected() {
		t.Error("session still connected after a malformed frame")
	}
}

func TestReceive_OversizedHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"beyond int range", "9999999999999999"},
		{"gigabyte", "999999999" + strings.Repeat(" ", 7)},
		{"one past limit", "65537" + strings.Repeat(" ", 11)},
	}

	for _, tt := range tests {
		a, b := net.Pipe()
		c := NewConn(a, DefaultConfig())
		c.handshaken.Store(true)

		go b.Write([]byte(tt.header))

		if _, err := c.Receive(); !errors.Is(err, ErrProtocol) {
			t.Errorf("%s: Receive error = %v, want ErrProtocol", tt.name, err)
		}
		if c.Connected() {
			t.Errorf("%s: session still connected after an oversized frame", tt.name)
		}
		b.Close()
	}
}

func TestReceive_PayloadAtLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayload = 8
	initiator, responder := connectedPair(t, cfg)

	go initiator.Send("FORWARD9")

	msg, err := responder.Receive()
	if err != nil || msg != "FORWARD9" {
		t.Errorf("Receive() = %q, %v, want FORWARD9", msg, err)
	}
}

func TestReceive_DisconnectSentinel(t *testing.T) {
	initiator, responder := connectedPair(t, DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := initiator.Receive()
		errCh <- err
	}()

	if err := responder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Errorf("Receive error = %v, want ErrDisconnected", err)
	}
	if initiator.Connected() {
		t.Error("initiator still connected after disconnect")
	}
}

func TestReceive_PeerClosed(t *testing.T) {
	initiator, responder := connectedPair(t, DefaultConfig())

	responder.closeStream()
	if _, err := initiator.Receive(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Receive error = %v, want ErrDisconnected", err)
	}
	if initiator.Connected() {
		t.Error("initiator still connected after peer closed")
	}
	if err := initiator.Send("FORWARD 1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestReceive_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	initiator, _ := connectedPair(t, cfg)

	start := time.Now()
	_, err := initiator.Receive()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Receive error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
	if initiator.Connected() {
		t.Error("session still connected after read timeout")
	}
}
