// Package link frames text messages over a byte stream for the operator
// link: each frame is a fixed-width, left-justified ASCII decimal length
// header followed by that many payload bytes.
package link

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrProtocol reports a malformed frame. The session cannot continue.
	ErrProtocol = errors.New("protocol error")
	// ErrHandshake reports a failed connection handshake.
	ErrHandshake = fmt.Errorf("%w: handshake failed", ErrProtocol)
	// ErrDisconnected reports that the session has ended.
	ErrDisconnected = errors.New("disconnected")
	// ErrNotConnected is returned when sending before the handshake completed.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout reports that the peer sent nothing within the read timeout.
	ErrTimeout = errors.New("read timeout")
	// ErrNoMessage is returned for a blank header. It is not fatal.
	ErrNoMessage = errors.New("no message")
)

// Config holds the framing parameters shared by both peers.
type Config struct {
	HeaderSize  int
	Handshake   string
	Disconnect  string
	ReadTimeout time.Duration // 0 waits forever
	MaxPayload  int           // largest accepted frame; 0 means no limit
}

// DefaultConfig returns the framing used by the stationary controller.
func DefaultConfig() Config {
	return Config{
		HeaderSize: 16,
		Handshake:  "!CONNECTED",
		Disconnect: "!DISCONNECT",
		MaxPayload: 64 << 10,
	}
}

// Conn is one end of an operator link.
type Conn struct {
	conn net.Conn
	cfg  Config

	writeMu sync.Mutex
	readMu  sync.Mutex

	handshaken atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
}

// NewConn wraps an established stream. The link is not usable for
// messages until Initiate or Accept succeeds.
func NewConn(conn net.Conn, cfg Config) *Conn {
	return &Conn{conn: conn, cfg: cfg}
}

// Connected reports whether the handshake completed and the link is open.
func (c *Conn) Connected() bool {
	return c.handshaken.Load() && !c.closed.Load()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Initiate performs the initiating side of the handshake: send the token,
// then wait for the peer to echo it.
func (c *Conn) Initiate() error {
	if c.handshaken.Load() {
		return fmt.Errorf("%w: already connected", ErrHandshake)
	}
	if err := c.send(c.cfg.Handshake); err != nil {
		return c.fail(fmt.Errorf("send handshake: %w", err))
	}
	msg, err := c.receiveHandshake()
	if err != nil {
		return err
	}
	if msg != c.cfg.Handshake {
		return c.fail(fmt.Errorf("%w: unexpected reply %q", ErrHandshake, msg))
	}
	c.handshaken.Store(true)
	return nil
}

// Accept performs the responding side of the handshake: wait for the
// token, then echo it back.
func (c *Conn) Accept() error {
	if c.handshaken.Load() {
		return fmt.Errorf("%w: already connected", ErrHandshake)
	}
	msg, err := c.receiveHandshake()
	if err != nil {
		return err
	}
	if msg != c.cfg.Handshake {
		return c.fail(fmt.Errorf("%w: unexpected greeting %q", ErrHandshake, msg))
	}
	if err := c.send(c.cfg.Handshake); err != nil {
		return c.fail(fmt.Errorf("send handshake: %w", err))
	}
	c.handshaken.Store(true)
	return nil
}

func (c *Conn) receiveHandshake() (string, error) {
	for {
		msg, err := c.read()
		if errors.Is(err, ErrNoMessage) {
			continue
		}
		if err != nil {
			return "", c.fail(fmt.Errorf("%w: %w", ErrHandshake, err))
		}
		return msg, nil
	}
}

// Send frames and writes one message.
func (c *Conn) Send(msg string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.send(msg); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Conn) send(msg string) error {
	header, err := c.header(len(msg))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(header, msg...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	slog.Debug("Sent", "length", len(msg), "payload", msg)
	return nil
}

func (c *Conn) header(n int) ([]byte, error) {
	h := strconv.Itoa(n)
	if len(h) > c.cfg.HeaderSize {
		return nil, fmt.Errorf("%w: message of %d bytes does not fit a %d byte header", ErrProtocol, n, c.cfg.HeaderSize)
	}
	return []byte(h + strings.Repeat(" ", c.cfg.HeaderSize-len(h))), nil
}

// Receive reads one message. ErrNoMessage means the peer sent a blank
// header and the caller should try again. Receiving the disconnect token
// ends the session and returns ErrDisconnected; so does any read failure.
func (c *Conn) Receive() (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}
	msg, err := c.read()
	if errors.Is(err, ErrNoMessage) {
		return "", err
	}
	if err != nil {
		return "", c.fail(err)
	}
	if msg == c.cfg.Disconnect {
		slog.Info("Peer disconnected", "remote", c.conn.RemoteAddr())
		c.closeStream()
		return "", ErrDisconnected
	}
	return msg, nil
}

func (c *Conn) read() (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}

	header := make([]byte, c.cfg.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return "", c.readError(err)
	}
	text := strings.TrimSpace(string(header))
	if text == "" {
		return "", ErrNoMessage
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: bad length header %q", ErrProtocol, string(header))
	}
	if limit := c.cfg.MaxPayload; limit > 0 && n > limit {
		return "", fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocol, n, limit)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return "", c.readError(err)
	}
	slog.Debug("Received", "length", n, "payload", string(payload))
	return string(payload), nil
}

func (c *Conn) readError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %v", ErrTimeout, c.cfg.ReadTimeout)
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, err)
}

// fail closes the link after a terminal error and returns the error.
func (c *Conn) fail(err error) error {
	slog.Warn("Link failed", "remote", c.conn.RemoteAddr(), "error", err)
	c.closeStream()
	return err
}

func (c *Conn) closeStream() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
	})
}

// Close tells a connected peer the session is over and closes the stream.
func (c *Conn) Close() error {
	if c.Connected() {
		if err := c.send(c.cfg.Disconnect); err != nil {
			slog.Debug("Failed to send disconnect", "error", err)
		}
	}
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
