// Package status publishes controller snapshots over HTTP and websocket
// so operators can watch the vehicle without sharing its command link.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gwillem/agv/pkg/engine"
	"github.com/gwillem/agv/pkg/vehicle"
)

// Snapshot is one status report.
type Snapshot struct {
	Time      time.Time        `json:"time"`
	Connected bool             `json:"connected"`
	Remote    string           `json:"remote,omitempty"`
	State     vehicle.Snapshot `json:"state"`
	Engine    engine.Progress  `json:"engine"`
	Queued    int              `json:"queued"`
}

// Source produces the current snapshot.
type Source func() Snapshot

// Server serves /status as JSON and pushes snapshots to /ws subscribers
// at a fixed interval.
type Server struct {
	source   Source
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]*client
	nextID  atomic.Int64
}

// NewServer creates a status server.
func NewServer(source Source, interval time.Duration) *Server {
	return &Server{
		source:   source,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*client),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Run listens on addr and broadcasts until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and broadcasts until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	slog.Info("Status feed listening", "addr", ln.Addr().String())

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source()); err != nil {
		slog.Debug("Status write failed", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Status websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     s.nextID.Add(1),
		conn:   conn,
		sendCh: make(chan Snapshot, 16),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("Status subscriber connected", "client", c.id, "remote", r.RemoteAddr)

	c.send(s.source())
	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("Status subscriber disconnected", "client", c.id)
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

// Broadcast sends the current snapshot to every subscriber.
func (s *Server) Broadcast() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	snap := s.source()
	for _, c := range s.clients {
		c.send(snap)
	}
}

// Subscribers returns the number of connected websocket clients.
func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.close()
	}
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Snapshot
	done   chan struct{}
	once   sync.Once
}

// send queues a snapshot, dropping it when the client is behind.
func (c *client) send(snap Snapshot) {
	select {
	case c.sendCh <- snap:
	case <-c.done:
	default:
		slog.Debug("Status subscriber behind, dropping snapshot", "client", c.id)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards incoming messages and returns when the peer leaves.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Status websocket read failed", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case snap := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(snap); err != nil {
				slog.Debug("Status websocket write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
