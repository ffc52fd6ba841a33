// Package ws is the WebSocket transport. It upgrades HTTP requests, owns
// the connection table and the readiness event loop, and hands complete
// text frames to the handler installed by the orchestration layer. The
// package keeps no domain state; who a connection belongs to and what it
// may do are decided above it.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/metrics"
)

// ServerConfig holds the transport tunables.
type ServerConfig struct {
	Addr           string        // listen address, e.g. ":8080"
	WorkerCount    int           // max concurrent read workers
	MaxConns       int           // hard cap on simultaneous connections
	ReadTimeout    time.Duration // per-frame read deadline once a socket reports ready
	WriteTimeout   time.Duration // per-frame write deadline
	PingInterval   time.Duration // heartbeat probe interval
	PongTimeout    time.Duration // grace beyond PingInterval before a silent peer is dead
	AllowedOrigins []string      // Origin values accepted at upgrade; "*" allows any
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		WorkerCount:    128,
		MaxConns:       65536,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Server is the gobwas/ws based transport. Sockets register with the poller
// for readiness notifications and a bounded worker pool reads frames from
// ready sockets, so idle connections hold no goroutines.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore bounding concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage runs on a worker goroutine for
// every complete inbound text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerCount),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect registers the callback invoked after a connection leaves
// the table (read error, heartbeat eviction, or close frame). Must be set
// before Start.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start creates the poller, starts the event loop and the heartbeat, and
// blocks serving HTTP with the given handler. Routing belongs to the
// caller: mount HandleUpgrade wherever the WebSocket endpoint should live.
func (s *Server) Start(handler http.Handler) error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.Addr,
		Handler: handler,
	}

	go s.startEventLoop()
	StartHeartbeat(s, HeartbeatConfig{
		Interval: s.config.PingInterval,
		Timeout:  s.config.PongTimeout,
	})

	log.Printf("[ws] listening on %s (workers=%d, max_conns=%d)",
		s.config.Addr, s.config.WorkerCount, s.config.MaxConns)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the connection table and the poller. No greeting is
// sent; the first exchange on a fresh connection is the client's register.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConns {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if origin := r.Header.Get("Origin"); !s.originAllowed(origin) {
		log.Printf("[ws] rejected origin %q", origin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := NewConnection(uuid.New().String(), conn, socketFD(conn))
	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("[ws] poller add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	total := s.conns.Count()
	metrics.ConnectionsTotal.Set(float64(total))
	log.Printf("[ws] connection %s open fd=%d (total=%d)", c.ID, c.Fd, total)
}

// originAllowed checks the upgrade Origin header against the configured
// allow list. Browsers do not apply CORS to WebSocket handshakes, so this
// is the transport's only origin gate. An absent header means a non-browser
// client and is allowed.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleHealth reports liveness plus connection count and uptime as JSON.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection goes to a
// worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("[ws] poller wait: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}(conn)
		}
	}
}

// handleConn reads one frame from a ready connection. A read timeout means
// the readiness signal was stale; the connection stays up and dead peers
// are left to the heartbeat.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByNetConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered readiness can dispatch the same socket again before
	// the first worker has drained it.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any successful read proves the peer is alive.
	c.touch()

	if header.OpCode.IsControl() {
		// Drain the control payload so the next frame starts clean.
		if header.Length > 0 {
			_, _ = io.Copy(io.Discard, reader)
		}
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection evicts a connection from the poller and the table and
// runs the disconnect callback exactly once. The table's Remove guard
// serializes racing teardown paths.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	total := s.conns.Count()
	metrics.ConnectionsTotal.Set(float64(total))
	log.Printf("[ws] connection %s closed (total=%d)", c.ID, total)
}

// Send writes one text frame to the connection identified by connID. The
// relay uses this as its delivery primitive; an error means the connection
// is gone or its socket is broken.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections exposes the connection table to the heartbeat and to
// read-only surfaces like the health endpoint.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, the event loop and the heartbeat, then
// closes every connection and the poller. Disconnect callbacks do not run
// for connections closed here; the whole process is going away.
func (s *Server) Shutdown() error {
	log.Println("[ws] shutting down")
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[ws] http shutdown: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.poller != nil {
			_ = s.poller.Remove(c.Conn)
		}
		s.conns.Remove(c.ID)
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}

	metrics.ConnectionsTotal.Set(0)
	log.Println("[ws] server stopped")
	return nil
}

// isEINTR reports whether the error is an interrupted syscall, which the
// wait loop should retry. String comparison keeps this file free of
// platform-specific errno imports.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
