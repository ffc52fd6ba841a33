// Package client provides a reusable WebSocket load test client for the
// Drift pairing service. It connects using gobwas/ws (the same library the
// server uses), tracks the register -> registered handshake and the session
// id delivered by match-found, and records per-connection performance
// metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister    = "register"
	TypeJoinQueue   = "join_queue"
	TypeCancelQueue = "cancel_queue"
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeLeaveChat   = "leave_chat"
	TypeSkipChat    = "skip_chat"
	TypeSignaling   = "signaling"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeRegistered           = "registered"
	TypePresenceUpdate       = "presence:update"
	TypePresenceBulk         = "presence:bulk_update"
	TypePresenceActivity     = "presence:activity"
	TypeWaiting              = "waiting-for-match"
	TypeMatchFound           = "match-found"
	TypeReceiveMessage       = "receive-message"
	TypeMessageBlocked       = "message-blocked"
	TypeUserTyping           = "user-typing"
	TypeStrangerDisconnected = "stranger-disconnected"
	TypeFindingNewMatch      = "finding-new-match"
	TypeQueueDropped         = "queue-dropped"
	TypeRateLimited          = "rate-limited"
	TypeError                = "error"
	TypePong                 = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Drift server.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and tracks the assigned user id plus the session id
// from the most recent match-found.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	stateMu   sync.RWMutex
	userID    string
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	gotFirst  bool

	dialedAt  time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages. The registered and match-found replies are tracked
// internally, so UserID and SessionID work without explicit handlers.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.stateMu.Lock()
	c.metrics.MessagesSent++
	c.stateMu.Unlock()
	return nil
}

// Register sends the register message that binds an anonymous profile to
// this connection. The server answers with registered; block on it with
// WaitForRegistered before joining the queue.
func (c *Client) Register(name string, interests []string, chatMode string) error {
	if chatMode == "" {
		chatMode = "text"
	}
	if interests == nil {
		interests = []string{}
	}
	return c.Send(map[string]interface{}{
		"type":      TypeRegister,
		"name":      name,
		"interests": interests,
		"chat_mode": chatMode,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.stateMu.Lock()
	c.handlers[msgType] = handler
	c.stateMu.Unlock()
}

// WaitForRegistered blocks until the server has acknowledged registration
// with a user id or the context is cancelled. This is useful for
// coordinating load test phases that depend on the handshake being complete.
func (c *Client) WaitForRegistered(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before registration completed")
		case <-ticker.C:
			if c.UserID() != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user id assigned by the server, or an empty string if
// registration has not completed yet.
func (c *Client) UserID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.userID
}

// SessionID returns the session id from the most recent match-found, or an
// empty string when the client is not in a session. It is cleared when the
// server reports the peer gone.
func (c *Client) SessionID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.stateMu.Lock()
			c.metrics.Errors++
			c.stateMu.Unlock()
			return
		}

		c.stateMu.Lock()
		if !c.gotFirst {
			c.gotFirst = true
			c.metrics.FirstMsgLatency = time.Since(c.dialedAt)
		}
		c.metrics.MessagesReceived++
		c.stateMu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Track the handshake and session state internally so callers can
		// poll UserID/SessionID instead of wiring handlers for them.
		switch envelope.Type {
		case TypeRegistered:
			var msg struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.UserID != "" {
				c.stateMu.Lock()
				c.userID = msg.UserID
				c.stateMu.Unlock()
			}
		case TypeMatchFound:
			var msg struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.stateMu.Lock()
				c.sessionID = msg.SessionID
				c.stateMu.Unlock()
			}
		case TypeStrangerDisconnected:
			c.stateMu.Lock()
			c.sessionID = ""
			c.stateMu.Unlock()
		}

		// Dispatch to registered handler if one exists.
		c.stateMu.RLock()
		handler, ok := c.handlers[envelope.Type]
		c.stateMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
