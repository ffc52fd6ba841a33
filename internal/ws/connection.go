package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. The ID is assigned at upgrade
// time and is the handle every other component uses to address this client.
// It carries no identity: registration binds a user to it later, and that
// mapping lives outside the transport.
type Connection struct {
	ID        string
	Conn      net.Conn
	Fd        int
	CreatedAt time.Time

	lastActive int64      // unix nanos of the last successful read
	writeMu    sync.Mutex // serializes outbound frames
	processing int32      // 0 = idle, 1 = a worker is mid-read
}

// NewConnection wraps an upgraded socket. The activity stamp starts at now
// so a quiet client still gets a full heartbeat window before eviction.
func NewConnection(id string, conn net.Conn, fd int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.touch()
	return c
}

// touch records a successful read. The heartbeat reads the stamp to spot
// dead peers.
func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last successful read on this connection.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// WriteMessage sends one text frame. The write mutex keeps concurrent
// senders (relay delivery, presence broadcast, heartbeat pings) from
// interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is the thread-safe connection table. Lookups work by
// connection id and by the underlying net.Conn; the poller reports ready
// sockets as net.Conn values, so the read path needs the reverse mapping.
type ConnectionManager struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
	byNet map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:  make(map[string]*Connection),
		byNet: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byNet[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove deletes the connection by id and closes its socket. It returns
// false when the connection was already gone, which makes the racing
// teardown paths (read error, heartbeat timeout, close frame) idempotent.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byNet, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByNetConn returns the Connection owning the given socket, or nil.
func (cm *ConnectionManager) GetByNetConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byNet[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast writes one frame to every connection. Per-connection errors are
// ignored; a broken socket is reaped by the read path or the heartbeat.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of the current connections, safe to iterate
// without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
