package ws

import (
	"log"

	"github.com/driftchat/drift/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct for the registered type (protocol.RegisterMsg, protocol.ChatMsg,
// and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes inbound frames to per-type handlers. Ping is
// answered internally; malformed payloads and unknown types get a
// structured error back so clients can tell a bad payload from a dropped
// frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher. Register all handlers
// before the server starts; the handler map is not locked.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a handler with a message type. A handler already
// registered for the type is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses a raw frame and routes it to the registered handler. It
// is installed as the server's onMessage callback and runs on a read
// worker goroutine.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		// A well-formed envelope with an unknown discriminator parses far
		// enough to report the type; everything else is a parse error.
		if msgType != "" && msg == nil {
			log.Printf("[ws] unsupported type=%q conn=%s", msgType, conn.ID)
			d.sendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		log.Printf("[ws] parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in keepalive, no registration required.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] no handler for type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError writes a structured error event to the client. Failures to
// build or deliver it are logged and dropped.
func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[ws] build error event conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] send error event conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and refreshes the connection's activity
// stamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[ws] build pong conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] send pong conn=%s: %v", conn.ID, err)
	}
}
