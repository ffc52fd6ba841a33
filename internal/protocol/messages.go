// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// SignalKindPrefix is the required prefix for relayable signaling kinds
// (webrtc-offer, webrtc-answer, webrtc-ice, ...). Restricting the prefix
// keeps a client from forging arbitrary server event types toward its peer;
// the data payload itself is never inspected.
const SignalKindPrefix = "webrtc-"

// ValidSignalKind reports whether kind names a relayable signaling event.
func ValidSignalKind(kind string) bool {
	return strings.HasPrefix(kind, SignalKindPrefix) && len(kind) > len(SignalKindPrefix)
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg announces the participant's profile. The user id is optional;
// the server assigns one when it is absent. Registration must precede every
// other operation on the connection.
type RegisterMsg struct {
	Type        string   `json:"type"`
	UserID      string   `json:"user_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	ChatMode    string   `json:"chat_mode"`
	Gender      string   `json:"gender,omitempty"`
	GenderPref  string   `json:"gender_pref,omitempty"`
	Country     string   `json:"country,omitempty"`
	CountryPref string   `json:"country_pref,omitempty"`
	Language    string   `json:"language,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Verified    bool     `json:"verified,omitempty"`
}

// JoinQueueMsg enters the matching queue. Interests and chat mode, when
// present, override the registered profile for this queue entry onward.
type JoinQueueMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests,omitempty"`
	ChatMode  string   `json:"chat_mode,omitempty"`
}

// CancelQueueMsg leaves the matching queue.
type CancelQueueMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client within a session.
type ChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// LeaveChatMsg ends the current session without re-entering the queue.
type LeaveChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SkipChatMsg ends the current session and re-enters the queue immediately.
type SkipChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SignalingMsg carries an opaque peer-connection signaling payload. Signal
// names the event kind (webrtc-offer, webrtc-answer, webrtc-ice); Data is
// relayed to the peer without inspection.
type SignalingMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Signal    string          `json:"signal"`
	Data      json.RawMessage `json:"data"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RegisteredMsg confirms registration and echoes the assigned user id.
type RegisteredMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PresenceUpdateMsg announces one user coming online or going offline. User
// carries the peer-visible presence record.
type PresenceUpdateMsg struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	User  interface{} `json:"user"`
}

// PresenceBulkMsg carries the full lobby roster, sent to a connection right
// after it registers.
type PresenceBulkMsg struct {
	Type  string      `json:"type"`
	Users interface{} `json:"users"`
}

// PresenceActivityMsg echoes a throttled last-activity refresh.
type PresenceActivityMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	LastActivity int64  `json:"last_activity"`
}

// WaitingMsg confirms queue entry and reports the current position.
type WaitingMsg struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// MatchFoundMsg tells a participant a session has been created. Peer carries
// the counterpart's public profile.
type MatchFoundMsg struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id"`
	Peer            interface{} `json:"peer"`
	SharedInterests []string    `json:"shared_interests"`
	Score           float64     `json:"score"`
	Criteria        []string    `json:"criteria"`
	ChatMode        string      `json:"chat_mode"`
}

// ReceiveMsg is a text message relayed from the session peer.
type ReceiveMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// MessageBlockedMsg tells the sender their message was suppressed by
// moderation.
type MessageBlockedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// UserTypingMsg relays the peer's typing indicator.
type UserTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// StrangerDisconnectedMsg tells the remaining member their session ended.
// Reason distinguishes a peer that left or vanished from one that skipped.
type StrangerDisconnectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// FindingNewMatchMsg confirms a skip initiator re-entered the queue.
type FindingNewMatchMsg struct {
	Type string `json:"type"`
}

// SignalMsg is a relayed signaling event; the concrete wire type is the
// signal kind from the originating SignalingMsg.
type SignalMsg struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

// QueueDroppedMsg tells a participant their stale queue entry was removed.
type QueueDroppedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RateLimitedMsg is sent when the client exceeded a rate-limit rule.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates a validation or precondition failure.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelQueue:
		var m CancelQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkipChat:
		var m SkipChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignaling:
		var m SignalingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
