package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid register message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Register(t *testing.T) {
	input := []byte(`{"type":"register","user_id":"u-9","name":"ava","interests":["music","art"],"chat_mode":"text","gender":"female","gender_pref":"male","country":"de","language":"de","verified":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRegister {
		t.Fatalf("expected type %q, got %q", TypeRegister, msgType)
	}

	rm, ok := msg.(RegisterMsg)
	if !ok {
		t.Fatalf("expected RegisterMsg, got %T", msg)
	}
	if rm.UserID != "u-9" || rm.Name != "ava" {
		t.Errorf("unexpected identity fields: %+v", rm)
	}
	if rm.ChatMode != "text" || rm.Gender != "female" || rm.GenderPref != "male" {
		t.Errorf("unexpected matching fields: %+v", rm)
	}
	if len(rm.Interests) != 2 || rm.Interests[0] != "music" {
		t.Errorf("unexpected interests: %v", rm.Interests)
	}
	if !rm.Verified {
		t.Error("expected verified flag to survive decoding")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message (chat) message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","session_id":"abc-123","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.SessionID != "abc-123" {
		t.Errorf("expected session_id %q, got %q", "abc-123", cm.SessionID)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Signaling payloads survive parsing byte-for-byte
// ---------------------------------------------------------------------------

func TestParseClientMessage_SignalingKeepsDataOpaque(t *testing.T) {
	data := `{"sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1","nested":{"k":[1,2,3]}}`
	input := []byte(`{"type":"signaling","session_id":"s1","signal":"webrtc-offer","data":` + data + `}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSignaling {
		t.Fatalf("expected type %q, got %q", TypeSignaling, msgType)
	}

	sm, ok := msg.(SignalingMsg)
	if !ok {
		t.Fatalf("expected SignalingMsg, got %T", msg)
	}
	if sm.Signal != "webrtc-offer" {
		t.Errorf("expected signal webrtc-offer, got %q", sm.Signal)
	}
	if string(sm.Data) != data {
		t.Errorf("signaling data was altered:\n want %s\n got  %s", data, sm.Data)
	}
}

func TestValidSignalKind(t *testing.T) {
	cases := []struct {
		kind string
		want bool
	}{
		{"webrtc-offer", true},
		{"webrtc-answer", true},
		{"webrtc-ice", true},
		{"webrtc-", false},
		{"offer", false},
		{"match-found", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidSignalKind(tc.kind); got != tc.want {
			t.Errorf("ValidSignalKind(%q) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a match-found server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	payload := MatchFoundMsg{
		SessionID:       "uuid-456",
		SharedInterests: []string{"music", "gaming"},
		Score:           0.82,
		Criteria:        []string{"chat_mode", "interests"},
		ChatMode:        "text",
	}

	data, err := NewServerMessage(TypeMatchFound, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, result["type"])
	}
	if result["session_id"] != "uuid-456" {
		t.Errorf("expected session_id %q, got %v", "uuid-456", result["session_id"])
	}

	interests, ok := result["shared_interests"].([]interface{})
	if !ok {
		t.Fatalf("expected shared_interests to be an array, got %T", result["shared_interests"])
	}
	if len(interests) != 2 || interests[0] != "music" || interests[1] != "gaming" {
		t.Errorf("unexpected shared interests: %v", interests)
	}

	score, ok := result["score"].(float64)
	if !ok {
		t.Fatalf("expected score to be a number, got %T", result["score"])
	}
	if score != 0.82 {
		t.Errorf("expected score 0.82, got %v", score)
	}
}

// ---------------------------------------------------------------------------
// Test: Relayed signal messages carry a dynamic wire type
// ---------------------------------------------------------------------------

func TestNewServerMessage_SignalRelay(t *testing.T) {
	payload := SignalMsg{
		From: "u-1",
		Data: json.RawMessage(`{"candidate":"udp 1 2"}`),
	}

	data, err := NewServerMessage("webrtc-ice", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != "webrtc-ice" {
		t.Errorf("expected type webrtc-ice, got %v", result["type"])
	}
	if result["from"] != "u-1" {
		t.Errorf("expected from u-1, got %v", result["from"])
	}
	inner, ok := result["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %T", result["data"])
	}
	if inner["candidate"] != "udp 1 2" {
		t.Errorf("unexpected relayed data: %v", inner)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"register", `{"type":"register","chat_mode":"text"}`, TypeRegister},
		{"join_queue", `{"type":"join_queue","interests":["music"]}`, TypeJoinQueue},
		{"cancel_queue", `{"type":"cancel_queue"}`, TypeCancelQueue},
		{"message", `{"type":"message","session_id":"id1","text":"hi"}`, TypeMessage},
		{"typing", `{"type":"typing","session_id":"id1","is_typing":true}`, TypeTyping},
		{"leave_chat", `{"type":"leave_chat","session_id":"id1"}`, TypeLeaveChat},
		{"skip_chat", `{"type":"skip_chat","session_id":"id1"}`, TypeSkipChat},
		{"signaling", `{"type":"signaling","session_id":"id1","signal":"webrtc-answer","data":{}}`, TypeSignaling},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
