package ws

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftchat/drift/internal/protocol"
)

// decodeEvent unmarshals the last frame on the fake socket into dst and
// returns its wire type.
func decodeEvent(t *testing.T, f *fakeConn, dst interface{}) string {
	t.Helper()

	frames := writtenFrames(t, f)
	if len(frames) == 0 {
		t.Fatal("no frames written")
	}
	payload := frames[len(frames)-1].Payload

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if dst != nil {
		if err := json.Unmarshal(payload, dst); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
	}
	return env.Type
}

func TestDispatchRoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()

	var got interface{}
	d.Register(protocol.TypeJoinQueue, func(conn *Connection, msg interface{}) {
		got = msg
	})

	conn := NewConnection("c1", &fakeConn{}, -1)
	d.Dispatch(conn, []byte(`{"type":"join_queue","interests":["music","art"]}`))

	m, ok := got.(protocol.JoinQueueMsg)
	if !ok {
		t.Fatalf("handler received %T, want protocol.JoinQueueMsg", got)
	}
	if len(m.Interests) != 2 || m.Interests[0] != "music" || m.Interests[1] != "art" {
		t.Errorf("interests = %v, want [music art]", m.Interests)
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	d := NewMessageDispatcher()
	f := &fakeConn{}
	conn := NewConnection("c1", f, -1)

	d.Dispatch(conn, []byte(`{"type":`))

	var errMsg protocol.ErrorMsg
	if typ := decodeEvent(t, f, &errMsg); typ != protocol.TypeError {
		t.Fatalf("response type = %q, want %q", typ, protocol.TypeError)
	}
	if errMsg.Code != "parse_error" {
		t.Errorf("error code = %q, want parse_error", errMsg.Code)
	}
}

func TestDispatchBadFieldType(t *testing.T) {
	d := NewMessageDispatcher()
	f := &fakeConn{}
	conn := NewConnection("c1", f, -1)

	// Known type, payload that cannot decode into its struct.
	d.Dispatch(conn, []byte(`{"type":"message","session_id":123}`))

	var errMsg protocol.ErrorMsg
	decodeEvent(t, f, &errMsg)
	if errMsg.Code != "parse_error" {
		t.Errorf("error code = %q, want parse_error", errMsg.Code)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewMessageDispatcher()
	f := &fakeConn{}
	conn := NewConnection("c1", f, -1)

	d.Dispatch(conn, []byte(`{"type":"teleport"}`))

	var errMsg protocol.ErrorMsg
	decodeEvent(t, f, &errMsg)
	if errMsg.Code != "unsupported_type" {
		t.Errorf("error code = %q, want unsupported_type", errMsg.Code)
	}
}

func TestDispatchUnregisteredType(t *testing.T) {
	d := NewMessageDispatcher()
	f := &fakeConn{}
	conn := NewConnection("c1", f, -1)

	// Valid protocol type with no handler installed.
	d.Dispatch(conn, []byte(`{"type":"typing","session_id":"s1","is_typing":true}`))

	var errMsg protocol.ErrorMsg
	decodeEvent(t, f, &errMsg)
	if errMsg.Code != "unsupported_type" {
		t.Errorf("error code = %q, want unsupported_type", errMsg.Code)
	}
}

func TestDispatchPingAnswersPong(t *testing.T) {
	d := NewMessageDispatcher()
	f := &fakeConn{}
	conn := NewConnection("c1", f, -1)

	// Backdate the activity stamp so the ping visibly refreshes it.
	past := time.Now().Add(-time.Minute)
	atomic.StoreInt64(&conn.lastActive, past.UnixNano())

	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	if typ := decodeEvent(t, f, nil); typ != protocol.TypePong {
		t.Errorf("response type = %q, want %q", typ, protocol.TypePong)
	}
	if !conn.LastActive().After(past) {
		t.Error("ping did not refresh the activity stamp")
	}
}
