package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

// fakeConn is an in-memory net.Conn that records everything written to it.
type fakeConn struct {
	mu     sync.Mutex
	wrote  bytes.Buffer
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrote.Write(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

// writtenFrames decodes every WebSocket frame the fake socket received.
func writtenFrames(t *testing.T, f *fakeConn) []ws.Frame {
	t.Helper()

	f.mu.Lock()
	raw := append([]byte(nil), f.wrote.Bytes()...)
	f.mu.Unlock()

	var frames []ws.Frame
	rd := bytes.NewReader(raw)
	for rd.Len() > 0 {
		frame, err := ws.ReadFrame(rd)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestManagerAddRemove(t *testing.T) {
	cm := NewConnectionManager()

	f1, f2 := &fakeConn{}, &fakeConn{}
	c1 := NewConnection("c1", f1, -1)
	c2 := NewConnection("c2", f2, -1)
	cm.Add(c1)
	cm.Add(c2)

	if got := cm.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	if cm.Get("c1") != c1 {
		t.Error("Get(c1) returned wrong connection")
	}
	if cm.GetByNetConn(f2) != c2 {
		t.Error("GetByNetConn(f2) returned wrong connection")
	}

	if !cm.Remove("c1") {
		t.Fatal("first Remove(c1) = false, want true")
	}
	if cm.Remove("c1") {
		t.Error("second Remove(c1) = true, want false")
	}
	if !f1.isClosed() {
		t.Error("Remove did not close the socket")
	}
	if cm.Get("c1") != nil || cm.GetByNetConn(f1) != nil {
		t.Error("removed connection still resolvable")
	}
	if got := cm.Count(); got != 1 {
		t.Errorf("Count() after remove = %d, want 1", got)
	}
}

func TestManagerBroadcast(t *testing.T) {
	cm := NewConnectionManager()

	socks := []*fakeConn{{}, {}, {}}
	for i, f := range socks {
		cm.Add(NewConnection(string(rune('a'+i)), f, -1))
	}

	msg := []byte(`{"type":"presence:update"}`)
	cm.Broadcast(msg)

	for i, f := range socks {
		frames := writtenFrames(t, f)
		if len(frames) != 1 {
			t.Fatalf("conn %d got %d frames, want 1", i, len(frames))
		}
		if !bytes.Equal(frames[0].Payload, msg) {
			t.Errorf("conn %d payload = %q, want %q", i, frames[0].Payload, msg)
		}
	}
}

func TestConnectionActivityStamp(t *testing.T) {
	c := NewConnection("c1", &fakeConn{}, -1)

	before := c.LastActive()
	if before.IsZero() {
		t.Fatal("fresh connection has zero activity stamp")
	}

	time.Sleep(5 * time.Millisecond)
	c.touch()
	if !c.LastActive().After(before) {
		t.Error("touch did not advance the activity stamp")
	}
}
