package ws

import (
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard allows anything", []string{"*"}, "https://evil.example", true},
		{"no header always allowed", []string{"https://drift.chat"}, "", true},
		{"exact match", []string{"https://drift.chat"}, "https://drift.chat", true},
		{"case insensitive", []string{"https://drift.chat"}, "HTTPS://DRIFT.CHAT", true},
		{"second entry matches", []string{"https://a.example", "https://b.example"}, "https://b.example", true},
		{"mismatch denied", []string{"https://drift.chat"}, "https://evil.example", false},
		{"empty list denies browsers", nil, "https://drift.chat", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: ServerConfig{AllowedOrigins: tt.allowed}}
			if got := s.originAllowed(tt.origin); got != tt.want {
				t.Errorf("originAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s := &Server{
		conns:     NewConnectionManager(),
		startedAt: time.Now().Add(-3 * time.Second),
	}
	s.conns.Add(NewConnection("c1", &fakeConn{}, -1))

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Connections != 1 {
		t.Errorf("connections = %d, want 1", resp.Connections)
	}
	if resp.Uptime == "" {
		t.Error("uptime is empty")
	}
}

func TestHeartbeatEvictsSilentConnections(t *testing.T) {
	s := &Server{
		config: DefaultServerConfig(),
		conns:  NewConnectionManager(),
		done:   make(chan struct{}),
	}
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer s.poller.Close()

	var dropped []string
	s.SetOnDisconnect(func(connID string) {
		dropped = append(dropped, connID)
	})

	fresh := NewConnection("fresh", &fakeConn{}, -1)
	silent := NewConnection("silent", &fakeConn{}, -1)
	atomic.StoreInt64(&silent.lastActive, time.Now().Add(-10*time.Minute).UnixNano())
	s.conns.Add(fresh)
	s.conns.Add(silent)

	checkConnections(s, HeartbeatConfig{Interval: 30 * time.Second, Timeout: 60 * time.Second})

	if s.conns.Get("silent") != nil {
		t.Error("silent connection survived the heartbeat")
	}
	if s.conns.Get("fresh") == nil {
		t.Fatal("fresh connection was evicted")
	}
	if len(dropped) != 1 || dropped[0] != "silent" {
		t.Errorf("disconnect callbacks = %v, want [silent]", dropped)
	}

	// The surviving connection should have received a protocol-level ping.
	frames := writtenFrames(t, fresh.Conn.(*fakeConn))
	if len(frames) != 1 || frames[0].Header.OpCode != ws.OpPing {
		t.Errorf("fresh connection frames = %v, want one ping", frames)
	}
}
