package relay

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferAddAndGet(t *testing.T) {
	mb := NewMessageBuffer()

	mb.Add("s1", BufferedMessage{From: "a", Text: "hello", Ts: 1})
	mb.Add("s1", BufferedMessage{From: "b", Text: "hi", Ts: 2})
	mb.Add("s1", BufferedMessage{From: "a", Text: "how are you?", Ts: 3})

	msgs := mb.Get("s1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" || msgs[2].Text != "how are you?" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestBufferWraparound(t *testing.T) {
	mb := NewMessageBuffer()

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		mb.Add("s1", BufferedMessage{
			From: "sender",
			Text: fmt.Sprintf("msg-%d", i),
			Ts:   int64(i),
		})
	}

	msgs := mb.Get("s1")
	if len(msgs) != MaxBufferMessages {
		t.Fatalf("expected %d messages, got %d", MaxBufferMessages, len(msgs))
	}

	// Should contain messages 3 through 7 in order.
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Text)
		}
	}
}

func TestBufferUnknownSession(t *testing.T) {
	mb := NewMessageBuffer()

	msgs := mb.Get("does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}

	// Removing an unknown session must not panic.
	mb.Remove("does-not-exist")
}

func TestBufferRemove(t *testing.T) {
	mb := NewMessageBuffer()

	mb.Add("s1", BufferedMessage{From: "a", Text: "hello", Ts: 1})
	mb.Remove("s1")

	if msgs := mb.Get("s1"); len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}
}

func TestBufferIsolatesSessions(t *testing.T) {
	mb := NewMessageBuffer()

	mb.Add("s1", BufferedMessage{From: "a", Text: "s1-msg1", Ts: 1})
	mb.Add("s2", BufferedMessage{From: "b", Text: "s2-msg1", Ts: 2})
	mb.Add("s1", BufferedMessage{From: "b", Text: "s1-msg2", Ts: 3})

	if msgs := mb.Get("s1"); len(msgs) != 2 {
		t.Fatalf("s1: expected 2 messages, got %d", len(msgs))
	}
	if msgs := mb.Get("s2"); len(msgs) != 1 || msgs[0].Text != "s2-msg1" {
		t.Fatalf("s2: unexpected messages: %+v", msgs)
	}
}

func TestBufferConcurrentAccess(t *testing.T) {
	mb := NewMessageBuffer()
	sessionID := "concurrent"
	goroutines := 100
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				mb.Add(sessionID, BufferedMessage{
					From: fmt.Sprintf("sender-%d", id),
					Text: fmt.Sprintf("g%d-m%d", id, m),
					Ts:   int64(id*perGoroutine + m),
				})
				// Interleave reads to stress the RWMutex.
				_ = mb.Get(sessionID)
			}
		}(g)
	}

	wg.Wait()

	if msgs := mb.Get(sessionID); len(msgs) != MaxBufferMessages {
		t.Fatalf("expected %d messages after concurrent writes, got %d", MaxBufferMessages, len(msgs))
	}
}
