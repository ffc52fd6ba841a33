package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/protocol"
)

// fakeSender records every frame per connection and can simulate dead
// connections.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		frames: make(map[string][][]byte),
		fail:   make(map[string]bool),
	}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[connID] {
		return errors.New("connection reset")
	}
	f.frames[connID] = append(f.frames[connID], append([]byte(nil), data...))
	return nil
}

// typed decodes and returns the frames of one type sent to connID.
func (f *fakeSender) typed(connID, msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, frame := range f.frames[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) total(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames[connID])
}

type fakeLiveness struct {
	mu     sync.Mutex
	online map[string]bool
}

func newFakeLiveness(conns ...string) *fakeLiveness {
	l := &fakeLiveness{online: make(map[string]bool)}
	for _, c := range conns {
		l.online[c] = true
	}
	return l
}

func (l *fakeLiveness) IsOnline(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online[connID]
}

type allowMod struct{}

func (allowMod) Review(_ context.Context, _, text string) (moderation.Verdict, error) {
	return moderation.Verdict{Allowed: true, FilteredText: text}, nil
}

type denyMod struct{}

func (denyMod) Review(_ context.Context, _, _ string) (moderation.Verdict, error) {
	return moderation.Verdict{Allowed: false, Reason: moderation.ReasonKeyword, Term: "x"}, nil
}

type downMod struct{}

func (downMod) Review(_ context.Context, _, _ string) (moderation.Verdict, error) {
	return moderation.Verdict{}, errors.New("moderator unavailable")
}

func member(connID, userID string, interests ...string) Member {
	return Member{
		ConnID: connID,
		Profile: profile.Profile{
			UserID:    userID,
			ChatMode:  profile.ModeText,
			Interests: interests,
		},
	}
}

func pairedRelay(t *testing.T, mod moderation.Moderator) (*Relay, *fakeSender, Session) {
	t.Helper()
	sender := newFakeSender()
	r := New(sender, newFakeLiveness("c1", "c2", "c3"), mod)
	s, err := r.Create(member("c1", "u1", "music", "art"), member("c2", "u2", "music", "travel"), 0.8, []string{"chat_mode", "interests"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r, sender, s
}

func TestCreate(t *testing.T) {
	r, _, s := pairedRelay(t, allowMod{})

	if s.ID == "" {
		t.Fatal("expected a session id")
	}
	if s.A.Profile.UserID != "u1" || s.B.Profile.UserID != "u2" {
		t.Errorf("unexpected members: %+v", s)
	}
	if len(s.SharedInterests) != 1 || s.SharedInterests[0] != "music" {
		t.Errorf("expected shared interests [music], got %v", s.SharedInterests)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("expected 1 active session, got %d", r.ActiveCount())
	}
	for _, conn := range []string{"c1", "c2"} {
		got, ok := r.SessionFor(conn)
		if !ok || got.ID != s.ID {
			t.Errorf("SessionFor(%s) = %v, %v", conn, got, ok)
		}
	}
}

func TestCreateRejectsOfflineMember(t *testing.T) {
	sender := newFakeSender()
	r := New(sender, newFakeLiveness("c1"), allowMod{})

	_, err := r.Create(member("c1", "u1"), member("dead", "u2"), 0.7, nil)
	if !errors.Is(err, ErrMemberOffline) {
		t.Fatalf("expected ErrMemberOffline, got %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Error("no session should exist after a rejected create")
	}
}

func TestCreateRejectsBusyMember(t *testing.T) {
	r, _, _ := pairedRelay(t, allowMod{})

	_, err := r.Create(member("c1", "u1"), member("c3", "u3"), 0.7, nil)
	if !errors.Is(err, ErrAlreadyInSession) {
		t.Fatalf("expected ErrAlreadyInSession, got %v", err)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("expected 1 active session, got %d", r.ActiveCount())
	}
}

func TestMessageRelaysToPeerOnly(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	if err := r.Message(context.Background(), s.ID, "c1", "hey there"); err != nil {
		t.Fatalf("Message: %v", err)
	}

	got := sender.typed("c2", protocol.TypeReceiveMessage)
	if len(got) != 1 {
		t.Fatalf("expected 1 message at peer, got %d", len(got))
	}
	if got[0]["text"] != "hey there" || got[0]["from"] != "u1" {
		t.Errorf("unexpected relayed message: %v", got[0])
	}
	if sender.total("c1") != 0 {
		t.Errorf("sender should receive nothing, got %d frames", sender.total("c1"))
	}
}

func TestMessageBlockedByModeration(t *testing.T) {
	r, sender, s := pairedRelay(t, denyMod{})

	if err := r.Message(context.Background(), s.ID, "c1", "anything"); err != nil {
		t.Fatalf("Message: %v", err)
	}

	if n := sender.total("c2"); n != 0 {
		t.Errorf("peer should receive nothing, got %d frames", n)
	}
	blocked := sender.typed("c1", protocol.TypeMessageBlocked)
	if len(blocked) != 1 {
		t.Fatalf("expected message-blocked at sender, got %d", len(blocked))
	}
	if blocked[0]["reason"] != moderation.ReasonKeyword {
		t.Errorf("unexpected reason: %v", blocked[0]["reason"])
	}
	if r.ActiveCount() != 1 {
		t.Error("blocked message must not end the session")
	}
}

func TestMessageFailsOpenWhenModeratorDown(t *testing.T) {
	r, sender, s := pairedRelay(t, downMod{})

	if err := r.Message(context.Background(), s.ID, "c1", "still flows"); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got := sender.typed("c2", protocol.TypeReceiveMessage); len(got) != 1 {
		t.Fatalf("expected delivery despite moderator outage, got %d frames", len(got))
	}
}

func TestMessageValidation(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	if err := r.Message(context.Background(), s.ID, "c1", ""); err == nil {
		t.Fatal("expected error for empty text")
	}
	if err := r.Message(context.Background(), s.ID, "c1", strings.Repeat("x", MaxMessageBytes+1)); err == nil {
		t.Fatal("expected error for oversized text")
	}
	if sender.total("c2") != 0 {
		t.Error("invalid messages must not be delivered")
	}
}

func TestMessageMembershipChecks(t *testing.T) {
	r, _, s := pairedRelay(t, allowMod{})

	err := r.Message(context.Background(), "no-such-session", "c1", "hi")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	err = r.Message(context.Background(), s.ID, "c3", "hi")
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestTypingForwarded(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	if err := r.Typing(s.ID, "c2", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	got := sender.typed("c1", protocol.TypeUserTyping)
	if len(got) != 1 || got[0]["is_typing"] != true {
		t.Fatalf("unexpected typing frames: %v", got)
	}
}

func TestSignalRelayedOpaque(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	raw := json.RawMessage(`{"sdp":"v=0","k":[1,2]}`)
	if err := r.Signal(s.ID, "c1", "webrtc-offer", raw); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	got := sender.typed("c2", "webrtc-offer")
	if len(got) != 1 {
		t.Fatalf("expected 1 signal frame, got %d", len(got))
	}
	if got[0]["from"] != "u1" {
		t.Errorf("unexpected from: %v", got[0]["from"])
	}
	data, err := json.Marshal(got[0]["data"])
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	var want, have interface{}
	if err := json.Unmarshal(raw, &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &have); err != nil {
		t.Fatal(err)
	}
	wantJSON, _ := json.Marshal(want)
	haveJSON, _ := json.Marshal(have)
	if string(wantJSON) != string(haveJSON) {
		t.Errorf("signal payload altered: want %s, got %s", wantJSON, haveJSON)
	}
}

func TestSignalRejectsUnknownKind(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	err := r.Signal(s.ID, "c1", "match-found", json.RawMessage(`{}`))
	if !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
	if sender.total("c2") != 0 {
		t.Error("rejected signals must not reach the peer")
	}
}

func TestLeaveNotifiesPeerOnce(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	var endedReasons []string
	r.SetEndHook(func(_ Session, reason string) {
		endedReasons = append(endedReasons, reason)
	})

	if err := r.Leave(s.ID, "c1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	peerNote := sender.typed("c2", protocol.TypeStrangerDisconnected)
	if len(peerNote) != 1 || peerNote[0]["reason"] != ReasonPeerLeft {
		t.Fatalf("unexpected peer notification: %v", peerNote)
	}
	if n := len(sender.typed("c1", protocol.TypeStrangerDisconnected)); n != 0 {
		t.Errorf("initiator should not be notified, got %d", n)
	}
	if r.ActiveCount() != 0 {
		t.Error("session should be gone")
	}
	if len(endedReasons) != 1 || endedReasons[0] != ReasonPeerLeft {
		t.Errorf("end hook calls: %v", endedReasons)
	}

	// Second teardown attempt is a benign no-op.
	if err := r.Leave(s.ID, "c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on repeat leave, got %v", err)
	}
	if len(sender.typed("c2", protocol.TypeStrangerDisconnected)) != 1 {
		t.Error("peer must be notified exactly once")
	}
}

func TestSkipReenqueuesInitiatorOnly(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})

	var skipped []Member
	r.SetSkipHook(func(m Member) { skipped = append(skipped, m) })

	if err := r.Skip(s.ID, "c1"); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	peerNote := sender.typed("c2", protocol.TypeStrangerDisconnected)
	if len(peerNote) != 1 || peerNote[0]["reason"] != ReasonPeerSkipped {
		t.Fatalf("unexpected peer notification: %v", peerNote)
	}
	if len(skipped) != 1 || skipped[0].Profile.UserID != "u1" {
		t.Fatalf("skip hook should fire for the initiator, got %v", skipped)
	}
	if r.ActiveCount() != 0 {
		t.Error("session should be gone after skip")
	}
}

func TestEndForConnDisconnectPath(t *testing.T) {
	r, sender, _ := pairedRelay(t, allowMod{})

	if !r.EndForConn("c2", ReasonPeerLeft) {
		t.Fatal("expected teardown")
	}
	got := sender.typed("c1", protocol.TypeStrangerDisconnected)
	if len(got) != 1 || got[0]["reason"] != ReasonPeerLeft {
		t.Fatalf("unexpected survivor notification: %v", got)
	}
	if r.EndForConn("c2", ReasonPeerLeft) {
		t.Error("second EndForConn should be a no-op")
	}
	if _, ok := r.SessionFor("c1"); ok {
		t.Error("mappings should be released for both members")
	}
}

func TestSendFailureEndsSession(t *testing.T) {
	r, sender, s := pairedRelay(t, allowMod{})
	sender.fail["c2"] = true

	if err := r.Message(context.Background(), s.ID, "c1", "you there?"); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Fatal("undeliverable peer should end the session")
	}
	got := sender.typed("c1", protocol.TypeStrangerDisconnected)
	if len(got) != 1 || got[0]["reason"] != ReasonPeerLeft {
		t.Fatalf("survivor should learn the peer left: %v", got)
	}
}

func TestEvidenceBuffer(t *testing.T) {
	r, _, s := pairedRelay(t, allowMod{})

	for _, text := range []string{"one", "two", "three"} {
		if err := r.Message(context.Background(), s.ID, "c1", text); err != nil {
			t.Fatalf("Message: %v", err)
		}
	}

	ev := r.Evidence(s.ID)
	if len(ev) != 3 {
		t.Fatalf("expected 3 buffered messages, got %d", len(ev))
	}
	if ev[0].Text != "one" || ev[2].Text != "three" {
		t.Errorf("unexpected evidence order: %v", ev)
	}

	r.Leave(s.ID, "c1")
	if len(r.Evidence(s.ID)) != 0 {
		t.Error("evidence should be dropped when the session ends")
	}
}

func TestConcurrentTeardownNotifiesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		r, sender, s := pairedRelay(t, allowMod{})

		hookCalls := 0
		var hookMu sync.Mutex
		r.SetEndHook(func(_ Session, _ string) {
			hookMu.Lock()
			hookCalls++
			hookMu.Unlock()
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Leave(s.ID, "c1")
		}()
		go func() {
			defer wg.Done()
			r.EndForConn("c2", ReasonPeerLeft)
		}()
		wg.Wait()

		total := len(sender.typed("c1", protocol.TypeStrangerDisconnected)) +
			len(sender.typed("c2", protocol.TypeStrangerDisconnected))
		if total != 1 {
			t.Fatalf("iteration %d: expected exactly one notification, got %d", i, total)
		}
		if hookCalls != 1 {
			t.Fatalf("iteration %d: expected exactly one end hook call, got %d", i, hookCalls)
		}
	}
}
