// Package relay owns paired sessions and forwards traffic between the two
// members of each pair. The session table lives in process memory and is
// mutated only under the relay's mutex; everything that can block (sends,
// moderation, hooks) runs outside the critical sections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/protocol"
)

// End reasons surfaced to the surviving member.
const (
	ReasonPeerLeft    = "peer_left"
	ReasonPeerSkipped = "peer_skipped"
)

var (
	ErrSessionNotFound  = errors.New("relay: session not found")
	ErrNotParticipant   = errors.New("relay: connection is not a session member")
	ErrMemberOffline    = errors.New("relay: member is not online")
	ErrAlreadyInSession = errors.New("relay: member already in a session")
	ErrInvalidSignal    = errors.New("relay: invalid signal kind")
)

// Member is one side of a session: the connection id and the profile
// snapshot taken at pairing time.
type Member struct {
	ConnID  string
	Profile profile.Profile
}

// Session is an immutable snapshot of one paired conversation.
type Session struct {
	ID              string
	A               Member
	B               Member
	ChatMode        profile.ChatMode
	Score           float64
	Criteria        []string
	SharedInterests []string
	CreatedAt       time.Time
}

// Peer returns the member opposite connID.
func (s Session) Peer(connID string) (Member, bool) {
	switch connID {
	case s.A.ConnID:
		return s.B, true
	case s.B.ConnID:
		return s.A, true
	}
	return Member{}, false
}

// Has reports whether connID is one of the session's members.
func (s Session) Has(connID string) bool {
	return connID == s.A.ConnID || connID == s.B.ConnID
}

// Sender delivers an encoded frame to a connection.
type Sender interface {
	Send(connID string, data []byte) error
}

// Liveness reports whether a connection currently owns a presence record.
type Liveness interface {
	IsOnline(connID string) bool
}

// session is the internal mutable record behind a Session snapshot.
type session struct {
	Session
	ending bool
}

// Relay is the session table and traffic forwarder.
type Relay struct {
	sender Sender
	live   Liveness
	mod    moderation.Moderator
	buffer *MessageBuffer

	mu     sync.Mutex
	byID   map[string]*session
	byConn map[string]*session

	hookMu sync.RWMutex
	onEnd  func(Session, string)
	onSkip func(Member)
}

// New creates an empty Relay.
func New(sender Sender, live Liveness, mod moderation.Moderator) *Relay {
	return &Relay{
		sender: sender,
		live:   live,
		mod:    mod,
		buffer: NewMessageBuffer(),
		byID:   make(map[string]*session),
		byConn: make(map[string]*session),
	}
}

// SetEndHook installs the teardown callback, invoked once per session after
// mappings are released. The audit trail hangs off this.
func (r *Relay) SetEndHook(fn func(s Session, reason string)) {
	r.hookMu.Lock()
	r.onEnd = fn
	r.hookMu.Unlock()
}

// SetSkipHook installs the callback invoked with the initiating member after
// a skip teardown, so the orchestration layer can re-enqueue them.
func (r *Relay) SetSkipHook(fn func(m Member)) {
	r.hookMu.Lock()
	r.onSkip = fn
	r.hookMu.Unlock()
}

// Create pairs two members into a new session. Both must be online and
// unpaired; violating either is a precondition error and no state changes.
func (r *Relay) Create(a, b Member, score float64, criteria []string) (Session, error) {
	if !r.live.IsOnline(a.ConnID) {
		return Session{}, fmt.Errorf("%w: %s", ErrMemberOffline, a.Profile.UserID)
	}
	if !r.live.IsOnline(b.ConnID) {
		return Session{}, fmt.Errorf("%w: %s", ErrMemberOffline, b.Profile.UserID)
	}

	r.mu.Lock()
	if _, busy := r.byConn[a.ConnID]; busy {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyInSession, a.Profile.UserID)
	}
	if _, busy := r.byConn[b.ConnID]; busy {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyInSession, b.Profile.UserID)
	}
	s := &session{Session: Session{
		ID:              uuid.New().String(),
		A:               a,
		B:               b,
		ChatMode:        a.Profile.ChatMode,
		Score:           score,
		Criteria:        criteria,
		SharedInterests: profile.SharedTags(a.Profile.Interests, b.Profile.Interests),
		CreatedAt:       time.Now(),
	}}
	r.byID[s.ID] = s
	r.byConn[a.ConnID] = s
	r.byConn[b.ConnID] = s
	active := len(r.byID)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))
	metrics.MatchScore.Observe(score)
	log.Printf("[relay] session %s created: %s <-> %s (score=%.2f)",
		s.ID, a.Profile.UserID, b.Profile.UserID, score)
	return s.Session, nil
}

// Message moderates and forwards a chat message to the peer. A blocked
// verdict suppresses delivery and tells the sender; a failed delivery ends
// the session with peer_left toward the sender.
func (r *Relay) Message(ctx context.Context, sessionID, fromConn, text string) error {
	if err := ValidateMessage(text); err != nil {
		return err
	}
	_, peer, self, err := r.lookup(sessionID, fromConn)
	if err != nil {
		return err
	}

	verdict, modErr := r.mod.Review(ctx, self.Profile.UserID, text)
	if modErr != nil {
		// Moderation trouble never blocks conversation.
		log.Printf("[relay] moderation unavailable, failing open: %v", modErr)
		verdict = moderation.Verdict{Allowed: true, FilteredText: text}
	}
	if !verdict.Allowed {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		if data, err := protocol.NewServerMessage(protocol.TypeMessageBlocked,
			protocol.MessageBlockedMsg{Reason: verdict.Reason}); err == nil {
			_ = r.sender.Send(fromConn, data)
		}
		return nil
	}

	now := time.Now()
	r.buffer.Add(sessionID, BufferedMessage{From: self.Profile.UserID, Text: text, Ts: now.Unix()})

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMsg{
		From: self.Profile.UserID,
		Text: text,
		Ts:   now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("relay: encode message: %w", err)
	}
	if err := r.sender.Send(peer.ConnID, data); err != nil {
		r.endSession(sessionID, peer.ConnID, ReasonPeerLeft)
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	return nil
}

// Typing forwards a typing indicator to the peer.
func (r *Relay) Typing(sessionID, fromConn string, isTyping bool) error {
	_, peer, _, err := r.lookup(sessionID, fromConn)
	if err != nil {
		return err
	}
	data, err := protocol.NewServerMessage(protocol.TypeUserTyping,
		protocol.UserTypingMsg{IsTyping: isTyping})
	if err != nil {
		return fmt.Errorf("relay: encode typing: %w", err)
	}
	if err := r.sender.Send(peer.ConnID, data); err != nil {
		r.endSession(sessionID, peer.ConnID, ReasonPeerLeft)
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("typing").Inc()
	return nil
}

// Signal forwards an opaque signaling payload to the peer. The payload is
// never inspected; only the kind is checked so a client cannot forge
// arbitrary server events.
func (r *Relay) Signal(sessionID, fromConn, kind string, data json.RawMessage) error {
	if !protocol.ValidSignalKind(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidSignal, kind)
	}
	_, peer, self, err := r.lookup(sessionID, fromConn)
	if err != nil {
		return err
	}
	frame, err := protocol.NewServerMessage(kind, protocol.SignalMsg{
		From: self.Profile.UserID,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("relay: encode signal: %w", err)
	}
	if err := r.sender.Send(peer.ConnID, frame); err != nil {
		r.endSession(sessionID, peer.ConnID, ReasonPeerLeft)
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("signaling").Inc()
	return nil
}

// Leave ends the session at the initiator's request. The peer is notified
// with peer_left; the initiator is not re-enqueued.
func (r *Relay) Leave(sessionID, connID string) error {
	s, _, _, err := r.lookup(sessionID, connID)
	if err != nil {
		return err
	}
	r.endSession(s.ID, connID, ReasonPeerLeft)
	return nil
}

// Skip ends the session and hands the initiating member to the skip hook for
// re-enqueueing. Only the initiator re-enters the queue; the peer is just
// notified.
func (r *Relay) Skip(sessionID, connID string) error {
	s, _, self, err := r.lookup(sessionID, connID)
	if err != nil {
		return err
	}
	if !r.endSession(s.ID, connID, ReasonPeerSkipped) {
		return nil
	}
	r.hookMu.RLock()
	hook := r.onSkip
	r.hookMu.RUnlock()
	if hook != nil {
		hook(self)
	}
	return nil
}

// EndForConn tears down whatever session connID is part of, notifying the
// other member. This is the disconnect path. Returns false when the
// connection had no session.
func (r *Relay) EndForConn(connID, reason string) bool {
	r.mu.Lock()
	s, ok := r.byConn[connID]
	var id string
	if ok {
		id = s.ID
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.endSession(id, connID, reason)
}

// SessionFor returns the session snapshot owning connID.
func (r *Relay) SessionFor(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Get returns the live session snapshot for sessionID. Ended sessions read
// as not found.
func (r *Relay) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok || s.ending {
		return Session{}, false
	}
	return s.Session, true
}

// ActiveCount returns the number of live sessions.
func (r *Relay) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Evidence returns the recent messages buffered for a session, oldest first.
// Empty once the session has ended.
func (r *Relay) Evidence(sessionID string) []BufferedMessage {
	return r.buffer.Get(sessionID)
}

// lookup resolves a session and splits it into the caller's member and the
// peer. A session mid-teardown reads as not found.
func (r *Relay) lookup(sessionID, connID string) (Session, Member, Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok || s.ending {
		return Session{}, Member{}, Member{}, ErrSessionNotFound
	}
	peer, ok := s.Peer(connID)
	if !ok {
		return Session{}, Member{}, Member{}, ErrNotParticipant
	}
	self := s.A
	if connID != s.A.ConnID {
		self = s.B
	}
	return s.Session, peer, self, nil
}

// endSession is the single teardown path. The first caller marks the session
// ending and releases both mappings inside one critical section; every later
// caller is a no-op. Notification, metrics and the end hook run after the
// lock is released.
func (r *Relay) endSession(sessionID, exceptConn, reason string) bool {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok || s.ending {
		r.mu.Unlock()
		return false
	}
	s.ending = true
	delete(r.byID, sessionID)
	delete(r.byConn, s.A.ConnID)
	delete(r.byConn, s.B.ConnID)
	snap := s.Session
	active := len(r.byID)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))
	metrics.SessionsEnded.WithLabelValues(reason).Inc()

	for _, m := range []Member{snap.A, snap.B} {
		if m.ConnID == exceptConn {
			continue
		}
		data, err := protocol.NewServerMessage(protocol.TypeStrangerDisconnected,
			protocol.StrangerDisconnectedMsg{Reason: reason})
		if err != nil {
			continue
		}
		if err := r.sender.Send(m.ConnID, data); err != nil {
			log.Printf("[relay] notify %s of session end: %v", m.ConnID, err)
		}
	}

	r.buffer.Remove(sessionID)

	r.hookMu.RLock()
	hook := r.onEnd
	r.hookMu.RUnlock()
	if hook != nil {
		hook(snap, reason)
	}
	log.Printf("[relay] session %s ended (%s)", snap.ID, reason)
	return true
}
