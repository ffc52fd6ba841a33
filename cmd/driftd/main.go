// Command driftd runs the Drift pairing service: the WebSocket transport,
// presence registry, match queue and session relay in one process, with the
// optional Redis/NATS bridge and PostgreSQL audit trail attached when their
// backends are configured.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/driftchat/drift/internal/audit"
	"github.com/driftchat/drift/internal/ban"
	"github.com/driftchat/drift/internal/bridge"
	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/scoring"
	"github.com/driftchat/drift/internal/ws"
)

func main() {
	// .env is a development convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("driftd: %v", err)
	}

	log.Printf("driftd starting")
	log.Printf("  instance:  %s", cfg.Instance)
	log.Printf("  addr:      %s", cfg.Addr)
	log.Printf("  workers:   %d", cfg.WorkerCount)
	log.Printf("  max_conns: %d", cfg.MaxConns)
	log.Printf("  redis:     %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats:      %s", orDisabled(cfg.NATSURL))
	log.Printf("  audit:     %s", enabled(cfg.PostgresDSN != ""))

	// Cross-instance bridge. Unconfigured backends leave it disabled;
	// configured but unreachable backends are a startup failure.
	br, err := bridge.New(bridge.Config{
		Instance:  cfg.Instance,
		RedisAddr: cfg.RedisAddr,
		NATSURL:   cfg.NATSURL,
	})
	if err != nil {
		log.Fatalf("driftd: bridge: %v", err)
	}

	var auditStore *audit.Store
	if cfg.PostgresDSN != "" {
		openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		auditStore, err = audit.Open(openCtx, cfg.AuditConfig())
		cancel()
		if err != nil {
			log.Fatalf("driftd: audit store: %v", err)
		}
	}

	registry := presence.NewRegistry(cfg.PresenceConfig())
	scorer := scoring.NewScorer(cfg.ScoringWeights())
	filter := moderation.NewFilter()
	mod := moderation.NewService(filter)
	limiter := ratelimit.NewLimiter(br.Redis())
	bans := ban.NewStore(br.Redis())

	connRule := ratelimit.RuleConnect
	connRule.Limit = cfg.ConnRateLimit
	joinRule := ratelimit.RuleJoin
	joinRule.Limit = cfg.JoinRateLimit
	msgRule := ratelimit.RuleMessage
	msgRule.Limit = cfg.MsgRateLimit
	signalRule := ratelimit.RuleSignal
	signalRule.Limit = cfg.SignalRateLimit

	profiles := newProfileTable()
	dispatcher := ws.NewMessageDispatcher()

	server := ws.NewServer(cfg.ServerConfig(), func(conn *ws.Connection, data []byte) {
		registry.Touch(conn.ID)
		dispatcher.Dispatch(conn, data)
	})

	rly := relay.New(server, registry, mod)
	q := queue.New(cfg.QueueConfig(), scorer, rly, registry)

	// -------------------------------------------------------------------
	// Outbound helpers
	// -------------------------------------------------------------------

	send := func(connID, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("[driftd] build %s: %v", msgType, err)
			return
		}
		if err := server.Send(connID, data); err != nil {
			log.Printf("[driftd] send %s to %s: %v", msgType, connID, err)
		}
	}

	broadcast := func(msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("[driftd] build %s: %v", msgType, err)
			return
		}
		server.Connections().Broadcast(data)
	}

	sendError := func(connID, code, message string) {
		send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	}

	rateLimited := func(connID string, rule ratelimit.Rule) {
		retry := limiter.RetryAfter(context.Background(), connID, rule)
		send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retrySeconds(retry)})
	}

	// -------------------------------------------------------------------
	// Component wiring
	// -------------------------------------------------------------------

	q.SetMatchNotifier(func(s relay.Session) {
		pairs := []struct{ to, peer relay.Member }{{s.A, s.B}, {s.B, s.A}}
		for _, p := range pairs {
			send(p.to.ConnID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
				SessionID:       s.ID,
				Peer:            p.peer.Profile.Public(),
				SharedInterests: s.SharedInterests,
				Score:           s.Score,
				Criteria:        s.Criteria,
				ChatMode:        string(s.ChatMode),
			})
		}

		recCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := auditStore.RecordSession(recCtx, audit.Record{
			SessionID: s.ID,
			UserA:     s.A.Profile.UserID,
			UserB:     s.B.Profile.UserID,
			ChatMode:  string(s.ChatMode),
			Score:     s.Score,
			Criteria:  s.Criteria,
			CreatedAt: s.CreatedAt,
		}); err != nil {
			log.Printf("[driftd] audit record session %s: %v", s.ID, err)
		}
		br.MatchCreated(context.Background(), s)
	})

	q.SetDropNotifier(func(connID, reason string) {
		send(connID, protocol.TypeQueueDropped, protocol.QueueDroppedMsg{Reason: reason})
	})

	rly.SetEndHook(func(s relay.Session, reason string) {
		endCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := auditStore.RecordEnd(endCtx, s.ID, reason, time.Now()); err != nil {
			log.Printf("[driftd] audit close session %s: %v", s.ID, err)
		}
	})

	// A skip initiator goes straight back into the queue with the profile
	// they were matched under.
	rly.SetSkipHook(func(m relay.Member) {
		send(m.ConnID, protocol.TypeFindingNewMatch, protocol.FindingNewMatchMsg{})
		if pos, matched := q.Enqueue(m); !matched {
			send(m.ConnID, protocol.TypeWaiting, protocol.WaitingMsg{Position: pos})
		}
	})

	registry.Subscribe(func(ev presence.Event) {
		switch ev.Type {
		case presence.EventOnline:
			metrics.OnlineUsers.Set(float64(registry.Count()))
			broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
				Event: "online",
				User:  viewOf(ev.Record),
			})
			br.PresenceOnline(context.Background(), ev.Record)
		case presence.EventOffline:
			metrics.OnlineUsers.Set(float64(registry.Count()))
			broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
				Event: "offline",
				User:  viewOf(ev.Record),
			})
			br.PresenceOffline(context.Background(), ev.Record.UserID)
		case presence.EventActivity:
			broadcast(protocol.TypePresenceActivity, protocol.PresenceActivityMsg{
				UserID:       ev.Record.UserID,
				LastActivity: ev.Record.LastActivity.UnixMilli(),
			})
			br.PresenceActivity(context.Background(), ev.Record.UserID)
		case presence.EventSnapshot:
			send(ev.To, protocol.TypePresenceBulk, protocol.PresenceBulkMsg{
				Users: viewsOf(ev.Records),
			})
		}
	})

	// Eviction covers idle timeouts and registrations that replace an
	// older connection; plain disconnects arrive through OnDisconnect and
	// have already lost their socket.
	registry.SetEvictHook(func(connID, userID, reason string) {
		profiles.Delete(connID)
		q.Dequeue(connID)
		rly.EndForConn(connID, relay.ReasonPeerLeft)
		if reason != presence.ReasonDisconnect {
			if c := server.Connections().Get(connID); c != nil {
				log.Printf("[driftd] evicting conn=%s user=%s reason=%s", connID, userID, reason)
				server.RemoveConnection(c)
			}
		}
	})

	server.SetOnDisconnect(func(connID string) {
		registry.SetOfflineByConn(connID)
		// Connections that never registered have no presence record, so
		// the evict hook does not fire for them. Repeating the cleanup
		// here is idempotent.
		profiles.Delete(connID)
		q.Dequeue(connID)
		rly.EndForConn(connID, relay.ReasonPeerLeft)
	})

	if br.Enabled() {
		if err := br.OnRemotePresence(func(ev bridge.PresenceEvent) {
			broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
				Event: ev.Kind,
				User: presenceView{
					UserID:       ev.UserID,
					Name:         ev.Name,
					Tags:         ev.Tags,
					Country:      ev.Country,
					LastActivity: ev.At,
				},
			})
		}); err != nil {
			log.Printf("[driftd] bridge presence subscribe: %v", err)
		}
		if err := br.OnRemoteMatch(func(ev bridge.MatchEvent) {
			log.Printf("[driftd] remote match %s on %s (%s, %s)", ev.SessionID, ev.Origin, ev.UserA, ev.UserB)
		}); err != nil {
			log.Printf("[driftd] bridge match subscribe: %v", err)
		}
	}

	// -------------------------------------------------------------------
	// register — bind an anonymous profile to this connection
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		regMsg, ok := msg.(protocol.RegisterMsg)
		if !ok {
			return
		}

		userID := regMsg.UserID
		if userID == "" {
			userID = uuid.New().String()
		}

		p := profile.Profile{
			UserID:      userID,
			Interests:   regMsg.Interests,
			ChatMode:    profile.ChatMode(regMsg.ChatMode),
			Gender:      regMsg.Gender,
			GenderPref:  regMsg.GenderPref,
			Country:     regMsg.Country,
			CountryPref: regMsg.CountryPref,
			Language:    regMsg.Language,
			Timezone:    regMsg.Timezone,
			Verified:    regMsg.Verified,
		}
		p.Normalize()
		if err := p.Validate(); err != nil {
			sendError(conn.ID, "invalid_profile", err.Error())
			return
		}
		// Interests double as public lobby tags; screen them like messages.
		p.Interests = filter.CheckInterests(p.Interests)

		profiles.Put(conn.ID, p)
		send(conn.ID, protocol.TypeRegistered, protocol.RegisteredMsg{UserID: userID})
		registry.SetOnline(userID, conn.ID, presence.Meta{
			Name:    regMsg.Name,
			Avatar:  regMsg.Avatar,
			Tags:    p.Interests,
			Country: p.Country,
		})
		log.Printf("[driftd] registered user=%s conn=%s mode=%s", userID, conn.ID, p.ChatMode)
	})

	// -------------------------------------------------------------------
	// join_queue — enter the matching queue, optionally overriding
	// interests and chat mode for this entry onward
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}

		p, ok := profiles.Get(conn.ID)
		if !ok {
			sendError(conn.ID, "not_registered", "register before joining the queue")
			return
		}
		if _, busy := rly.SessionFor(conn.ID); busy {
			sendError(conn.ID, "already_in_session", "leave the current chat before joining the queue")
			return
		}

		allowed, err := limiter.Allow(context.Background(), conn.ID, joinRule)
		if err != nil {
			log.Printf("[driftd] rate limit check: %v", err)
		}
		if !allowed {
			rateLimited(conn.ID, joinRule)
			return
		}

		if len(joinMsg.Interests) > 0 {
			p.Interests = filter.CheckInterests(profile.NormalizeTags(joinMsg.Interests))
		}
		if joinMsg.ChatMode != "" {
			p.ChatMode = profile.ChatMode(joinMsg.ChatMode)
		}
		if err := p.Validate(); err != nil {
			sendError(conn.ID, "invalid_profile", err.Error())
			return
		}
		profiles.Put(conn.ID, p)

		if pos, matched := q.Enqueue(relay.Member{ConnID: conn.ID, Profile: p}); !matched {
			send(conn.ID, protocol.TypeWaiting, protocol.WaitingMsg{Position: pos})
		}
	})

	// -------------------------------------------------------------------
	// cancel_queue — leave the queue; unknown entries are a no-op
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCancelQueue, func(conn *ws.Connection, msg interface{}) {
		if q.Dequeue(conn.ID) {
			log.Printf("[driftd] queue cancelled conn=%s", conn.ID)
		}
	})

	// -------------------------------------------------------------------
	// message — relay a chat line to the session peer
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}

		ctx := context.Background()
		allowed, err := limiter.Allow(ctx, conn.ID, msgRule)
		if err != nil {
			log.Printf("[driftd] rate limit check: %v", err)
		}
		if !allowed {
			rateLimited(conn.ID, msgRule)
			return
		}

		if err := rly.Message(ctx, chatMsg.SessionID, conn.ID, chatMsg.Text); err != nil {
			if sessionGone(err) {
				return
			}
			sendError(conn.ID, "invalid_message", err.Error())
		}
	})

	// -------------------------------------------------------------------
	// typing — relay the typing indicator; all failures are benign
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		_ = rly.Typing(typingMsg.SessionID, conn.ID, typingMsg.IsTyping)
	})

	// -------------------------------------------------------------------
	// leave_chat — end the session without re-entering the queue
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveChat, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveChatMsg)
		if !ok {
			return
		}
		_ = rly.Leave(leaveMsg.SessionID, conn.ID)
	})

	// -------------------------------------------------------------------
	// skip_chat — end the session and re-enter the queue via the skip hook
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSkipChat, func(conn *ws.Connection, msg interface{}) {
		skipMsg, ok := msg.(protocol.SkipChatMsg)
		if !ok {
			return
		}
		_ = rly.Skip(skipMsg.SessionID, conn.ID)
	})

	// -------------------------------------------------------------------
	// signaling — relay an opaque WebRTC payload to the peer
	// -------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSignaling, func(conn *ws.Connection, msg interface{}) {
		sigMsg, ok := msg.(protocol.SignalingMsg)
		if !ok {
			return
		}

		ctx := context.Background()
		allowed, err := limiter.Allow(ctx, conn.ID, signalRule)
		if err != nil {
			log.Printf("[driftd] rate limit check: %v", err)
		}
		if !allowed {
			rateLimited(conn.ID, signalRule)
			return
		}

		if err := rly.Signal(sigMsg.SessionID, conn.ID, sigMsg.Signal, sigMsg.Data); err != nil {
			if errors.Is(err, relay.ErrInvalidSignal) {
				sendError(conn.ID, "invalid_signal", err.Error())
			}
		}
	})

	// -------------------------------------------------------------------
	// Background loops and lifecycle
	// -------------------------------------------------------------------

	ctx, cancel := context.WithCancel(context.Background())
	go registry.Run(ctx)
	go q.Run(ctx)

	retention, err := auditStore.StartRetention(cfg.AuditPurgeEvery)
	if err != nil {
		log.Fatalf("driftd: retention job: %v", err)
	}

	if br.Enabled() && cfg.StatsPublishEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.StatsPublishEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					br.PublishStats(ctx, registry.Count(), q.Size(), rly.ActiveCount())
				}
			}
		}()
	}

	router := newRouter(server, registry, q, rly, auditStore, bans, limiter, connRule)
	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
		if retention != nil {
			_ = retention.Shutdown()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("driftd: shutdown: %v", err)
		}
		br.Close()
		if err := auditStore.Close(); err != nil {
			log.Printf("driftd: audit close: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(handler); err != nil {
		log.Fatalf("driftd: %v", err)
	}
}

// sessionGone reports whether a relay error means the session or the peer is
// simply not there anymore. Those races are expected and not worth an error
// event back to the client.
func sessionGone(err error) bool {
	return errors.Is(err, relay.ErrSessionNotFound) ||
		errors.Is(err, relay.ErrNotParticipant) ||
		errors.Is(err, relay.ErrMemberOffline)
}

// retrySeconds converts a retry-after duration to whole seconds, rounding up
// so clients never retry early.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// profileTable holds the profile bound to each live connection. Profiles
// never outlive their connection; a reconnect registers again.
type profileTable struct {
	mu     sync.RWMutex
	byConn map[string]profile.Profile
}

func newProfileTable() *profileTable {
	return &profileTable{byConn: make(map[string]profile.Profile)}
}

func (t *profileTable) Put(connID string, p profile.Profile) {
	t.mu.Lock()
	t.byConn[connID] = p
	t.mu.Unlock()
}

func (t *profileTable) Get(connID string) (profile.Profile, bool) {
	t.mu.RLock()
	p, ok := t.byConn[connID]
	t.mu.RUnlock()
	return p, ok
}

func (t *profileTable) Delete(connID string) {
	t.mu.Lock()
	delete(t.byConn, connID)
	t.mu.Unlock()
}
