// Package bridge mirrors local lobby state to Redis and fans events out over
// NATS so sibling instances can see each other's participants. Everything
// here is best-effort: errors are logged and swallowed, calls are capped by a
// short timeout, and no local invariant ever depends on bridge state. An
// unconfigured bridge is constructed disabled and every method is a no-op.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/relay"
)

// Redis key prefixes and TTLs for the mirror.
const (
	// PresencePrefix keys one hash per online user.
	PresencePrefix = "presence:"

	// InstancePrefix keys one hash per instance with its gauge snapshot.
	InstancePrefix = "instance:"

	// DefaultMirrorTTL keeps mirror hashes alive between refreshes. It
	// comfortably exceeds the presence idle timeout, so an entry that
	// stops being refreshed disappears on its own.
	DefaultMirrorTTL = 10 * time.Minute

	// InstanceTTL expires instance gauge hashes that stop being published.
	InstanceTTL = 5 * time.Minute

	// opTimeout caps every mirror call so a slow backend cannot stall
	// callers on the hot path.
	opTimeout = 2 * time.Second
)

// Event kinds carried in PresenceEvent.Kind.
const (
	KindOnline  = "online"
	KindOffline = "offline"
)

// PresenceEvent is the presence fanout payload.
type PresenceEvent struct {
	Origin  string   `json:"origin"`
	Kind    string   `json:"kind"`
	UserID  string   `json:"user_id"`
	Name    string   `json:"name,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Country string   `json:"country,omitempty"`
	At      int64    `json:"at"`
}

// MatchEvent is the match-created fanout payload.
type MatchEvent struct {
	Origin    string  `json:"origin"`
	SessionID string  `json:"session_id"`
	UserA     string  `json:"user_a"`
	UserB     string  `json:"user_b"`
	ChatMode  string  `json:"chat_mode"`
	Score     float64 `json:"score"`
	At        int64   `json:"at"`
}

// Config selects which backends the bridge talks to. Empty addresses leave
// the corresponding side disabled; both empty leaves the whole bridge
// disabled.
type Config struct {
	Instance  string // this instance's name, stamped on every event
	RedisAddr string
	NATSURL   string
	MirrorTTL time.Duration
}

// Bridge mirrors presence to Redis and fans events out over NATS.
type Bridge struct {
	instance  string
	mirrorTTL time.Duration
	redis     *redis.Client
	nats      *messaging.NATSClient
}

// New connects the configured backends. An entirely unconfigured bridge is
// valid and permanently disabled. A configured backend that cannot be
// reached is an error; callers typically log it and run without the bridge.
func New(cfg Config) (*Bridge, error) {
	b := &Bridge{
		instance:  cfg.Instance,
		mirrorTTL: cfg.MirrorTTL,
	}
	if b.mirrorTTL <= 0 {
		b.mirrorTTL = DefaultMirrorTTL
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("bridge: redis connection failed: %w", err)
		}
		b.redis = client
		log.Printf("[bridge] redis mirror connected (%s)", cfg.RedisAddr)
	}

	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATSURL,
			Name:          "drift-" + cfg.Instance,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		})
		if err != nil {
			if b.redis != nil {
				b.redis.Close()
			}
			return nil, fmt.Errorf("bridge: %w", err)
		}
		b.nats = nc
	}

	return b, nil
}

// Enabled reports whether any backend is connected.
func (b *Bridge) Enabled() bool {
	return b.redis != nil || b.nats != nil
}

// Redis exposes the mirror client so other components (rate limiting) can
// share counters across instances. Nil when the Redis side is disabled.
func (b *Bridge) Redis() *redis.Client {
	return b.redis
}

// Close releases both backends.
func (b *Bridge) Close() {
	if b.nats != nil {
		b.nats.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			log.Printf("[bridge] redis close: %v", err)
		}
	}
}

// PresenceOnline mirrors a fresh presence record and fans the event out.
func (b *Bridge) PresenceOnline(ctx context.Context, rec presence.Record) {
	if b.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		key := PresencePrefix + rec.UserID
		fields := map[string]interface{}{
			"user_id":  rec.UserID,
			"name":     rec.Meta.Name,
			"tags":     strings.Join(rec.Meta.Tags, ","),
			"country":  rec.Meta.Country,
			"instance": b.instance,
			"since":    rec.JoinedAt.Unix(),
		}
		pipe := b.redis.Pipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, b.mirrorTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[bridge] presence mirror %s: %v", rec.UserID, err)
		}
		cancel()
	}

	b.fanoutPresence(PresenceEvent{
		Kind:    KindOnline,
		UserID:  rec.UserID,
		Name:    rec.Meta.Name,
		Tags:    rec.Meta.Tags,
		Country: rec.Meta.Country,
	})
}

// PresenceActivity refreshes the mirror TTL for an active user. Nothing is
// fanned out; activity is a local concern and would dominate subject volume.
func (b *Bridge) PresenceActivity(ctx context.Context, userID string) {
	if b.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := b.redis.Expire(ctx, PresencePrefix+userID, b.mirrorTTL).Err(); err != nil {
		log.Printf("[bridge] presence refresh %s: %v", userID, err)
	}
}

// PresenceOffline removes the mirror entry and fans the event out.
func (b *Bridge) PresenceOffline(ctx context.Context, userID string) {
	if b.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		if err := b.redis.Del(ctx, PresencePrefix+userID).Err(); err != nil {
			log.Printf("[bridge] presence unmirror %s: %v", userID, err)
		}
		cancel()
	}

	b.fanoutPresence(PresenceEvent{Kind: KindOffline, UserID: userID})
}

// MatchCreated fans out a created session so siblings can count it.
func (b *Bridge) MatchCreated(ctx context.Context, s relay.Session) {
	if b.nats == nil {
		return
	}
	ev := MatchEvent{
		Origin:    b.instance,
		SessionID: s.ID,
		UserA:     s.A.Profile.UserID,
		UserB:     s.B.Profile.UserID,
		ChatMode:  string(s.ChatMode),
		Score:     s.Score,
		At:        time.Now().Unix(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[bridge] match event encode: %v", err)
		return
	}
	if err := b.nats.PublishMatchCreated(data); err != nil {
		log.Printf("[bridge] match fanout: %v", err)
	}
}

// PublishStats mirrors this instance's gauges so siblings and dashboards can
// aggregate fleet-wide totals.
func (b *Bridge) PublishStats(ctx context.Context, online, waiting, sessions int) {
	if b.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := InstancePrefix + b.instance
	pipe := b.redis.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"online":     online,
		"waiting":    waiting,
		"sessions":   sessions,
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, InstanceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[bridge] stats publish: %v", err)
	}
}

// OnRemotePresence subscribes to sibling presence events. Events originated
// by this instance are dropped before the handler sees them.
func (b *Bridge) OnRemotePresence(fn func(ev PresenceEvent)) error {
	if b.nats == nil {
		return nil
	}
	return b.nats.SubscribePresence(func(data []byte) {
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[bridge] presence event decode: %v", err)
			return
		}
		if ev.Origin == b.instance {
			return
		}
		fn(ev)
	})
}

// OnRemoteMatch subscribes to sibling match-created events, with the same
// self-origin filtering as OnRemotePresence.
func (b *Bridge) OnRemoteMatch(fn func(ev MatchEvent)) error {
	if b.nats == nil {
		return nil
	}
	return b.nats.SubscribeMatchCreated(func(data []byte) {
		var ev MatchEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[bridge] match event decode: %v", err)
			return
		}
		if ev.Origin == b.instance {
			return
		}
		fn(ev)
	})
}

// fanoutPresence stamps origin and timestamp on ev and publishes it.
func (b *Bridge) fanoutPresence(ev PresenceEvent) {
	if b.nats == nil {
		return
	}
	ev.Origin = b.instance
	ev.At = time.Now().Unix()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[bridge] presence event encode: %v", err)
		return
	}
	switch ev.Kind {
	case KindOnline:
		err = b.nats.PublishPresenceOnline(data)
	case KindOffline:
		err = b.nats.PublishPresenceOffline(data)
	}
	if err != nil {
		log.Printf("[bridge] presence fanout: %v", err)
	}
}

