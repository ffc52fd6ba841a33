// Package ratelimit throttles per-identifier actions with fixed counting
// windows. When a Redis client is supplied the counters live in Redis
// (INCR + EXPIRE), so limits are shared across instances; without one the
// counters are process-local. Either way the limiter fails open: a store
// error never blocks legitimate traffic.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines one throttling policy: the counter key prefix, the maximum
// count in the window, and the window duration.
type Rule struct {
	Key    string        // counter key prefix (e.g. "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // window duration
}

// Standard rules. Identifiers are the client IP for connects and the
// connection id for everything else.
var (
	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: time.Minute}

	// RuleJoin allows 10 queue joins per minute per connection.
	RuleJoin = Rule{Key: "rl:join:", Limit: 10, Window: time.Minute}

	// RuleMessage allows 5 chat messages per 10 seconds per connection.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleSignal allows 30 signaling frames per 10 seconds per connection.
	// ICE negotiation bursts a handful of candidates, so this is generous.
	RuleSignal = Rule{Key: "rl:sig:", Limit: 30, Window: 10 * time.Second}
)

// maxLocalWindows bounds the process-local counter map. When it is exceeded
// expired windows are purged opportunistically instead of by a janitor
// goroutine.
const maxLocalWindows = 4096

type localWindow struct {
	count   int
	resetAt time.Time
}

// Limiter performs rate limit checks. Client may be nil, in which case all
// counters are process-local.
type Limiter struct {
	client *redis.Client

	mu      sync.Mutex
	windows map[string]*localWindow
}

// NewLimiter creates a Limiter. Pass a nil client to count in-process.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		client:  client,
		windows: make(map[string]*localWindow),
	}
}

// Allow counts one action for the identifier under rule and reports whether
// it is within the limit. On store errors it returns true together with the
// error: callers that want to know log it, nobody gets blocked by an outage.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	if l.client == nil {
		count, _ := l.incrLocal(key, rule.Window, time.Now())
		return count <= rule.Limit, nil
	}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment defines the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists without a TTL and would throttle the
			// identifier forever. Best effort: remove it.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining reports how many actions the identifier has left in the current
// window. An identifier with no window yet has the full limit. On store
// errors it reports the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	if l.client == nil {
		count, _, ok := l.getLocal(key, time.Now())
		if !ok {
			return rule.Limit, nil
		}
		return clampRemaining(rule.Limit, count), nil
	}

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}
	return clampRemaining(rule.Limit, count), nil
}

// RetryAfter reports how long the identifier has to wait before the current
// window expires. Zero means no active window. When the store cannot answer
// it assumes a full window, which only ever overstates the wait.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	key := rule.Key + identifier

	if l.client == nil {
		_, resetAt, ok := l.getLocal(key, time.Now())
		if !ok {
			return 0
		}
		if d := time.Until(resetAt); d > 0 {
			return d
		}
		return 0
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis PTTL error key=%s: %v", key, err)
		return rule.Window
	}
	if ttl < 0 { // no key or no expiry
		return 0
	}
	return ttl
}

func clampRemaining(limit, count int) int {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// incrLocal counts one action in the process-local window for key, starting
// a fresh window when none is active.
func (l *Limiter) incrLocal(key string, window time.Duration, now time.Time) (int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &localWindow{resetAt: now.Add(window)}
		l.windows[key] = w
	}
	w.count++

	if len(l.windows) > maxLocalWindows {
		l.purgeLocked(now)
	}
	return w.count, w.resetAt
}

// getLocal reads the active window for key without counting. ok is false
// when no window is active.
func (l *Limiter) getLocal(key string, now time.Time) (count int, resetAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, found := l.windows[key]
	if !found || now.After(w.resetAt) {
		return 0, time.Time{}, false
	}
	return w.count, w.resetAt, true
}

// purgeLocked drops expired windows. Callers hold l.mu.
func (l *Limiter) purgeLocked(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
