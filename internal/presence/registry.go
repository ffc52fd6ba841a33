// Package presence tracks which participants are currently connected, their
// public-facing metadata and their last-activity time. The Registry is the
// sole owner and mutator of presence records; every other component reaches
// presence state through its operations, and teardown of dependent state
// (queue entries, sessions) happens through the eviction hook so that a
// record can never outlive its connection.
//
// Presence never raises user-visible errors: all operations are best-effort
// and the registry remains the local source of truth whether or not the
// cross-instance bridge is reachable.
package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Meta is the display metadata shown to other participants.
type Meta struct {
	Name    string   `json:"name,omitempty"`
	Avatar  string   `json:"avatar,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Country string   `json:"country,omitempty"`
}

// Record is one online user's presence state. Records handed out by the
// registry are copies; callers cannot mutate registry state through them.
type Record struct {
	UserID       string    `json:"user_id"`
	ConnID       string    `json:"conn_id"`
	Meta         Meta      `json:"meta"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`

	lastEcho time.Time // last time an activity event was emitted for this record
}

// Event types emitted to subscribers.
const (
	EventOnline   = "user_online"
	EventOffline  = "user_offline"
	EventActivity = "activity"
	EventSnapshot = "bulk_snapshot"
)

// Event is a presence change notification. To is the connection id the event
// is addressed to; empty means broadcast to every subscriber's audience.
type Event struct {
	Type    string
	Record  Record   // subject of online/offline/activity events
	Records []Record // populated for snapshot events only
	To      string
}

// Eviction reasons passed to the cascade hook.
const (
	ReasonDisconnect = "disconnect"
	ReasonReplaced   = "replaced"
	ReasonIdle       = "idle_timeout"
)

// EvictFunc is invoked synchronously (outside the registry lock) whenever a
// record is destroyed, so the orchestration layer can cancel the connection's
// queue membership and end its session before anything else observes the
// record as gone.
type EvictFunc func(connID, userID, reason string)

// Config holds the registry's sweep and event tuning.
type Config struct {
	SweepInterval time.Duration // how often the idle sweep runs
	IdleTimeout   time.Duration // last-activity age that counts as gone
	ActivityEcho  time.Duration // min interval between activity events per record
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 60 * time.Second,
		IdleTimeout:   5 * time.Minute,
		ActivityEcho:  30 * time.Second,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Tag     string
	Country string
}

// Registry is the in-memory presence store.
type Registry struct {
	config Config

	mu     sync.RWMutex
	byUser map[string]*Record
	byConn map[string]*Record

	subMu   sync.RWMutex
	subs    []func(Event)
	onEvict EvictFunc
}

// NewRegistry creates an empty Registry with the given config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config: config,
		byUser: make(map[string]*Record),
		byConn: make(map[string]*Record),
	}
}

// Subscribe registers a callback for presence events. Callbacks run
// synchronously after the registry lock is released and must not call back
// into mutating registry operations.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

// SetEvictHook installs the teardown cascade. Only one hook is supported;
// the orchestration layer owns fan-out.
func (r *Registry) SetEvictHook(fn EvictFunc) {
	r.subMu.Lock()
	r.onEvict = fn
	r.subMu.Unlock()
}

// SetOnline registers a user as connected. It is idempotent with respect to
// reconnects: an existing record for the same user is evicted first (which
// cascades to the old connection's queue entry and session), then the fresh
// record is stored. Subscribers receive a user_online broadcast, and the new
// connection alone receives a bulk snapshot of everyone currently online.
func (r *Registry) SetOnline(userID, connID string, meta Meta) {
	now := time.Now()

	r.mu.Lock()
	var replaced *Record
	if old, ok := r.byUser[userID]; ok && old.ConnID != connID {
		replaced = old
		delete(r.byConn, old.ConnID)
	}
	// A stale record under the same connection id (re-register) is simply
	// overwritten in place.
	rec := &Record{
		UserID:       userID,
		ConnID:       connID,
		Meta:         meta,
		JoinedAt:     now,
		LastActivity: now,
		lastEcho:     now,
	}
	r.byUser[userID] = rec
	r.byConn[connID] = rec
	snapshot := r.listLocked(Filter{})
	online := *rec
	r.mu.Unlock()

	if replaced != nil {
		r.evict(replaced.ConnID, replaced.UserID, ReasonReplaced)
	}
	r.emit(Event{Type: EventOnline, Record: online})
	r.emit(Event{Type: EventSnapshot, Records: snapshot, To: connID})
}

// SetOffline removes the user's record and emits user_offline. No-op when
// the user has no record.
func (r *Registry) SetOffline(userID string) {
	r.mu.Lock()
	rec, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
		delete(r.byConn, rec.ConnID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.evict(rec.ConnID, rec.UserID, ReasonDisconnect)
	r.emit(Event{Type: EventOffline, Record: *rec})
}

// SetOfflineByConn removes the record owning connID. This is the disconnect
// path: transport closure knows only the connection id.
func (r *Registry) SetOfflineByConn(connID string) {
	r.mu.Lock()
	rec, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		delete(r.byUser, rec.UserID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.evict(rec.ConnID, rec.UserID, ReasonDisconnect)
	r.emit(Event{Type: EventOffline, Record: *rec})
}

// Touch refreshes last-activity for the record owning connID. Activity
// events are echoed to subscribers at most once per ActivityEcho interval
// per record so a busy conversation does not flood the event stream.
func (r *Registry) Touch(connID string) {
	now := time.Now()

	r.mu.Lock()
	rec, ok := r.byConn[connID]
	var echo bool
	if ok {
		rec.LastActivity = now
		if r.config.ActivityEcho <= 0 || now.Sub(rec.lastEcho) >= r.config.ActivityEcho {
			rec.lastEcho = now
			echo = true
		}
	}
	var copyRec Record
	if ok {
		copyRec = *rec
	}
	r.mu.Unlock()

	if ok && echo {
		r.emit(Event{Type: EventActivity, Record: copyRec})
	}
}

// IsOnline reports whether connID currently owns a presence record. The
// relay uses this as its liveness check when creating sessions.
func (r *Registry) IsOnline(connID string) bool {
	r.mu.RLock()
	_, ok := r.byConn[connID]
	r.mu.RUnlock()
	return ok
}

// Get returns the record for connID and whether it exists.
func (r *Registry) Get(connID string) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.byConn[connID]
	var out Record
	if ok {
		out = *rec
	}
	r.mu.RUnlock()
	return out, ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// List returns the current records matching filter, ordered by join time
// descending so pagination stays stable as new users arrive.
func (r *Registry) List(filter Filter) []Record {
	r.mu.RLock()
	out := r.listLocked(filter)
	r.mu.RUnlock()
	return out
}

func (r *Registry) listLocked(filter Filter) []Record {
	out := make([]Record, 0, len(r.byUser))
	for _, rec := range r.byUser {
		if filter.Country != "" && rec.Meta.Country != filter.Country {
			continue
		}
		if filter.Tag != "" && !hasTag(rec.Meta.Tags, filter.Tag) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].JoinedAt.After(out[j].JoinedAt)
	})
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Run starts the idle sweep loop and blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[presence] sweep loop stopped")
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				log.Printf("[presence] sweep removed %d idle records", n)
			}
		}
	}
}

// sweep removes every record whose last activity is older than IdleTimeout,
// emitting user_offline and running the eviction cascade for each. It
// returns the number of records removed.
func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.config.IdleTimeout)

	r.mu.Lock()
	var expired []Record
	for _, rec := range r.byUser {
		if rec.LastActivity.Before(cutoff) {
			expired = append(expired, *rec)
		}
	}
	for _, rec := range expired {
		delete(r.byUser, rec.UserID)
		delete(r.byConn, rec.ConnID)
	}
	r.mu.Unlock()

	for _, rec := range expired {
		r.evict(rec.ConnID, rec.UserID, ReasonIdle)
		r.emit(Event{Type: EventOffline, Record: rec})
	}
	return len(expired)
}

func (r *Registry) evict(connID, userID, reason string) {
	r.subMu.RLock()
	hook := r.onEvict
	r.subMu.RUnlock()
	if hook != nil {
		hook(connID, userID, reason)
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.RLock()
	subs := r.subs
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
