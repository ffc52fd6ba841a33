// Package queue owns the matching queue: the waiting set of profiles looking
// for a partner and the pairing commits that turn two of them into a session.
// All queue state is process-local and mutated only under the queue's mutex;
// the commit (pick best, mark both mid-pairing, remove both) is one critical
// section, and session creation runs after the lock is released.
package queue

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/scoring"
)

// DropTimeout is the reason reported to owners of swept stale entries.
const DropTimeout = "timeout"

// Config holds the queue's loop tuning.
type Config struct {
	TickInterval  time.Duration // how often the waiting set is re-scanned
	SweepInterval time.Duration // how often stale entries are collected
	StaleAfter    time.Duration // waiting age after which an entry is dropped
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  5 * time.Second,
		SweepInterval: 60 * time.Second,
		StaleAfter:    10 * time.Minute,
	}
}

// Pairer creates sessions for committed pairs and answers whether a
// connection already has one. *relay.Relay satisfies it.
type Pairer interface {
	Create(a, b relay.Member, score float64, criteria []string) (relay.Session, error)
	SessionFor(connID string) (relay.Session, bool)
}

// Stats is a point-in-time snapshot of the waiting set.
type Stats struct {
	Waiting   int            `json:"waiting"`
	ByMode    map[string]int `json:"by_mode"`
	ByTag     map[string]int `json:"by_tag"`
	AvgWaitMs int64          `json:"avg_wait_ms"`
	Sessions  int            `json:"active_sessions"`
}

type entry struct {
	member   relay.Member
	joinedAt time.Time
}

// Queue is the in-memory matching queue.
type Queue struct {
	config Config
	scorer *scoring.Scorer
	pairer Pairer
	live   relay.Liveness

	mu      sync.Mutex
	waiting map[string]*entry   // connID -> entry
	pairing map[string]struct{} // connIDs committed, session creation in flight

	notifyMu sync.RWMutex
	onMatch  func(s relay.Session)
	onDrop   func(connID, reason string)
}

// New creates an empty Queue.
func New(config Config, scorer *scoring.Scorer, pairer Pairer, live relay.Liveness) *Queue {
	return &Queue{
		config:  config,
		scorer:  scorer,
		pairer:  pairer,
		live:    live,
		waiting: make(map[string]*entry),
		pairing: make(map[string]struct{}),
	}
}

// SetMatchNotifier installs the callback fired once per created session. The
// orchestration layer notifies both members from it.
func (q *Queue) SetMatchNotifier(fn func(s relay.Session)) {
	q.notifyMu.Lock()
	q.onMatch = fn
	q.notifyMu.Unlock()
}

// SetDropNotifier installs the callback fired for each swept stale entry.
func (q *Queue) SetDropNotifier(fn func(connID, reason string)) {
	q.notifyMu.Lock()
	q.onDrop = fn
	q.notifyMu.Unlock()
}

// Enqueue admits a member to the queue. A member already waiting or mid
// pairing is a no-op. The waiting set is scanned immediately: when the best
// candidate strictly exceeds the score threshold the pair is committed and
// matched=true is returned (the match notifier handles both members);
// otherwise the entry joins the waiting set and its position is returned.
func (q *Queue) Enqueue(m relay.Member) (position int, matched bool) {
	return q.admit(&entry{member: m, joinedAt: time.Now()})
}

// admit runs the enqueue path for an entry, preserving its joinedAt so that
// re-enqueued survivors keep their accumulated wait.
func (q *Queue) admit(e *entry) (position int, matched bool) {
	now := time.Now()
	m := e.member

	q.mu.Lock()
	if _, dup := q.waiting[m.ConnID]; dup {
		pos := q.positionLocked(m.ConnID)
		q.mu.Unlock()
		return pos, false
	}
	if _, mid := q.pairing[m.ConnID]; mid {
		q.mu.Unlock()
		return 0, false
	}

	if best, res, ok := q.bestForLocked(e, now); ok {
		delete(q.waiting, best.member.ConnID)
		q.pairing[m.ConnID] = struct{}{}
		q.pairing[best.member.ConnID] = struct{}{}
		waiting := len(q.waiting)
		q.mu.Unlock()

		metrics.QueueWaiting.Set(float64(waiting))
		q.finalizePair(e, best, res)
		return 0, true
	}

	q.waiting[m.ConnID] = e
	pos := q.positionLocked(m.ConnID)
	waiting := len(q.waiting)
	q.mu.Unlock()

	metrics.QueueWaiting.Set(float64(waiting))
	log.Printf("[queue] enqueued %s (waiting: %d)", m.Profile.UserID, waiting)
	return pos, false
}

// Dequeue removes a waiting entry. It is idempotent and reports whether an
// entry was actually removed; a cancel racing a pairing commit loses and is
// a no-op.
func (q *Queue) Dequeue(connID string) bool {
	q.mu.Lock()
	_, ok := q.waiting[connID]
	if ok {
		delete(q.waiting, connID)
	}
	waiting := len(q.waiting)
	q.mu.Unlock()

	if ok {
		metrics.QueueWaiting.Set(float64(waiting))
	}
	return ok
}

// Size returns the number of waiting entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Stats assembles the waiting-set snapshot served by the stats endpoint.
func (q *Queue) Stats() Stats {
	now := time.Now()

	q.mu.Lock()
	st := Stats{
		Waiting: len(q.waiting),
		ByMode:  make(map[string]int),
		ByTag:   make(map[string]int),
	}
	var totalWait time.Duration
	for _, e := range q.waiting {
		st.ByMode[string(e.member.Profile.ChatMode)]++
		for _, tag := range e.member.Profile.Interests {
			st.ByTag[tag]++
		}
		totalWait += now.Sub(e.joinedAt)
	}
	if st.Waiting > 0 {
		st.AvgWaitMs = (totalWait / time.Duration(st.Waiting)).Milliseconds()
	}
	q.mu.Unlock()
	return st
}

// Run starts the re-scan tick and the stale sweep, blocking until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	tick := time.NewTicker(q.config.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(q.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[queue] loops stopped")
			return
		case <-tick.C:
			q.scan()
		case <-sweep.C:
			if n := q.sweep(time.Now()); n > 0 {
				log.Printf("[queue] sweep dropped %d stale entries", n)
			}
		}
	}
}

// scan walks the waiting set oldest-first and commits every pair whose score
// strictly exceeds the threshold. Entries paired earlier in the cycle are
// re-checked before use. Wait bonuses grow between ticks, so pairs
// impossible at enqueue time become possible here.
func (q *Queue) scan() {
	now := time.Now()

	q.mu.Lock()
	ids := make([]*entry, 0, len(q.waiting))
	for _, e := range q.waiting {
		ids = append(ids, e)
	}
	q.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].joinedAt.Before(ids[j].joinedAt) })

	for _, e := range ids {
		q.mu.Lock()
		if _, still := q.waiting[e.member.ConnID]; !still {
			q.mu.Unlock()
			continue
		}
		best, res, ok := q.bestForLocked(e, now)
		if !ok {
			q.mu.Unlock()
			continue
		}
		delete(q.waiting, e.member.ConnID)
		delete(q.waiting, best.member.ConnID)
		q.pairing[e.member.ConnID] = struct{}{}
		q.pairing[best.member.ConnID] = struct{}{}
		waiting := len(q.waiting)
		q.mu.Unlock()

		metrics.QueueWaiting.Set(float64(waiting))
		q.finalizePair(e, best, res)
	}
}

// sweep drops entries older than StaleAfter and notifies each owner.
func (q *Queue) sweep(now time.Time) int {
	cutoff := now.Add(-q.config.StaleAfter)

	q.mu.Lock()
	var dropped []*entry
	for _, e := range q.waiting {
		if e.joinedAt.Before(cutoff) {
			dropped = append(dropped, e)
		}
	}
	for _, e := range dropped {
		delete(q.waiting, e.member.ConnID)
	}
	waiting := len(q.waiting)
	q.mu.Unlock()

	if len(dropped) > 0 {
		metrics.QueueWaiting.Set(float64(waiting))
	}
	q.notifyMu.RLock()
	drop := q.onDrop
	q.notifyMu.RUnlock()
	if drop != nil {
		for _, e := range dropped {
			drop(e.member.ConnID, DropTimeout)
		}
	}
	return len(dropped)
}

// bestForLocked finds the waiting entry with the highest score against e,
// excluding e itself. Ties prefer the longer-waiting candidate. Returns ok
// only when the best score strictly exceeds the scorer threshold. Callers
// hold q.mu.
func (q *Queue) bestForLocked(e *entry, now time.Time) (*entry, scoring.Result, bool) {
	self := scoring.Candidate{Profile: e.member.Profile, Wait: now.Sub(e.joinedAt)}

	var (
		best    *entry
		bestRes scoring.Result
	)
	for _, cand := range q.waiting {
		if cand.member.ConnID == e.member.ConnID {
			continue
		}
		res := q.scorer.Score(self, scoring.Candidate{
			Profile: cand.member.Profile,
			Wait:    now.Sub(cand.joinedAt),
		})
		if res.Incompatible {
			continue
		}
		if best == nil || res.Score > bestRes.Score ||
			(res.Score == bestRes.Score && cand.joinedAt.Before(best.joinedAt)) {
			best = cand
			bestRes = res
		}
	}
	if best == nil || bestRes.Score <= q.scorer.Threshold() {
		return nil, scoring.Result{}, false
	}
	return best, bestRes, true
}

// positionLocked returns the 1-based FIFO rank of connID among waiting
// entries. Callers hold q.mu.
func (q *Queue) positionLocked(connID string) int {
	me, ok := q.waiting[connID]
	if !ok {
		return 0
	}
	pos := 1
	for _, e := range q.waiting {
		if e.joinedAt.Before(me.joinedAt) {
			pos++
		}
	}
	return pos
}

// finalizePair creates the session for a committed pair, outside the queue
// lock. On failure the member that is still online and unpaired is
// re-enqueued; the other side is dropped.
func (q *Queue) finalizePair(a, b *entry, res scoring.Result) {
	s, err := q.pairer.Create(a.member, b.member, res.Score, res.Criteria)

	q.mu.Lock()
	delete(q.pairing, a.member.ConnID)
	delete(q.pairing, b.member.ConnID)
	q.mu.Unlock()

	if err != nil {
		log.Printf("[queue] pairing %s/%s failed: %v",
			a.member.Profile.UserID, b.member.Profile.UserID, err)
		for _, e := range []*entry{a, b} {
			if !q.live.IsOnline(e.member.ConnID) {
				continue
			}
			if _, busy := q.pairer.SessionFor(e.member.ConnID); busy {
				continue
			}
			q.admit(e)
		}
		return
	}

	metrics.MatchWait.Observe(time.Since(a.joinedAt).Seconds())
	metrics.MatchWait.Observe(time.Since(b.joinedAt).Seconds())

	q.notifyMu.RLock()
	notify := q.onMatch
	q.notifyMu.RUnlock()
	if notify != nil {
		notify(s)
	}
}
