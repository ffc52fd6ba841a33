package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/scoring"
)

// ============================================================================
// Fakes
// ============================================================================

type fakePairer struct {
	mu      sync.Mutex
	failFor map[string]error // connID -> error when that conn is in the pair
	byConn  map[string]relay.Session
	created []relay.Session
}

func newFakePairer() *fakePairer {
	return &fakePairer{
		failFor: make(map[string]error),
		byConn:  make(map[string]relay.Session),
	}
}

func (f *fakePairer) Create(a, b relay.Member, score float64, criteria []string) (relay.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range []relay.Member{a, b} {
		if err, ok := f.failFor[m.ConnID]; ok {
			return relay.Session{}, err
		}
	}
	s := relay.Session{
		ID:       fmt.Sprintf("s%d", len(f.created)+1),
		A:        a,
		B:        b,
		ChatMode: a.Profile.ChatMode,
		Score:    score,
		Criteria: criteria,
	}
	f.byConn[a.ConnID] = s
	f.byConn[b.ConnID] = s
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakePairer) SessionFor(connID string) (relay.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byConn[connID]
	return s, ok
}

func (f *fakePairer) sessions() []relay.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relay.Session, len(f.created))
	copy(out, f.created)
	return out
}

type fakeLive struct {
	mu      sync.Mutex
	offline map[string]struct{}
}

func (l *fakeLive) IsOnline(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, off := l.offline[connID]
	return !off
}

func (l *fakeLive) setOffline(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offline == nil {
		l.offline = make(map[string]struct{})
	}
	l.offline[connID] = struct{}{}
}

type matchCapture struct {
	mu       sync.Mutex
	sessions []relay.Session
}

func (c *matchCapture) notify(s relay.Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
}

func (c *matchCapture) all() []relay.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]relay.Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

type dropCapture struct {
	mu    sync.Mutex
	drops map[string]string // connID -> reason
}

func (c *dropCapture) notify(connID, reason string) {
	c.mu.Lock()
	if c.drops == nil {
		c.drops = make(map[string]string)
	}
	c.drops[connID] = reason
	c.mu.Unlock()
}

func member(userID, connID string, mode profile.ChatMode, interests ...string) relay.Member {
	return relay.Member{
		ConnID: connID,
		Profile: profile.Profile{
			UserID:    userID,
			ChatMode:  mode,
			Interests: interests,
		},
	}
}

func newTestQueue(p Pairer, live relay.Liveness) (*Queue, *matchCapture) {
	q := New(DefaultConfig(), scoring.NewScorer(scoring.DefaultWeights()), p, live)
	matches := &matchCapture{}
	q.SetMatchNotifier(matches.notify)
	return q, matches
}

// backdate shifts every waiting entry's join time into the past, simulating
// accumulated wait without sleeping.
func backdate(q *Queue, by time.Duration) {
	q.mu.Lock()
	for _, e := range q.waiting {
		e.joinedAt = e.joinedAt.Add(-by)
	}
	q.mu.Unlock()
}

// ============================================================================
// Enqueue and immediate matching
// ============================================================================

func TestEnqueueImmediateMatch(t *testing.T) {
	pairer := newFakePairer()
	q, matches := newTestQueue(pairer, &fakeLive{})

	pos, matched := q.Enqueue(member("u1", "c1", profile.ModeText, "music", "art"))
	if matched {
		t.Fatal("first member matched with empty queue")
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}

	_, matched = q.Enqueue(member("u2", "c2", profile.ModeText, "music", "travel"))
	if !matched {
		t.Fatal("compatible member did not match on enqueue")
	}

	got := matches.all()
	if len(got) != 1 {
		t.Fatalf("match notifications = %d, want 1", len(got))
	}
	s := got[0]
	users := map[string]bool{s.A.Profile.UserID: true, s.B.Profile.UserID: true}
	if !users["u1"] || !users["u2"] {
		t.Errorf("session members = %s/%s, want u1/u2", s.A.Profile.UserID, s.B.Profile.UserID)
	}
	if s.Score <= 0.5 {
		t.Errorf("committed score %.3f does not exceed threshold", s.Score)
	}
	if q.Size() != 0 {
		t.Errorf("waiting after match = %d, want 0", q.Size())
	}
}

func TestEnqueueDuplicateIsNoOp(t *testing.T) {
	q, _ := newTestQueue(newFakePairer(), &fakeLive{})

	m := member("u1", "c1", profile.ModeText, "music")
	pos1, _ := q.Enqueue(m)
	pos2, matched := q.Enqueue(m)

	if matched {
		t.Error("duplicate enqueue reported a match")
	}
	if pos1 != 1 || pos2 != 1 {
		t.Errorf("positions = %d, %d, want 1, 1", pos1, pos2)
	}
	if q.Size() != 1 {
		t.Errorf("waiting = %d, want 1", q.Size())
	}
}

func TestModesNeverPair(t *testing.T) {
	q, matches := newTestQueue(newFakePairer(), &fakeLive{})

	q.Enqueue(member("u1", "c1", profile.ModeText, "music", "art"))
	_, matched := q.Enqueue(member("u2", "c2", profile.ModeVideo, "music", "art"))
	if matched {
		t.Fatal("text and video members paired")
	}

	backdate(q, time.Hour) // max wait bonus must not cross the mode constraint
	q.scan()

	if len(matches.all()) != 0 {
		t.Error("scan paired members with different chat modes")
	}
	if q.Size() != 2 {
		t.Errorf("waiting = %d, want 2", q.Size())
	}
}

func TestBestCandidateWins(t *testing.T) {
	pairer := newFakePairer()
	q, matches := newTestQueue(pairer, &fakeLive{})

	// b and c prefer partners neither of them is, so they wait for a.
	b := member("ub", "cb", profile.ModeText, "music")
	b.Profile.Gender = "male"
	b.Profile.GenderPref = "female"
	c := member("uc", "cc", profile.ModeText, "art", "music")
	c.Profile.Gender = "male"
	c.Profile.GenderPref = "female"

	q.Enqueue(b)
	if _, matched := q.Enqueue(c); matched {
		t.Fatal("mutually unsuitable members paired")
	}

	// a satisfies both, but shares two interests with c and one with b.
	a := member("ua", "ca", profile.ModeText, "music", "art")
	a.Profile.Gender = "female"
	if _, matched := q.Enqueue(a); !matched {
		t.Fatal("expected immediate match for a")
	}

	got := matches.all()
	if len(got) != 1 {
		t.Fatalf("match notifications = %d, want 1", len(got))
	}
	users := map[string]bool{got[0].A.Profile.UserID: true, got[0].B.Profile.UserID: true}
	if !users["ua"] || !users["uc"] {
		t.Errorf("paired %v, want ua with uc", users)
	}
	if q.Size() != 1 {
		t.Errorf("waiting = %d, want 1 (ub left behind)", q.Size())
	}
}

func TestTieBreakPrefersLongerWait(t *testing.T) {
	q, matches := newTestQueue(newFakePairer(), &fakeLive{})

	for i, conn := range []string{"cb", "cc"} {
		m := member(fmt.Sprintf("u%d", i+1), conn, profile.ModeText, "music")
		m.Profile.Gender = "male"
		m.Profile.GenderPref = "female"
		if _, matched := q.Enqueue(m); matched {
			t.Fatal("identical male-seeking-female members paired with each other")
		}
	}

	a := member("ua", "ca", profile.ModeText, "music")
	a.Profile.Gender = "female"
	if _, matched := q.Enqueue(a); !matched {
		t.Fatal("expected immediate match")
	}

	got := matches.all()
	if len(got) != 1 {
		t.Fatalf("match notifications = %d, want 1", len(got))
	}
	conns := map[string]bool{got[0].A.ConnID: true, got[0].B.ConnID: true}
	if !conns["cb"] {
		t.Errorf("tie went to %v, want the earlier entry cb", conns)
	}
}

// ============================================================================
// Tick scan
// ============================================================================

func TestScanPairsOnceWaitBonusAccrues(t *testing.T) {
	q, matches := newTestQueue(newFakePairer(), &fakeLive{})

	// One side's gender preference is unmet: base score 25/70, below the
	// 0.5 threshold, but within reach of the capped wait bonus.
	a := member("ua", "ca", profile.ModeText)
	a.Profile.Gender = "male"
	a.Profile.GenderPref = "female"
	b := member("ub", "cb", profile.ModeText)
	b.Profile.Gender = "male"

	q.Enqueue(a)
	if _, matched := q.Enqueue(b); matched {
		t.Fatal("below-threshold pair matched immediately")
	}

	q.scan()
	if len(matches.all()) != 0 {
		t.Fatal("scan paired members before any wait accrued")
	}

	backdate(q, time.Minute)
	q.scan()

	got := matches.all()
	if len(got) != 1 {
		t.Fatalf("match notifications after wait = %d, want 1", len(got))
	}
	if got[0].Score <= 0.5 {
		t.Errorf("score %.3f does not exceed threshold", got[0].Score)
	}
	if q.Size() != 0 {
		t.Errorf("waiting = %d, want 0", q.Size())
	}
}

// ============================================================================
// Dequeue
// ============================================================================

func TestDequeueIdempotent(t *testing.T) {
	q, _ := newTestQueue(newFakePairer(), &fakeLive{})

	q.Enqueue(member("u1", "c1", profile.ModeText, "music"))

	if !q.Dequeue("c1") {
		t.Error("first dequeue returned false")
	}
	if q.Dequeue("c1") {
		t.Error("second dequeue returned true")
	}
	if q.Dequeue("never-queued") {
		t.Error("dequeue of unknown conn returned true")
	}
	if q.Size() != 0 {
		t.Errorf("waiting = %d, want 0", q.Size())
	}
}

// ============================================================================
// Stale sweep
// ============================================================================

func TestSweepDropsStaleEntries(t *testing.T) {
	q, _ := newTestQueue(newFakePairer(), &fakeLive{})
	drops := &dropCapture{}
	q.SetDropNotifier(drops.notify)

	stale := member("u1", "c1", profile.ModeText, "music")
	fresh := member("u2", "c2", profile.ModeVideo, "music")
	q.Enqueue(stale)
	q.Enqueue(fresh)

	q.mu.Lock()
	q.waiting["c1"].joinedAt = time.Now().Add(-11 * time.Minute)
	q.mu.Unlock()

	if n := q.sweep(time.Now()); n != 1 {
		t.Fatalf("sweep dropped %d entries, want 1", n)
	}

	drops.mu.Lock()
	reason, notified := drops.drops["c1"]
	_, freshDropped := drops.drops["c2"]
	drops.mu.Unlock()
	if !notified {
		t.Error("stale entry owner was not notified")
	}
	if reason != DropTimeout {
		t.Errorf("drop reason = %q, want %q", reason, DropTimeout)
	}
	if freshDropped {
		t.Error("fresh entry was dropped")
	}
	if q.Size() != 1 {
		t.Errorf("waiting = %d, want 1", q.Size())
	}
}

// ============================================================================
// Session creation failure
// ============================================================================

func TestCreateFailureRequeuesSurvivor(t *testing.T) {
	pairer := newFakePairer()
	live := &fakeLive{}
	q, matches := newTestQueue(pairer, live)

	q.Enqueue(member("u1", "c1", profile.ModeText, "music"))

	// u2 commits against u1 but its connection vanishes before creation.
	pairer.failFor["c2"] = relay.ErrMemberOffline
	live.setOffline("c2")

	_, matched := q.Enqueue(member("u2", "c2", profile.ModeText, "music"))
	if matched {
		t.Fatal("enqueue reported a match despite creation failure")
	}

	if len(matches.all()) != 0 {
		t.Error("match notifier fired for a failed pairing")
	}
	if q.Size() != 1 {
		t.Fatalf("waiting = %d, want 1 (survivor re-enqueued)", q.Size())
	}
	if !q.Dequeue("c1") {
		t.Error("survivor c1 is not back in the queue")
	}
	if q.Dequeue("c2") {
		t.Error("vanished member c2 was re-enqueued")
	}
}

// ============================================================================
// Stats
// ============================================================================

func TestStatsSnapshot(t *testing.T) {
	q, _ := newTestQueue(newFakePairer(), &fakeLive{})

	t1 := member("u1", "c1", profile.ModeText, "music", "art")
	t1.Profile.Gender = "male"
	t1.Profile.GenderPref = "female"
	t2 := member("u2", "c2", profile.ModeText, "music")
	t2.Profile.Gender = "male"
	t2.Profile.GenderPref = "female"
	v1 := member("u3", "c3", profile.ModeVideo, "gaming")

	q.Enqueue(t1)
	q.Enqueue(t2)
	q.Enqueue(v1)

	st := q.Stats()
	if st.Waiting != 3 {
		t.Fatalf("Waiting = %d, want 3", st.Waiting)
	}
	if st.ByMode["text"] != 2 || st.ByMode["video"] != 1 {
		t.Errorf("ByMode = %v, want text:2 video:1", st.ByMode)
	}
	if st.ByTag["music"] != 2 || st.ByTag["art"] != 1 || st.ByTag["gaming"] != 1 {
		t.Errorf("ByTag = %v, want music:2 art:1 gaming:1", st.ByTag)
	}
	if st.AvgWaitMs < 0 {
		t.Errorf("AvgWaitMs = %d, want >= 0", st.AvgWaitMs)
	}
}

// ============================================================================
// Concurrency against the real relay
// ============================================================================

type discardSender struct{}

func (discardSender) Send(string, []byte) error { return nil }

type allOnline struct{}

func (allOnline) IsOnline(string) bool { return true }

type openMod struct{}

func (openMod) Review(_ context.Context, _, text string) (moderation.Verdict, error) {
	return moderation.Verdict{Allowed: true, FilteredText: text}, nil
}

// TestConcurrentEnqueueSingleSessionPerMember hammers the queue with
// concurrent enqueues and scans against the real relay and verifies no
// member ends up in two sessions and no session has a dangling member.
func TestConcurrentEnqueueSingleSessionPerMember(t *testing.T) {
	const n = 40 // even, all mutually compatible

	r := relay.New(discardSender{}, allOnline{}, openMod{})
	q, matches := newTestQueue(r, allOnline{})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(member(fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i), profile.ModeText, "music"))
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.scan()
		}()
	}
	wg.Wait()
	q.scan() // settle any leftovers

	if got := r.ActiveCount(); got != n/2 {
		t.Errorf("active sessions = %d, want %d", got, n/2)
	}
	if q.Size() != 0 {
		t.Errorf("waiting = %d, want 0", q.Size())
	}

	seen := make(map[string]string) // connID -> sessionID
	for _, s := range matches.all() {
		for _, m := range []relay.Member{s.A, s.B} {
			if prev, dup := seen[m.ConnID]; dup {
				t.Fatalf("conn %s appears in sessions %s and %s", m.ConnID, prev, s.ID)
			}
			seen[m.ConnID] = s.ID
		}
		if s.A.ConnID == s.B.ConnID {
			t.Fatalf("session %s paired a connection with itself", s.ID)
		}
	}
	if len(seen) != n {
		t.Errorf("members across sessions = %d, want %d", len(seen), n)
	}

	for i := 0; i < n; i++ {
		if _, ok := r.SessionFor(fmt.Sprintf("c%d", i)); !ok {
			t.Errorf("conn c%d has no session", i)
		}
	}
}

// ============================================================================
// Run loop
// ============================================================================

func TestRunLoopPairsWaitingMembers(t *testing.T) {
	cfg := Config{
		TickInterval:  5 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
		StaleAfter:    10 * time.Minute,
	}
	q := New(cfg, scoring.NewScorer(scoring.DefaultWeights()), newFakePairer(), &fakeLive{})
	matches := &matchCapture{}
	q.SetMatchNotifier(matches.notify)

	a := member("ua", "ca", profile.ModeText)
	a.Profile.Gender = "male"
	a.Profile.GenderPref = "female"
	b := member("ub", "cb", profile.ModeText)
	b.Profile.Gender = "male"
	q.Enqueue(a)
	q.Enqueue(b)
	backdate(q, time.Minute) // lift the pair over the threshold via wait bonus

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(matches.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("run loop did not pair waiting members")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on context cancellation")
	}
}
