package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/driftchat/drift/loadtest/client"
	"github.com/driftchat/drift/loadtest/stats"
)

// pairResult tracks the outcome of a single chat pair's lifecycle.
type pairResult struct {
	matched      bool
	aligned      bool // both clients landed in the same session
	chatStarted  bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
	matchLatency time.Duration
}

// runChat implements the full conversation lifecycle load test. Each
// simulated user pair goes through the complete flow: connect -> register ->
// join_queue -> match-found -> exchange messages -> leave_chat. This test
// measures end-to-end latency and throughput for the entire chat experience.
//
// Pairs queue with a tag unique to the pair, which biases the scorer toward
// matching the two together. Under heavy concurrency some clients still pair
// across test pairs; the test tolerates that and reports alignment
// separately.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs for full chat lifecycle")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match-found")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)
	fmt.Println("Note: the server allows 5 messages per 10s per connection by default;")
	fmt.Println("raise DRIFT_MSG_RATE_LIMIT when testing with short message intervals.")

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	// Track whether ramp-up was interrupted so we can skip later phases.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and register all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			n := launched
			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.Register(fmt.Sprintf("chat-%d", n), nil, "text"); err != nil {
					collector.AddError()
					c.Close()
					return
				}
				if err := c.WaitForRegistered(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// We need an even number of clients to form pairs. Drop any extra.
	mu.Lock()
	if len(clients)%2 != 0 {
		extra := clients[len(clients)-1]
		clients = clients[:len(clients)-1]
		extra.Close()
	}
	actualPairs := len(clients) / 2
	mu.Unlock()

	if actualPairs == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 + 3 + 4 — Match, Chat, Leave (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-4: Running %d chat pairs ---\n", actualPairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, actualPairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Message payload padding, reused by all pairs. Senders prepend their
	// send time so receivers can compute relay latency.
	padding := strings.Repeat("abcdefgh", (*msgSize/8)+1)

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, actualPairs, sent, recv, errs)
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	mu.Lock()
	pairedClients := make([]*client.Client, len(clients))
	copy(pairedClients, clients)
	mu.Unlock()

	for i := 0; i < actualPairs; i++ {
		i := i // capture loop variable
		c1 := pairedClients[i*2]
		c2 := pairedClients[i*2+1]

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger join_queue sends by 100ms between pairs so each
			// pair's second join usually finds its own partner waiting.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, i, c1, c2, *chatDuration, *msgInterval, *matchTimeout,
				padding[:*msgSize], collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulChats int
	var alignedPairs int
	var totalSent, totalRecv int64
	var totalMatchLatency time.Duration
	matchedCount := 0

	for _, r := range results {
		if r.endedCleanly {
			successfulChats++
		}
		if r.aligned {
			alignedPairs++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.matched {
			matchedCount++
			totalMatchLatency += r.matchLatency
		}
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Successful chats:  %d / %d\n", successfulChats, actualPairs)
	fmt.Printf("Pairs matched:     %d / %d\n", matchedCount, actualPairs)
	fmt.Printf("Pairs aligned:     %d / %d\n", alignedPairs, matchedCount)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if matchedCount > 0 {
		avgMatch := totalMatchLatency / time.Duration(matchedCount)
		fmt.Printf("Avg match latency: %s\n", avgMatch.Round(time.Millisecond))
	}
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runPair executes the full chat lifecycle for a pair of clients:
// join_queue -> match-found -> exchange messages -> leave_chat.
// It returns after the chat ends or the context is cancelled.
func runPair(
	ctx context.Context,
	pairID int,
	c1, c2 *client.Client,
	chatDuration, msgInterval, matchTimeout time.Duration,
	padding string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Phase 2: Matching ---

	// Channels to coordinate the matching flow. Carries session_id.
	c1MatchFound := make(chan string, 1)
	c2MatchFound := make(chan string, 1)

	// Channels for stranger-disconnected notification.
	c1Ended := make(chan struct{}, 1)
	c2Ended := make(chan struct{}, 1)

	onMatch := func(ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.SessionID != "" {
				select {
				case ch <- msg.SessionID:
				default:
				}
			}
		}
	}
	c1.On(client.TypeMatchFound, onMatch(c1MatchFound))
	c2.On(client.TypeMatchFound, onMatch(c2MatchFound))

	// Receive handlers count delivered messages and recover the send time
	// the sender embedded in the payload.
	var c1Recv, c2Recv atomic.Int64
	onRecv := func(count *atomic.Int64) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			count.Add(1)
			totalMsgRecv.Add(1)
			if sep := strings.IndexByte(msg.Text, ':'); sep > 0 {
				if nanos, err := strconv.ParseInt(msg.Text[:sep], 10, 64); err == nil {
					collector.AddMsgLatency(time.Since(time.Unix(0, nanos)))
				}
			}
		}
	}
	c1.On(client.TypeReceiveMessage, onRecv(&c1Recv))
	c2.On(client.TypeReceiveMessage, onRecv(&c2Recv))

	onEnded := func(ch chan struct{}) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeStrangerDisconnected, onEnded(c1Ended))
	c2.On(client.TypeStrangerDisconnected, onEnded(c2Ended))

	// Both join the queue with a tag unique to this pair. The shared tag
	// outscores every bare profile in the queue, so whichever of the two
	// joins second picks its partner over anyone else waiting.
	matchStart := time.Now()
	pairTag := []string{fmt.Sprintf("pair-%d", pairID)}

	joinMsg := map[string]interface{}{
		"type":      client.TypeJoinQueue,
		"interests": pairTag,
	}
	if err := c1.Send(joinMsg); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Send(joinMsg); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for match-found on both clients.
	matchCtx, matchCancel := context.WithTimeout(ctx, matchTimeout)
	defer matchCancel()

	var session1, session2 string

	select {
	case session1 = <-c1MatchFound:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case session2 = <-c2MatchFound:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	result.matched = true
	result.aligned = session1 == session2
	result.matchLatency = time.Since(matchStart)
	collector.AddMatchLatency(result.matchLatency)

	// --- Phase 3: Chat ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)
	result.chatStarted = true

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	var chatWg sync.WaitGroup
	chatWg.Add(2)

	// Each client sends messages on its own ticker, into whichever session
	// it actually landed in. The payload carries the send time in front of
	// the padding.
	var c1Sent, c2Sent atomic.Int64
	sender := func(c *client.Client, session string, sent *atomic.Int64) {
		defer chatWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				text := strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + padding
				if err := c.Send(map[string]string{
					"type":       client.TypeMessage,
					"session_id": session,
					"text":       text,
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				sent.Add(1)
			}
		}
	}

	go sender(c1, session1, &c1Sent)
	go sender(c2, session2, &c2Sent)

	// Wait for the chat duration to expire.
	chatWg.Wait()
	result.msgSent = c1Sent.Load() + c2Sent.Load()

	// --- Phase 4: Leave Chat ---

	// c1 leaves; its partner receives stranger-disconnected. When the pair
	// is aligned that partner is c2. When it is not, c2's notice comes from
	// its own partner's leave, which every pair performs at about the same
	// time.
	if err := c1.Send(map[string]string{
		"type":       client.TypeLeaveChat,
		"session_id": session1,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-c2Ended:
		result.endedCleanly = true
	case <-c1Ended:
		// c1 got the notice instead — its partner left first. The session
		// is over either way.
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}

	// Make sure c2's session is torn down too when the pair was not
	// aligned. Leaving an already-ended session is a no-op.
	_ = c2.Send(map[string]string{
		"type":       client.TypeLeaveChat,
		"session_id": session2,
	})

	result.msgRecv = c1Recv.Load() + c2Recv.Load()
}
