// Package main implements a standalone end-to-end integration test for the
// Drift pairing service. It validates the full user journey against a running
// Docker Compose stack: health checks, the register handshake, queue matching,
// message relay, leaving, skipping, WebRTC signaling relay, rate limiting, and
// content filtering.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 120s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/driftchat/drift/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 120*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Drift E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2RegisterHandshake(ctx, *wsURL))

	// Scenarios 3-5 share a matched pair; run them as a group.
	s3, s4, s5 := scenario345MatchChatLeave(ctx, *wsURL)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6SkipChat(ctx, *wsURL))
	results = append(results, scenario7Signaling(ctx, *wsURL))

	// Optional scenarios (non-fatal).
	results = append(results, scenario8RateLimiting(ctx, *wsURL))
	results = append(results, scenario9ContentFiltering(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /healthz
	if err := httpGetExpectOK(ctx, apiBase+"/healthz"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/healthz: %v", err)}
	}

	// 1b. /v1/online — expect JSON with "count" field.
	body, err := httpGetBody(ctx, apiBase+"/v1/online")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/v1/online: %v", err)}
	}
	var onlineResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &onlineResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/v1/online JSON parse: %v", err)}
	}

	// 1c. /metrics — expect Prometheus text with drift_connections_total.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "drift_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing drift_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online=%d", onlineResp.Count)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Register Handshake
// ---------------------------------------------------------------------------

func scenario2RegisterHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Register Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	if err := clientA.Register("e2e-a", nil, "text"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A register: %v", err)}
	}
	if err := clientB.Register("e2e-b", nil, "text"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B register: %v", err)}
	}

	if err := clientA.WaitForRegistered(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A registered: %v", err)}
	}
	if err := clientB.WaitForRegistered(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B registered: %v", err)}
	}

	uidA := clientA.UserID()
	uidB := clientB.UserID()
	if uidA == "" || uidB == "" {
		return scenarioResult{name, resultFail, "empty user ID"}
	}
	if uidA == uidB {
		return scenarioResult{name, resultFail, fmt.Sprintf("duplicate user ID %s", truncateID(uidA))}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("user_a=%s, user_b=%s", truncateID(uidA), truncateID(uidB))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Matching Flow, Chat Messages, Leave Chat
// ---------------------------------------------------------------------------

func scenario345MatchChatLeave(ctx context.Context, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Matching Flow"
	s4Name := "Scenario 4: Chat Messages"
	s5Name := "Scenario 5: Leave Chat"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: matching failed"},
			scenarioResult{s5Name, resultFail, "skipped: matching failed"}
	}

	// --- Connect and register two clients with shared interests ---
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	interests := []string{"music", "gaming"}

	clientA, err := client.New(connCtx, wsURL)
	if err != nil {
		return failAll(fmt.Sprintf("client A connect: %v", err))
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL)
	if err != nil {
		return failAll(fmt.Sprintf("client B connect: %v", err))
	}
	defer clientB.Close()

	if err := clientA.Register("e2e-match-a", interests, "text"); err != nil {
		return failAll(fmt.Sprintf("client A register: %v", err))
	}
	if err := clientB.Register("e2e-match-b", interests, "text"); err != nil {
		return failAll(fmt.Sprintf("client B register: %v", err))
	}
	if err := clientA.WaitForRegistered(connCtx); err != nil {
		return failAll(fmt.Sprintf("client A registered: %v", err))
	}
	if err := clientB.WaitForRegistered(connCtx); err != nil {
		return failAll(fmt.Sprintf("client B registered: %v", err))
	}

	// --- Scenario 3: Matching ---
	type matchInfo struct {
		sessionID string
		shared    []string
	}
	matchFoundA := make(chan matchInfo, 1)
	matchFoundB := make(chan matchInfo, 1)

	onMatch := func(ch chan matchInfo) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				SessionID       string   `json:"session_id"`
				SharedInterests []string `json:"shared_interests"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.SessionID != "" {
				select {
				case ch <- matchInfo{msg.SessionID, msg.SharedInterests}:
				default:
				}
			}
		}
	}
	clientA.On(client.TypeMatchFound, onMatch(matchFoundA))
	clientB.On(client.TypeMatchFound, onMatch(matchFoundB))

	matchStart := time.Now()

	// Both join the queue.
	if err := clientA.Send(map[string]string{"type": client.TypeJoinQueue}); err != nil {
		return failAll(fmt.Sprintf("client A join_queue: %v", err))
	}
	if err := clientB.Send(map[string]string{"type": client.TypeJoinQueue}); err != nil {
		return failAll(fmt.Sprintf("client B join_queue: %v", err))
	}

	// Wait for match-found on both (30s timeout). There is no accept step:
	// the session is live as soon as match-found arrives.
	matchCtx, matchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer matchCancel()

	var matchA, matchB matchInfo

	select {
	case matchA = <-matchFoundA:
	case <-matchCtx.Done():
		return failAll("timeout waiting for match-found on client A")
	}

	select {
	case matchB = <-matchFoundB:
	case <-matchCtx.Done():
		return failAll("timeout waiting for match-found on client B")
	}

	if matchA.sessionID != matchB.sessionID {
		return failAll(fmt.Sprintf("session mismatch: a=%s b=%s",
			truncateID(matchA.sessionID), truncateID(matchB.sessionID)))
	}
	if len(matchA.shared) == 0 {
		return failAll("match-found carried no shared interests despite identical tags")
	}

	sessionID := matchA.sessionID
	matchDuration := time.Since(matchStart)
	s3Result := scenarioResult{s3Name, resultPass,
		fmt.Sprintf("session=%s, shared=%v, match_time=%s",
			truncateID(sessionID), matchA.shared, matchDuration.Round(time.Millisecond))}

	// --- Scenario 4: Chat Messages ---
	type recvMsg struct {
		from string
		text string
	}
	recvA := make(chan recvMsg, 1) // messages arriving at A
	recvB := make(chan recvMsg, 1) // messages arriving at B

	onRecv := func(ch chan recvMsg) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				From string `json:"from"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil {
				select {
				case ch <- recvMsg{msg.From, msg.Text}:
				default:
				}
			}
		}
	}
	clientA.On(client.TypeReceiveMessage, onRecv(recvA))
	clientB.On(client.TypeReceiveMessage, onRecv(recvB))

	chatCtx, chatCancel := context.WithTimeout(ctx, 10*time.Second)
	defer chatCancel()

	failChat := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return s3Result,
			scenarioResult{s4Name, resultFail, reason},
			scenarioResult{s5Name, resultFail, "skipped: chat failed"}
	}

	// Client A sends a message.
	textA := "Hello from A"
	if err := clientA.Send(map[string]string{
		"type":       client.TypeMessage,
		"session_id": sessionID,
		"text":       textA,
	}); err != nil {
		return failChat(fmt.Sprintf("client A send message: %v", err))
	}

	// Client B should receive it, attributed to A.
	var gotB recvMsg
	select {
	case gotB = <-recvB:
	case <-chatCtx.Done():
		return failChat("timeout: client B did not receive message from A")
	}
	if gotB.text != textA {
		return failChat(fmt.Sprintf("content mismatch: expected %q, got %q", textA, gotB.text))
	}
	if gotB.from != clientA.UserID() {
		return failChat(fmt.Sprintf("sender mismatch: expected %s, got %s",
			truncateID(clientA.UserID()), truncateID(gotB.from)))
	}

	// Client B sends a reply.
	textB := "Hello from B"
	if err := clientB.Send(map[string]string{
		"type":       client.TypeMessage,
		"session_id": sessionID,
		"text":       textB,
	}); err != nil {
		return failChat(fmt.Sprintf("client B send message: %v", err))
	}

	// Client A should receive it.
	var gotA recvMsg
	select {
	case gotA = <-recvA:
	case <-chatCtx.Done():
		return failChat("timeout: client A did not receive message from B")
	}
	if gotA.text != textB {
		return failChat(fmt.Sprintf("content mismatch: expected %q, got %q", textB, gotA.text))
	}
	if gotA.from != clientB.UserID() {
		return failChat(fmt.Sprintf("sender mismatch: expected %s, got %s",
			truncateID(clientB.UserID()), truncateID(gotA.from)))
	}

	s4Result := scenarioResult{s4Name, resultPass, "2 messages exchanged"}

	// --- Scenario 5: Leave Chat ---
	endedB := make(chan string, 1) // carries the reason

	clientB.On(client.TypeStrangerDisconnected, func(raw json.RawMessage) {
		var msg struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case endedB <- msg.Reason:
		default:
		}
	})

	endCtx, endCancel := context.WithTimeout(ctx, 10*time.Second)
	defer endCancel()

	// Client A leaves the session.
	if err := clientA.Send(map[string]string{
		"type":       client.TypeLeaveChat,
		"session_id": sessionID,
	}); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A leave_chat: %v", err)}
	}

	// Client B should receive stranger-disconnected with reason peer_left.
	select {
	case reason := <-endedB:
		if reason != "peer_left" {
			return s3Result, s4Result,
				scenarioResult{s5Name, resultFail, fmt.Sprintf("expected reason peer_left, got %q", reason)}
		}
	case <-endCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: client B did not receive stranger-disconnected"}
	}

	// Close connections cleanly.
	clientA.Close()
	clientB.Close()

	s5Result := scenarioResult{s5Name, resultPass, "reason=peer_left"}
	return s3Result, s4Result, s5Result
}

// ---------------------------------------------------------------------------
// Scenario 6: Skip Chat
// ---------------------------------------------------------------------------

func scenario6SkipChat(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Skip Chat"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	clientA, clientB, sessionID, err := connectAndMatch(scenarioCtx, wsURL, "e2e-skip", "text", nil)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()
	defer clientB.Close()

	// A skipping should requeue A and end the session for B with reason
	// peer_skipped.
	findingA := make(chan struct{}, 1)
	clientA.On(client.TypeFindingNewMatch, func(_ json.RawMessage) {
		select {
		case findingA <- struct{}{}:
		default:
		}
	})

	endedB := make(chan string, 1)
	clientB.On(client.TypeStrangerDisconnected, func(raw json.RawMessage) {
		var msg struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case endedB <- msg.Reason:
		default:
		}
	})

	if err := clientA.Send(map[string]string{
		"type":       client.TypeSkipChat,
		"session_id": sessionID,
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A skip_chat: %v", err)}
	}

	skipCtx, skipCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer skipCancel()

	select {
	case <-findingA:
	case <-skipCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client A did not receive finding-new-match"}
	}

	select {
	case reason := <-endedB:
		if reason != "peer_skipped" {
			return scenarioResult{name, resultFail, fmt.Sprintf("expected reason peer_skipped, got %q", reason)}
		}
	case <-skipCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client B did not receive stranger-disconnected"}
	}

	return scenarioResult{name, resultPass, "skipper requeued, peer notified"}
}

// ---------------------------------------------------------------------------
// Scenario 7: WebRTC Signaling Relay
// ---------------------------------------------------------------------------

func scenario7Signaling(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 7: WebRTC Signaling Relay"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	// Signaling requires a video-mode pair.
	clientA, clientB, sessionID, err := connectAndMatch(scenarioCtx, wsURL, "e2e-video", "video", nil)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()
	defer clientB.Close()

	// B listens for the relayed offer. The relayed type is the signal kind
	// itself.
	type offer struct {
		from string
		data string
	}
	offerB := make(chan offer, 1)
	clientB.On("webrtc-offer", func(raw json.RawMessage) {
		var msg struct {
			From string          `json:"from"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case offerB <- offer{msg.From, string(msg.Data)}:
			default:
			}
		}
	})

	sdp := `{"sdp":"v=0 e2e-test-offer","type":"offer"}`
	if err := clientA.Send(map[string]interface{}{
		"type":       client.TypeSignaling,
		"session_id": sessionID,
		"signal":     "webrtc-offer",
		"data":       json.RawMessage(sdp),
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A signaling: %v", err)}
	}

	sigCtx, sigCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer sigCancel()

	select {
	case got := <-offerB:
		if got.from != clientA.UserID() {
			return scenarioResult{name, resultFail, fmt.Sprintf("offer from %s, expected %s",
				truncateID(got.from), truncateID(clientA.UserID()))}
		}
		if got.data != sdp {
			return scenarioResult{name, resultFail, fmt.Sprintf("offer data altered: %s", got.data)}
		}
	case <-sigCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client B did not receive webrtc-offer"}
	}

	return scenarioResult{name, resultPass, "offer relayed with sender and payload intact"}
}

// ---------------------------------------------------------------------------
// Scenario 8: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario8RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 8: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	clientA, clientB, sessionID, err := connectAndMatch(scenarioCtx, wsURL, "e2e-rate", "text", nil)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()
	defer clientB.Close()

	// Listen for rate-limited on client A.
	rateLimited := make(chan struct{}, 1)
	clientA.On(client.TypeRateLimited, func(_ json.RawMessage) {
		select {
		case rateLimited <- struct{}{}:
		default:
		}
	})

	// Send 10 messages rapidly from client A (default limit is 5 per 10s).
	sentCount := 0
	for i := 0; i < 10; i++ {
		err := clientA.Send(map[string]string{
			"type":       client.TypeMessage,
			"session_id": sessionID,
			"text":       fmt.Sprintf("rapid message %d", i+1),
		})
		if err != nil {
			break
		}
		sentCount++
	}

	// Wait briefly for the rate-limited response.
	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate-limited received after %d messages", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate-limited received after %d messages (limit may be raised)", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Scenario 9: Content Filtering (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario9ContentFiltering(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 9: Content Filtering"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	clientA, clientB, sessionID, err := connectAndMatch(scenarioCtx, wsURL, "e2e-filter", "text", nil)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()
	defer clientB.Close()

	// Listen for message-blocked on client A.
	blocked := make(chan string, 1)
	clientA.On(client.TypeMessageBlocked, func(raw json.RawMessage) {
		var msg struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case blocked <- msg.Reason:
		default:
		}
	})

	// Send a message containing a phrase from the default blocklist.
	blockedText := "hey you should kill yourself"
	if err := clientA.Send(map[string]string{
		"type":       client.TypeMessage,
		"session_id": sessionID,
		"text":       blockedText,
	}); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("send failed: %v", err)}
	}

	// Wait for the message-blocked response.
	filterCtx, filterCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer filterCancel()

	select {
	case reason := <-blocked:
		return scenarioResult{name, resultInfo, fmt.Sprintf("message-blocked, reason=%s", reason)}
	case <-filterCtx.Done():
		return scenarioResult{name, resultInfo, "no message-blocked received (blocklist may be customised)"}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connectAndMatch creates two clients, registers them with the given chat
// mode and interests, queues both, and waits until they are matched with each
// other. Caller is responsible for closing the clients.
func connectAndMatch(ctx context.Context, wsURL, namePrefix, chatMode string, interests []string) (clientA, clientB *client.Client, sessionID string, err error) {
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err = client.New(connCtx, wsURL)
	if err != nil {
		return nil, nil, "", fmt.Errorf("client A connect: %w", err)
	}

	clientB, err = client.New(connCtx, wsURL)
	if err != nil {
		clientA.Close()
		return nil, nil, "", fmt.Errorf("client B connect: %w", err)
	}

	fail := func(err error) (*client.Client, *client.Client, string, error) {
		clientA.Close()
		clientB.Close()
		return nil, nil, "", err
	}

	if err := clientA.Register(namePrefix+"-a", interests, chatMode); err != nil {
		return fail(fmt.Errorf("client A register: %w", err))
	}
	if err := clientB.Register(namePrefix+"-b", interests, chatMode); err != nil {
		return fail(fmt.Errorf("client B register: %w", err))
	}
	if err := clientA.WaitForRegistered(connCtx); err != nil {
		return fail(fmt.Errorf("client A registered: %w", err))
	}
	if err := clientB.WaitForRegistered(connCtx); err != nil {
		return fail(fmt.Errorf("client B registered: %w", err))
	}

	// Set up match handlers.
	matchFoundA := make(chan string, 1)
	matchFoundB := make(chan string, 1)

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
	clientA.On(client.TypeMatchFound, onMatch(matchFoundA))
	clientB.On(client.TypeMatchFound, onMatch(matchFoundB))

	// Both join the queue.
	joinMsg := map[string]interface{}{
		"type": client.TypeJoinQueue,
	}
	if chatMode != "" {
		joinMsg["chat_mode"] = chatMode
	}
	if err := clientA.Send(joinMsg); err != nil {
		return fail(fmt.Errorf("client A join_queue: %w", err))
	}
	if err := clientB.Send(joinMsg); err != nil {
		return fail(fmt.Errorf("client B join_queue: %w", err))
	}

	// Wait for match-found on both.
	matchCtx, matchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer matchCancel()

	var sessionA, sessionB string

	select {
	case sessionA = <-matchFoundA:
	case <-matchCtx.Done():
		return fail(fmt.Errorf("timeout waiting for match-found on client A"))
	}

	select {
	case sessionB = <-matchFoundB:
	case <-matchCtx.Done():
		return fail(fmt.Errorf("timeout waiting for match-found on client B"))
	}

	if sessionA != sessionB {
		return fail(fmt.Errorf("clients matched into different sessions (%s, %s); is the stack busy?",
			truncateID(sessionA), truncateID(sessionB)))
	}

	return clientA, clientB, sessionA, nil
}

// httpGetExpectOK performs an HTTP GET and checks for a 200 status code.
func httpGetExpectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
