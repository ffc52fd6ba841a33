package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/driftchat/drift/internal/audit"
	"github.com/driftchat/drift/internal/ban"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/ws"
)

// newRouter builds the HTTP surface that lives next to the WebSocket
// endpoint: health, metrics and the read-only v1 API.
func newRouter(server *ws.Server, registry *presence.Registry, q *queue.Queue, rly *relay.Relay, auditStore *audit.Store, bans *ban.Store, limiter *ratelimit.Limiter, connRule ratelimit.Rule) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", connGuarded(bans, limiter, connRule, server.HandleUpgrade)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", server.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		st := q.Stats()
		st.Sessions = rly.ActiveCount()
		writeJSON(w, http.StatusOK, struct {
			Online int `json:"online"`
			queue.Stats
		}{Online: registry.Count(), Stats: st})
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/online", func(w http.ResponseWriter, req *http.Request) {
		recs := registry.List(presence.Filter{
			Tag:     strings.ToLower(req.URL.Query().Get("tag")),
			Country: strings.ToLower(req.URL.Query().Get("country")),
		})
		writeJSON(w, http.StatusOK, struct {
			Count int            `json:"count"`
			Users []presenceView `json:"users"`
		}{Count: len(recs), Users: viewsOf(recs)})
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/report", func(w http.ResponseWriter, req *http.Request) {
		if auditStore == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "reporting is not enabled")
			return
		}

		var body struct {
			SessionID string `json:"session_id"`
			Reporter  string `json:"reporter"`
			Reason    string `json:"reason"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.SessionID == "" || body.Reporter == "" {
			writeJSONError(w, http.StatusBadRequest, "session_id and reporter are required")
			return
		}

		// Evidence only exists while the session is live; reports on
		// ended sessions still flag the audit row.
		evidence := rly.Evidence(body.SessionID)
		err := auditStore.Flag(req.Context(), body.SessionID, body.Reporter, body.Reason, evidence)
		switch {
		case errors.Is(err, audit.ErrInvalidReason):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, audit.ErrUnknownSession):
			writeJSONError(w, http.StatusNotFound, "unknown session")
		case err != nil:
			log.Printf("[driftd] flag session %s: %v", body.SessionID, err)
			writeJSONError(w, http.StatusInternalServerError, "report could not be stored")
		default:
			escalateReport(req.Context(), server, rly, bans, body.SessionID, body.Reporter)
			writeJSON(w, http.StatusOK, map[string]string{"status": "flagged"})
		}
	}).Methods(http.MethodPost)

	return r
}

// connGuarded rejects banned addresses and enforces the per-IP connection
// rule before the upgrade is attempted. Ban lookups fail open: an unreachable
// backend must not take the whole service down with it.
func connGuarded(bans *ban.Store, limiter *ratelimit.Limiter, rule ratelimit.Rule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		banned, remaining, reason, err := bans.IsBanned(r.Context(), ip)
		if err != nil {
			log.Printf("[driftd] ban check for %s: %v", ip, err)
		}
		if banned {
			log.Printf("[driftd] rejected banned addr=%s reason=%s remaining=%s", ip, reason, remaining)
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(remaining)))
			http.Error(w, "temporarily banned", http.StatusForbidden)
			return
		}

		allowed, err := limiter.Allow(r.Context(), ip, rule)
		if err != nil {
			log.Printf("[driftd] connect rate limit check: %v", err)
		}
		if !allowed {
			retry := limiter.RetryAfter(r.Context(), ip, rule)
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retry)))
			http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// escalateReport counts the report against the reported peer's address and
// drops their connection once the auto-ban threshold trips. Only live
// sessions can be escalated; reports on ended sessions still flag the audit
// row but leave no peer to act on.
func escalateReport(ctx context.Context, server *ws.Server, rly *relay.Relay, bans *ban.Store, sessionID, reporter string) {
	s, ok := rly.Get(sessionID)
	if !ok {
		return
	}

	var reported relay.Member
	switch reporter {
	case s.A.Profile.UserID:
		reported = s.B
	case s.B.Profile.UserID:
		reported = s.A
	default:
		// Reporter is not a participant; the flag stands but carries no
		// weight against either peer.
		return
	}

	conn := server.Connections().Get(reported.ConnID)
	if conn == nil {
		return
	}
	addr := conn.Conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	banned, d, err := bans.ReportAndCheck(ctx, addr)
	if err != nil {
		log.Printf("[driftd] report count for %s: %v", addr, err)
		return
	}
	if banned {
		log.Printf("[driftd] banned addr=%s for %s after repeated reports, dropping conn=%s", addr, d, reported.ConnID)
		server.RemoveConnection(conn)
	}
}

// clientIP prefers X-Forwarded-For, set by a fronting load balancer, and
// falls back to the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// presenceView is the peer-visible slice of a presence record. Connection
// ids stay server-side.
type presenceView struct {
	UserID       string   `json:"user_id"`
	Name         string   `json:"name,omitempty"`
	Avatar       string   `json:"avatar,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Country      string   `json:"country,omitempty"`
	JoinedAt     int64    `json:"joined_at,omitempty"`
	LastActivity int64    `json:"last_activity,omitempty"`
}

func viewOf(rec presence.Record) presenceView {
	return presenceView{
		UserID:       rec.UserID,
		Name:         rec.Meta.Name,
		Avatar:       rec.Meta.Avatar,
		Tags:         rec.Meta.Tags,
		Country:      rec.Meta.Country,
		JoinedAt:     rec.JoinedAt.UnixMilli(),
		LastActivity: rec.LastActivity.UnixMilli(),
	}
}

func viewsOf(recs []presence.Record) []presenceView {
	views := make([]presenceView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[driftd] write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
