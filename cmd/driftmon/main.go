// Command driftmon watches a drift fleet from the outside: it aggregates the
// per-instance gauge hashes that every driftd publishes to Redis and, when
// NATS is configured, tails the presence and match fanout subjects. It is a
// read-only observer for dashboards and shell sessions; nothing it does feeds
// back into matching.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/bridge"
	"github.com/driftchat/drift/internal/messaging"
)

func main() {
	log.Println("starting drift fleet monitor...")

	redisAddr := "localhost:6379"
	if v := os.Getenv("DRIFT_REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	every := 10 * time.Second
	if v := os.Getenv("DRIFT_MON_EVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("driftmon: invalid DRIFT_MON_EVERY %q: %v", v, err)
		}
		every = d
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("driftmon: redis connection failed: %v", err)
	}
	cancel()

	// The event tail is optional; without NATS the monitor is scan-only.
	natsURL := os.Getenv("DRIFT_NATS_URL")
	var natsClient *messaging.NATSClient
	if natsURL != "" {
		cfg := messaging.DefaultNATSConfig()
		cfg.URL = natsURL
		cfg.Name = "drift-mon"

		var err error
		natsClient, err = messaging.NewNATSClient(cfg)
		if err != nil {
			log.Fatalf("driftmon: %v", err)
		}
		if err := tailEvents(natsClient); err != nil {
			log.Fatalf("driftmon: %v", err)
		}
	}

	log.Printf("drift fleet monitor running")
	log.Printf("  redis_addr: %s", redisAddr)
	if natsClient != nil {
		log.Printf("  nats_url:   %s", natsURL)
	} else {
		log.Printf("  nats_url:   (disabled, scan only)")
	}
	log.Printf("  scan_every: %s", every)

	runCtx, stop := context.WithCancel(context.Background())
	go scanLoop(runCtx, rdb, every)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	if natsClient != nil {
		natsClient.Close()
	}
	rdb.Close()
}

// tailEvents logs every presence and match event fanned out by the fleet.
// The monitor subscribes through the messaging client directly; unlike an
// instance it must not filter out any origin.
func tailEvents(nc *messaging.NATSClient) error {
	if err := nc.SubscribePresence(func(data []byte) {
		var ev bridge.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[driftmon] presence event decode: %v", err)
			return
		}
		log.Printf("[driftmon] presence %s user=%s origin=%s tags=%s",
			ev.Kind, ev.UserID, ev.Origin, strings.Join(ev.Tags, ","))
	}); err != nil {
		return err
	}

	return nc.SubscribeMatchCreated(func(data []byte) {
		var ev bridge.MatchEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[driftmon] match event decode: %v", err)
			return
		}
		log.Printf("[driftmon] match session=%s origin=%s mode=%s score=%.2f",
			ev.SessionID, ev.Origin, ev.ChatMode, ev.Score)
	})
}

type instanceStat struct {
	name      string
	online    int
	waiting   int
	sessions  int
	updatedAt time.Time
}

func scanLoop(ctx context.Context, rdb *redis.Client, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	printFleet(ctx, rdb)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printFleet(ctx, rdb)
		}
	}
}

func printFleet(ctx context.Context, rdb *redis.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := fleetSnapshot(ctx, rdb)
	if err != nil {
		log.Printf("[driftmon] fleet scan: %v", err)
		return
	}
	if len(stats) == 0 {
		log.Printf("[driftmon] fleet: no live instances")
		return
	}

	var online, waiting, sessions int
	for _, st := range stats {
		online += st.online
		waiting += st.waiting
		sessions += st.sessions
	}
	log.Printf("[driftmon] fleet: %d instance(s) online=%d waiting=%d sessions=%d",
		len(stats), online, waiting, sessions)
	for _, st := range stats {
		log.Printf("[driftmon]   %-20s online=%-5d waiting=%-5d sessions=%-5d updated %s ago",
			st.name, st.online, st.waiting, st.sessions, time.Since(st.updatedAt).Round(time.Second))
	}
}

// fleetSnapshot reads every instance gauge hash. Hashes expire on their own
// when an instance stops publishing, so whatever the scan returns is recent.
func fleetSnapshot(ctx context.Context, rdb *redis.Client) ([]instanceStat, error) {
	var (
		stats  []instanceStat
		cursor uint64
	)
	for {
		keys, next, err := rdb.Scan(ctx, cursor, bridge.InstancePrefix+"*", 64).Result()
		if err != nil {
			return nil, fmt.Errorf("scan instances: %w", err)
		}
		for _, key := range keys {
			fields, err := rdb.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				// Expired between the scan and the read.
				continue
			}
			stats = append(stats, instanceStat{
				name:      strings.TrimPrefix(key, bridge.InstancePrefix),
				online:    atoiField(fields, "online"),
				waiting:   atoiField(fields, "waiting"),
				sessions:  atoiField(fields, "sessions"),
				updatedAt: time.Unix(int64(atoiField(fields, "updated_at")), 0),
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].name < stats[j].name })
	return stats, nil
}

func atoiField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}
