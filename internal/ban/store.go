// Package ban applies temporary connection bans to abusive client addresses.
// Bans live in Redis as plain keys with TTL expiry, so they hold across
// instances and lift themselves:
//
//	Key:   ban:<addr>      Value: <reason>   TTL: ban duration
//	Key:   reports:<addr>  Value: counter    TTL: 24h window
//
// Participants are anonymous and their ids die with the connection, so the
// network address is the only handle that outlives a reconnect. Without a
// Redis client the store is a permanent no-op; Redis errors fail open, since
// a lost backend must never lock everyone out.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for per-address report counters.
	ReportsPrefix = "reports:"

	// Ban tiers. Repeat offenders within the counter window climb the
	// ladder; there are no permanent bans.
	Ban15Min  = 15 * time.Minute
	Ban1Hour  = 1 * time.Hour
	Ban24Hour = 24 * time.Hour

	// ReportsTTL is how long the report counter lives. After 24h without
	// new reports the counter expires and the ladder resets.
	ReportsTTL = 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3
)

// Store manages ban records in Redis. A nil client disables it entirely.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store on the given Redis client, which may be nil.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned reports whether addr is currently banned, with the remaining ban
// time and the recorded reason. Backend errors are returned so the caller can
// apply its own policy; the recommended policy is to let the client through.
func (s *Store) IsBanned(ctx context.Context, addr string) (bool, time.Duration, string, error) {
	if s.client == nil {
		return false, 0, "", nil
	}
	key := BanPrefix + addr

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// The ban exists but the TTL is unreadable. Report it with zero
		// remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	return true, ttl, reason, nil
}

// Ban bans addr for the given duration. The ban expires on its own.
func (s *Store) Ban(ctx context.Context, addr string, duration time.Duration, reason string) error {
	if s.client == nil {
		return nil
	}
	return s.client.Set(ctx, BanPrefix+addr, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, addr string) error {
	if s.client == nil {
		return nil
	}
	return s.client.Del(ctx, BanPrefix+addr).Err()
}

// ReportCount returns the current report counter for addr. Zero means no
// reports inside the window.
func (s *Store) ReportCount(ctx context.Context, addr string) (int, error) {
	if s.client == nil {
		return 0, nil
	}
	val, err := s.client.Get(ctx, ReportsPrefix+addr).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// ReportAndCheck counts one report against addr and applies an automatic ban
// once the threshold is reached. The ban duration climbs with the counter:
//
//	counter <= 1 -> 15 minutes
//	counter == 2 -> 1 hour
//	counter >= 3 -> 24 hours
//
// The counter window is fixed at 24h from the first report, so the ladder
// resets for addresses that stay clean. Returns whether a ban was applied
// and for how long.
func (s *Store) ReportAndCheck(ctx context.Context, addr string) (bool, time.Duration, error) {
	if s.client == nil {
		return false, 0, nil
	}
	key := ReportsPrefix + addr

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}

	// Set the TTL only on the first report so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}

	if count < AutoBanThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, addr, duration, "multiple_reports"); err != nil {
		return false, 0, fmt.Errorf("ban: report ban: %w", err)
	}
	return true, duration, nil
}

// escalationDuration maps a report count to a ban duration.
func escalationDuration(count int) time.Duration {
	switch {
	case count <= 1:
		return Ban15Min
	case count == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}
