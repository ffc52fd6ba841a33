// Package config defines the process configuration and its layered loading:
// defaults, then an optional YAML file, then DRIFT_-prefixed environment
// variables. Every tunable the components expose is a key here; in
// particular the scoring model is configuration, not constants.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/driftchat/drift/internal/audit"
	"github.com/driftchat/drift/internal/presence"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/scoring"
	"github.com/driftchat/drift/internal/ws"
)

// Config contains the full process configuration. Keys are flat so that
// DRIFT_QUEUE_TICK style environment variables map onto them directly.
type Config struct {
	// Instance names this process in bridge events and mirror keys.
	Instance string `koanf:"instance"`

	// Addr is the listen address serving both WebSocket and HTTP.
	Addr string `koanf:"addr"`

	// Transport.
	WorkerCount    int           `koanf:"worker_count"`
	MaxConns       int           `koanf:"max_conns"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	PongTimeout    time.Duration `koanf:"pong_timeout"`
	AllowedOrigins []string      `koanf:"allowed_origins"`

	// Presence registry.
	PresenceSweep time.Duration `koanf:"presence_sweep"`
	PresenceIdle  time.Duration `koanf:"presence_idle"`
	ActivityEcho  time.Duration `koanf:"activity_echo"`

	// Match queue.
	QueueTick  time.Duration `koanf:"queue_tick"`
	QueueSweep time.Duration `koanf:"queue_sweep"`
	QueueStale time.Duration `koanf:"queue_stale"`

	// Scoring model.
	ScoreChatMode       float64 `koanf:"score_chat_mode"`
	ScoreGenderMatch    float64 `koanf:"score_gender_match"`
	ScoreGenderPenalty  float64 `koanf:"score_gender_penalty"`
	ScoreCountryMatch   float64 `koanf:"score_country_match"`
	ScoreCountryPenalty float64 `koanf:"score_country_penalty"`
	ScoreInterestPoint  float64 `koanf:"score_interest_point"`
	ScoreInterestCap    int     `koanf:"score_interest_cap"`
	ScoreTimezoneBonus  float64 `koanf:"score_timezone_bonus"`
	ScoreLanguageBonus  float64 `koanf:"score_language_bonus"`
	ScoreVerifiedBonus  float64 `koanf:"score_verified_bonus"`
	ScoreWaitPerSecond  float64 `koanf:"score_wait_per_second"`
	ScoreWaitCap        float64 `koanf:"score_wait_cap"`
	ScoreThreshold      float64 `koanf:"score_threshold"`

	// Cross-instance bridge. Empty addresses leave the bridge disabled.
	RedisAddr         string        `koanf:"redis_addr"`
	NATSURL           string        `koanf:"nats_url"`
	StatsPublishEvery time.Duration `koanf:"stats_publish_every"`

	// Session audit store. Empty DSN leaves it disabled.
	PostgresDSN           string        `koanf:"postgres_dsn"`
	MigrationsDir         string        `koanf:"migrations_dir"`
	AuditRetention        time.Duration `koanf:"audit_retention"`
	AuditFlaggedRetention time.Duration `koanf:"audit_flagged_retention"`
	AuditPurgeEvery       time.Duration `koanf:"audit_purge_every"`

	// Rate limit counts; windows are the fixed rule windows.
	ConnRateLimit   int `koanf:"conn_rate_limit"`
	JoinRateLimit   int `koanf:"join_rate_limit"`
	MsgRateLimit    int `koanf:"msg_rate_limit"`
	SignalRateLimit int `koanf:"signal_rate_limit"`
}

// Defaults returns the configuration the service ships with.
func Defaults() *Config {
	instance := "drift"
	if host, err := os.Hostname(); err == nil && host != "" {
		instance = host
	}

	w := scoring.DefaultWeights()
	pres := presence.DefaultConfig()
	q := queue.DefaultConfig()
	aud := audit.DefaultConfig()

	return &Config{
		Instance: instance,
		Addr:     ":8080",

		WorkerCount:    128,
		MaxConns:       65536,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		AllowedOrigins: []string{"*"},

		PresenceSweep: pres.SweepInterval,
		PresenceIdle:  pres.IdleTimeout,
		ActivityEcho:  pres.ActivityEcho,

		QueueTick:  q.TickInterval,
		QueueSweep: q.SweepInterval,
		QueueStale: q.StaleAfter,

		ScoreChatMode:       w.ChatMode,
		ScoreGenderMatch:    w.GenderMatch,
		ScoreGenderPenalty:  w.GenderPenalty,
		ScoreCountryMatch:   w.CountryMatch,
		ScoreCountryPenalty: w.CountryPenalty,
		ScoreInterestPoint:  w.InterestPoint,
		ScoreInterestCap:    w.InterestCap,
		ScoreTimezoneBonus:  w.TimezoneBonus,
		ScoreLanguageBonus:  w.LanguageBonus,
		ScoreVerifiedBonus:  w.VerifiedBonus,
		ScoreWaitPerSecond:  w.WaitPerSecond,
		ScoreWaitCap:        w.WaitCap,
		ScoreThreshold:      w.MinScore,

		StatsPublishEvery: time.Minute,

		MigrationsDir:         aud.MigrationsDir,
		AuditRetention:        aud.Retention,
		AuditFlaggedRetention: aud.FlaggedRetention,
		AuditPurgeEvery:       time.Hour,

		ConnRateLimit:   5,
		JoinRateLimit:   10,
		MsgRateLimit:    5,
		SignalRateLimit: 30,
	}
}

// validate rejects configurations the components cannot run with.
func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("config: max_conns must be positive, got %d", c.MaxConns)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold >= 1 {
		return fmt.Errorf("config: score_threshold must be in [0, 1), got %g", c.ScoreThreshold)
	}
	if c.QueueTick <= 0 || c.QueueSweep <= 0 || c.QueueStale <= 0 {
		return fmt.Errorf("config: queue intervals must be positive")
	}
	if c.PresenceSweep <= 0 || c.PresenceIdle <= 0 {
		return fmt.Errorf("config: presence intervals must be positive")
	}
	return nil
}

// ScoringWeights maps the score_ keys onto the scorer's weight set.
func (c *Config) ScoringWeights() scoring.Weights {
	return scoring.Weights{
		ChatMode:       c.ScoreChatMode,
		GenderMatch:    c.ScoreGenderMatch,
		GenderPenalty:  c.ScoreGenderPenalty,
		CountryMatch:   c.ScoreCountryMatch,
		CountryPenalty: c.ScoreCountryPenalty,
		InterestPoint:  c.ScoreInterestPoint,
		InterestCap:    c.ScoreInterestCap,
		TimezoneBonus:  c.ScoreTimezoneBonus,
		LanguageBonus:  c.ScoreLanguageBonus,
		VerifiedBonus:  c.ScoreVerifiedBonus,
		WaitPerSecond:  c.ScoreWaitPerSecond,
		WaitCap:        c.ScoreWaitCap,
		MinScore:       c.ScoreThreshold,
	}
}

// ServerConfig maps the transport keys onto the WebSocket server config.
func (c *Config) ServerConfig() ws.ServerConfig {
	return ws.ServerConfig{
		Addr:           c.Addr,
		WorkerCount:    c.WorkerCount,
		MaxConns:       c.MaxConns,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		PingInterval:   c.PingInterval,
		PongTimeout:    c.PongTimeout,
		AllowedOrigins: c.AllowedOrigins,
	}
}

// PresenceConfig maps the presence_ keys onto the registry config.
func (c *Config) PresenceConfig() presence.Config {
	return presence.Config{
		SweepInterval: c.PresenceSweep,
		IdleTimeout:   c.PresenceIdle,
		ActivityEcho:  c.ActivityEcho,
	}
}

// QueueConfig maps the queue_ keys onto the queue config.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		TickInterval:  c.QueueTick,
		SweepInterval: c.QueueSweep,
		StaleAfter:    c.QueueStale,
	}
}

// AuditConfig maps the audit keys onto the store config.
func (c *Config) AuditConfig() audit.Config {
	return audit.Config{
		DSN:              c.PostgresDSN,
		MigrationsDir:    c.MigrationsDir,
		Retention:        c.AuditRetention,
		FlaggedRetention: c.AuditFlaggedRetention,
	}
}
