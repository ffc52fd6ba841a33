package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, ":8080")
	}
	if cfg.QueueTick != 5*time.Second {
		t.Errorf("QueueTick = %v, want 5s", cfg.QueueTick)
	}
	if cfg.QueueStale != 10*time.Minute {
		t.Errorf("QueueStale = %v, want 10m", cfg.QueueStale)
	}
	if cfg.PresenceIdle != 5*time.Minute {
		t.Errorf("PresenceIdle = %v, want 5m", cfg.PresenceIdle)
	}
	if cfg.ScoreThreshold != 0.5 {
		t.Errorf("ScoreThreshold = %g, want 0.5", cfg.ScoreThreshold)
	}
	if cfg.Instance == "" {
		t.Error("Instance is empty, want hostname or fallback")
	}
	if cfg.RedisAddr != "" || cfg.NATSURL != "" || cfg.PostgresDSN != "" {
		t.Error("bridge and audit backends must default to disabled")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DRIFT_ADDR", ":9090")
	t.Setenv("DRIFT_WORKER_COUNT", "16")
	t.Setenv("DRIFT_QUEUE_TICK", "10s")
	t.Setenv("DRIFT_SCORE_THRESHOLD", "0.6")
	t.Setenv("DRIFT_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DRIFT_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, ":9090")
	}
	if cfg.WorkerCount != 16 {
		t.Errorf("WorkerCount = %d, want 16", cfg.WorkerCount)
	}
	if cfg.QueueTick != 10*time.Second {
		t.Errorf("QueueTick = %v, want 10s", cfg.QueueTick)
	}
	if cfg.ScoreThreshold != 0.6 {
		t.Errorf("ScoreThreshold = %g, want 0.6", cfg.ScoreThreshold)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("AllowedOrigins = %v, want both origins split", cfg.AllowedOrigins)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q, want %q", cfg.RedisAddr, "redis:6379")
	}

	// Untouched keys keep their defaults.
	if cfg.QueueStale != 10*time.Minute {
		t.Errorf("QueueStale = %v, want default 10m", cfg.QueueStale)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drift.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadFileAndPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
addr: ":7070"
queue_tick: 15s
score_threshold: 0.7
instance: file-instance
`)
	t.Setenv(EnvConfigPath, path)
	t.Setenv("DRIFT_ADDR", ":6060") // env beats file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr != ":6060" {
		t.Errorf("Addr = %q, want env override %q", cfg.Addr, ":6060")
	}
	if cfg.QueueTick != 15*time.Second {
		t.Errorf("QueueTick = %v, want file value 15s", cfg.QueueTick)
	}
	if cfg.ScoreThreshold != 0.7 {
		t.Errorf("ScoreThreshold = %g, want file value 0.7", cfg.ScoreThreshold)
	}
	if cfg.Instance != "file-instance" {
		t.Errorf("Instance = %q, want %q", cfg.Instance, "file-instance")
	}
	if cfg.WorkerCount != Defaults().WorkerCount {
		t.Errorf("WorkerCount = %d, want default", cfg.WorkerCount)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/nonexistent/drift.yaml")
		if _, err := Load(); err == nil {
			t.Error("Load with missing file succeeded")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfigFile(t, "addr: [unclosed")
		t.Setenv(EnvConfigPath, path)
		if _, err := Load(); err == nil {
			t.Error("Load with invalid YAML succeeded")
		}
	})

	t.Run("invalid number", func(t *testing.T) {
		t.Setenv("DRIFT_WORKER_COUNT", "not_a_number")
		if _, err := Load(); err == nil {
			t.Error("Load with non-numeric worker_count succeeded")
		}
	})

	t.Run("empty addr", func(t *testing.T) {
		t.Setenv("DRIFT_ADDR", "")
		_, err := Load()
		if err == nil {
			t.Fatal("Load with empty addr succeeded")
		}
		if !strings.Contains(err.Error(), "addr") {
			t.Errorf("error = %v, want mention of addr", err)
		}
	})

	t.Run("threshold out of range", func(t *testing.T) {
		t.Setenv("DRIFT_SCORE_THRESHOLD", "1.5")
		if _, err := Load(); err == nil {
			t.Error("Load with threshold 1.5 succeeded")
		}
	})
}

func TestComponentConfigMapping(t *testing.T) {
	t.Setenv("DRIFT_SCORE_INTEREST_CAP", "2")
	t.Setenv("DRIFT_SCORE_WAIT_CAP", "20")
	t.Setenv("DRIFT_PRESENCE_IDLE", "3m")
	t.Setenv("DRIFT_QUEUE_STALE", "4m")
	t.Setenv("DRIFT_AUDIT_RETENTION", "48h")
	t.Setenv("DRIFT_POSTGRES_DSN", "postgres://drift@db/audit")
	t.Setenv("DRIFT_READ_TIMEOUT", "15s")
	t.Setenv("DRIFT_MAX_CONNS", "4096")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w := cfg.ScoringWeights()
	if w.InterestCap != 2 || w.WaitCap != 20 {
		t.Errorf("Weights cap mapping = %d/%g, want 2/20", w.InterestCap, w.WaitCap)
	}
	if w.MinScore != cfg.ScoreThreshold {
		t.Errorf("Weights.MinScore = %g, want %g", w.MinScore, cfg.ScoreThreshold)
	}

	p := cfg.PresenceConfig()
	if p.IdleTimeout != 3*time.Minute {
		t.Errorf("PresenceConfig.IdleTimeout = %v, want 3m", p.IdleTimeout)
	}

	q := cfg.QueueConfig()
	if q.StaleAfter != 4*time.Minute {
		t.Errorf("QueueConfig.StaleAfter = %v, want 4m", q.StaleAfter)
	}

	a := cfg.AuditConfig()
	if a.Retention != 48*time.Hour {
		t.Errorf("AuditConfig.Retention = %v, want 48h", a.Retention)
	}
	if a.DSN != "postgres://drift@db/audit" {
		t.Errorf("AuditConfig.DSN = %q, want the configured DSN", a.DSN)
	}

	s := cfg.ServerConfig()
	if s.ReadTimeout != 15*time.Second {
		t.Errorf("ServerConfig.ReadTimeout = %v, want 15s", s.ReadTimeout)
	}
	if s.MaxConns != 4096 {
		t.Errorf("ServerConfig.MaxConns = %d, want 4096", s.MaxConns)
	}
	if s.Addr != cfg.Addr {
		t.Errorf("ServerConfig.Addr = %q, want %q", s.Addr, cfg.Addr)
	}
}
