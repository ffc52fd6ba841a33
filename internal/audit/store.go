// Package audit persists a short-lived record of each session to PostgreSQL
// so abuse reports have something to point at after the conversation is
// gone. Rows are written when a session is created, closed when it ends, and
// purged by the retention job; a flagged row carries the reporter, the
// reason and a snapshot of the last few messages.
//
// The store is optional. A nil *Store is valid and records nothing, which is
// how deployments without Postgres run.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"

	"github.com/driftchat/drift/internal/relay"
)

// ErrUnknownSession is returned by Flag when no audit row exists for the
// session, either because it never existed or because retention purged it.
var ErrUnknownSession = errors.New("audit: unknown session")

// ErrInvalidReason is returned by Flag for report reasons outside the
// allowed set.
var ErrInvalidReason = errors.New("audit: invalid reason")

// validReasons is the set of allowed report reasons, matching the CHECK
// constraint on the session_audit table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Config holds the store's connection and retention settings.
type Config struct {
	DSN              string        // empty disables the store
	MigrationsDir    string        // schema migration files
	Retention        time.Duration // unflagged rows live this long after ending
	FlaggedRetention time.Duration // flagged rows live this long after flagging
}

// DefaultConfig returns the production defaults. DSN stays empty; persisting
// audit rows is opt-in.
func DefaultConfig() Config {
	return Config{
		MigrationsDir:    "migrations",
		Retention:        24 * time.Hour,
		FlaggedRetention: 7 * 24 * time.Hour,
	}
}

// Record is one session's audit row.
type Record struct {
	SessionID string
	UserA     string
	UserB     string
	ChatMode  string
	Score     float64
	Criteria  []string
	CreatedAt time.Time
}

// Store manages session audit rows in PostgreSQL.
type Store struct {
	db               *sql.DB
	retention        time.Duration
	flaggedRetention time.Duration
}

// Open connects to Postgres, applies pending migrations and returns a ready
// Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("audit: empty dsn")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: postgres connection failed: %w", err)
	}

	if err := runMigrations(db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:               db,
		retention:        cfg.Retention,
		flaggedRetention: cfg.FlaggedRetention,
	}, nil
}

// runMigrations applies every pending migration from dir. An up-to-date
// schema is not an error.
func runMigrations(db *sql.DB, dir string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("audit: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// RecordSession inserts the row for a freshly created session. Inserting at
// creation rather than at end is what lets a report filed mid-conversation
// find its row.
func (s *Store) RecordSession(ctx context.Context, rec Record) error {
	if s == nil {
		return nil
	}

	const query = `
		INSERT INTO session_audit (session_id, user_a, user_b, chat_mode, score, criteria, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.UserA,
		rec.UserB,
		rec.ChatMode,
		rec.Score,
		pq.Array(rec.Criteria),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// RecordEnd closes the session's row. A missing row (already purged) is not
// an error.
func (s *Store) RecordEnd(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	if s == nil {
		return nil
	}

	const query = `
		UPDATE session_audit
		SET ended_at = $2, end_reason = $3
		WHERE session_id = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionID, endedAt, reason); err != nil {
		return fmt.Errorf("audit: record end: %w", err)
	}
	return nil
}

// Flag marks the session's row reported, attaching the reporter, the reason
// and the evidence snapshot for moderator review. The reason is validated
// against the allowed set before touching the database.
func (s *Store) Flag(ctx context.Context, sessionID, reporterID, reason string, evidence []relay.BufferedMessage) error {
	if s == nil {
		return nil
	}
	if !validReasons[reason] {
		return fmt.Errorf("%w %q", ErrInvalidReason, reason)
	}

	var evidenceJSON []byte
	if len(evidence) > 0 {
		var err error
		evidenceJSON, err = json.Marshal(evidence)
		if err != nil {
			return fmt.Errorf("audit: marshal evidence: %w", err)
		}
	}

	const query = `
		UPDATE session_audit
		SET flagged = TRUE, flag_reporter = $2, flag_reason = $3, evidence = $4, flagged_at = NOW()
		WHERE session_id = $1`

	res, err := s.db.ExecContext(ctx, query, sessionID, reporterID, reason, evidenceJSON)
	if err != nil {
		return fmt.Errorf("audit: flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: flag: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return nil
}

// Purge deletes rows past retention: unflagged rows by when they ended (or
// were created, for rows orphaned by a crash before the end was recorded)
// and flagged rows by when they were flagged. Returns the number of rows
// removed.
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := now.Add(-s.retention)
	flaggedCutoff := now.Add(-s.flaggedRetention)

	const query = `
		DELETE FROM session_audit
		WHERE (NOT flagged AND ended_at IS NOT NULL AND ended_at < $1)
		   OR (NOT flagged AND ended_at IS NULL AND created_at < $1)
		   OR (flagged AND flagged_at < $2)`

	res, err := s.db.ExecContext(ctx, query, cutoff, flaggedCutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
