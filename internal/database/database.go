// Package database provides the client's durable local storage using SQLite.
// It holds the renewal credential so a session survives restarts.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS renewal_credential (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	token      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store is a SQLite-backed implementation of credential.RenewalStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates (if needed) and migrates the state file at path.
// It retries a few times to ride out another process holding the file lock.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for attempt := 1; attempt <= 3; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Printf("[database] open attempt %d/3 failed: %v", attempt, err)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the stored renewal credential, or "" when none is stored.
func (s *Store) Load(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM renewal_credential WHERE id = 1`,
	).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load renewal credential: %w", err)
	}
	return token, nil
}

// Save upserts the renewal credential. An empty token clears it.
func (s *Store) Save(ctx context.Context, token string) error {
	if token == "" {
		return s.Clear(ctx)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renewal_credential (id, token, updated_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		token, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save renewal credential: %w", err)
	}
	return nil
}

// Clear removes the renewal credential.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM renewal_credential`); err != nil {
		return fmt.Errorf("clear renewal credential: %w", err)
	}
	return nil
}
