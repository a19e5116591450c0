package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "nearbychat.db"
	// DefaultPairingRetention controls automatic pairing event pruning.
	DefaultPairingRetention = 30 * 24 * time.Hour
)

type migration struct {
	name string
	sql  string
}

// migrations run in order; the applied count is kept in PRAGMA user_version.
var migrations = []migration{
	{
		name: "pairing events",
		sql: `
CREATE TABLE IF NOT EXISTS pairing_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  endpoint_id  TEXT NOT NULL,
  peer_name    TEXT NOT NULL DEFAULT '',
  auth_digits  TEXT NOT NULL DEFAULT '',
  direction    TEXT NOT NULL CHECK(direction IN ('incoming','outgoing')),
  outcome      TEXT NOT NULL CHECK(outcome IN ('connected','rejected','error','expired','lost','superseded','disconnected')),
  timestamp    INTEGER NOT NULL
);`,
	},
	{
		name: "pairing event indexes",
		sql: `
CREATE INDEX IF NOT EXISTS idx_pairing_events_time
ON pairing_events (timestamp DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_pairing_events_endpoint
ON pairing_events (endpoint_id, timestamp DESC, id DESC);`,
	},
}

// Store is the pairing audit log.
type Store struct {
	db *sql.DB

	pairingRetention time.Duration
	closeOnce        sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path in WAL mode and migrates it.
// SQLite's automatic checkpoints keep the WAL bounded for an append-only log.
func OpenPath(dbPath string) (*Store, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	dsn := "file:" + filepath.ToSlash(dbPath) + "?" + params.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db, pairingRetention: DefaultPairingRetention}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if err := s.applyMigration(i+1, migrations[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %q: begin: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migration %q: %w", m.name, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		return fmt.Errorf("migration %q: set schema version: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %q: commit: %w", m.name, err)
	}
	return nil
}
