// Package storage keeps the sync history in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "history.db"
	// DefaultRetention is how long runs and trust events are kept.
	DefaultRetention = 365 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS sync_runs (
  run_id      TEXT PRIMARY KEY,
  host        TEXT NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('push','pull','legacy')),
  categories  TEXT NOT NULL,
  status      TEXT NOT NULL CHECK(status IN ('ok','partial','failed')),
  detail      TEXT NOT NULL DEFAULT '',
  backup_name TEXT NOT NULL DEFAULT '',
  started_at  INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_sync_runs_host_time
ON sync_runs (host, started_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS trust_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  host       TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_trust_events_time
ON trust_events (timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	retention time.Duration
	closeOnce sync.Once
}

// Open opens (or creates) history.db under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", errors.Wrap(err, "create storage directory")
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}

	store := &Store{
		db:        db,
		retention: DefaultRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		_ = s.checkpointWAL()
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

// SetRetention sets how long history rows are kept. Zero or less keeps
// them forever.
func (s *Store) SetRetention(retention time.Duration) {
	s.retention = retention
}

// pruneExpired drops rows of table whose column is older than the
// retention horizon.
func (s *Store) pruneExpired(table, column string) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, column), cutoff); err != nil {
		return errors.Wrapf(err, "prune %s", table)
	}
	return nil
}

// SchemaVersion returns PRAGMA user_version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}

func (s *Store) applyMigrations() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errors.Wrapf(err, "set schema version %d", i+1)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit migration transaction")
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if !strings.EqualFold(journalMode, "wal") {
		return errors.Newf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return errors.Wrap(err, "wal checkpoint truncate")
	}
	return nil
}
