// Package storage keeps transfer history and known peers in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "peerxfer.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old
	// history is pruned.
	DefaultMaintenanceInterval = 6 * time.Hour
	// DefaultHistoryRetention controls automatic pruning of finished transfers.
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// migrations run in order; PRAGMA user_version records how many are applied.
var migrations = []migration{
	{
		name: "create transfers",
		stmt: `
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id        TEXT PRIMARY KEY,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_device_id     TEXT NOT NULL DEFAULT '',
  local_path         TEXT NOT NULL DEFAULT '',
  total_size         INTEGER NOT NULL DEFAULT 0,
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  status             TEXT NOT NULL CHECK(status IN ('initiating','accepting','in_progress','paused','completed','cancelled','failed')),
  error              TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL
)`,
	},
	{
		name: "index transfers by peer",
		stmt: `CREATE INDEX IF NOT EXISTS idx_transfers_peer_time ON transfers (peer_device_id, updated_at DESC, transfer_id)`,
	},
	{
		name: "index transfers by status",
		stmt: `CREATE INDEX IF NOT EXISTS idx_transfers_status_time ON transfers (status, updated_at DESC, transfer_id)`,
	},
	{
		name: "create peers",
		stmt: `
CREATE TABLE IF NOT EXISTS peers (
  device_id           TEXT PRIMARY KEY,
  device_name         TEXT NOT NULL DEFAULT '',
  ed25519_public_key  TEXT NOT NULL DEFAULT '',
  key_fingerprint     TEXT NOT NULL DEFAULT '',
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_address  TEXT,
  last_known_port     INTEGER
)`,
	},
}

// Store keeps transfer history and known peers in SQLite.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	retentionMu      sync.Mutex
	historyRetention time.Duration

	stopMaintenance context.CancelFunc
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
	closeErr        error
}

// Open opens (or creates) the database file under dataDir.
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

// OpenPath opens SQLite at an explicit path, switches it to WAL, migrates
// the schema and starts background maintenance.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:               db,
		log:              discardLogger(),
		historyRetention: DefaultHistoryRetention,
	}
	for _, step := range []func() error{db.Ping, s.enableWALMode, s.migrate, s.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s.pruneHistory()
	s.startMaintenance(DefaultMaintenanceInterval)
	return s, nil
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(logger *logrus.Entry) {
	if logger != nil {
		s.log = logger.WithField("component", "storage")
	}
}

// SetHistoryRetention configures how long finished transfers are kept and
// prunes immediately. Zero or negative disables pruning.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	s.retentionMu.Lock()
	s.historyRetention = retention
	s.retentionMu.Unlock()
	s.pruneHistory()
}

func (s *Store) pruneHistory() {
	s.retentionMu.Lock()
	retention := s.historyRetention
	s.retentionMu.Unlock()
	if retention <= 0 {
		return
	}

	removed, err := s.DeleteTransfersOlderThan(time.Now().Add(-retention).UnixMilli())
	log := s.log.WithField("function", "pruneHistory")
	switch {
	case err != nil:
		log.WithError(err).Warn("History prune failed")
	case removed > 0:
		log.WithField("removed", removed).Info("Pruned transfer history")
	}
}

func discardLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// Close stops maintenance and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.stopMaintenance != nil {
			s.stopMaintenance()
			s.maintenanceWG.Wait()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range migrations[applied:] {
		version := applied + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	return nil
}

// startMaintenance truncates the WAL and prunes history every interval
// until Close.
func (s *Store) startMaintenance(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopMaintenance = cancel

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.WithField("function", "maintenance").WithError(err).Warn("WAL checkpoint failed")
				}
				s.pruneHistory()
			}
		}
	}()
}
