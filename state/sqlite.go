package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteTracker keeps tracker state in a local SQLite database.
type SQLiteTracker struct {
	db *sqlx.DB
}

type watermarkRow struct {
	Folder    string `db:"folder"`
	Watermark string `db:"watermark"`
}

// NewSQLiteTracker opens (or creates) the database at dbPath and applies
// pending migrations.
func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps in-memory databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	t := &SQLiteTracker{db: db}
	if err := t.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return t, nil
}

func (t *SQLiteTracker) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := t.db.Get(&tableCount, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := t.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (t *SQLiteTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}
	var n int
	if err := t.db.Get(&n, "SELECT COUNT(*) FROM processed WHERE hash = ?", hash); err != nil {
		return false
	}
	return n > 0
}

func (t *SQLiteTracker) MarkProcessed(hash, messageID string) error {
	if hash == "" {
		return nil
	}
	_, err := t.db.Exec(
		"INSERT OR IGNORE INTO processed (hash, message_id, processed_at) VALUES (?, ?, ?)",
		hash, messageID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert processed %s: %w", messageID, err)
	}
	return nil
}

func (t *SQLiteTracker) Watermark(folder string) (time.Time, bool) {
	var raw string
	err := t.db.Get(&raw, "SELECT watermark FROM watermarks WHERE folder = ?", folder)
	if err != nil {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func (t *SQLiteTracker) SetWatermark(folder string, at time.Time) error {
	tx, err := t.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.Get(&raw, "SELECT watermark FROM watermarks WHERE folder = ?", folder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read watermark %s: %w", folder, err)
	default:
		if cur, perr := time.Parse(time.RFC3339Nano, raw); perr == nil && !at.After(cur) {
			return nil
		}
	}

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO watermarks (folder, watermark) VALUES (?, ?)",
		folder, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write watermark %s: %w", folder, err)
	}
	return tx.Commit()
}

func (t *SQLiteTracker) Snapshot() Snapshot {
	snap := Snapshot{Watermarks: make(map[string]time.Time)}
	_ = t.db.Get(&snap.Processed, "SELECT COUNT(*) FROM processed")

	var rows []watermarkRow
	if err := t.db.Select(&rows, "SELECT folder, watermark FROM watermarks"); err == nil {
		for _, row := range rows {
			if at, err := time.Parse(time.RFC3339Nano, row.Watermark); err == nil {
				snap.Watermarks[row.Folder] = at
			}
		}
	}
	return snap
}

// Close closes the underlying database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
