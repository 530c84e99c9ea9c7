// Package store persists conversations, the chat index, the outbox and sync
// checkpoints in a session-local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the session's conversation store.
type DB struct {
	*sql.DB
	path string
}

// dsn enables WAL, a busy timeout and foreign keys. Transactions begin
// IMMEDIATE so read-modify-write cycles on one record serialize instead of
// failing on lock upgrade.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open connects to the database at path, creating it if needed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// OpenMigrated opens the database and applies pending migrations.
func OpenMigrated(path string) (*DB, *MigrateResult, error) {
	db, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	res, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, res, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close folds the WAL back into the main file and closes the connection.
func (db *DB) Close() error {
	_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.DB.Close()
}
