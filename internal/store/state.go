package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetCheckpoint returns a checkpoint value ("" when unset).
func (db *DB) GetCheckpoint(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetCheckpoint stores a checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}
