package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// readRecord returns the raw value stored under key, or nil if absent.
func readRecord(tx *sql.Tx, key string) ([]byte, error) {
	var raw []byte
	err := tx.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return raw, err
}

// mutateRecord runs fn over the current value of key inside one transaction.
// fn returns the new value, or nil to leave the record untouched.
func (db *DB) mutateRecord(key string, fn func(raw []byte) ([]byte, error)) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	raw, err := readRecord(tx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	next, err := fn(raw)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if _, err := tx.Exec(`
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, next, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return tx.Commit()
}

// loadRecord reads key outside of a read-modify-write cycle.
func (db *DB) loadRecord(key string) ([]byte, error) {
	var raw []byte
	err := db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return raw, err
}

func (db *DB) deleteRecord(key string) (bool, error) {
	res, err := db.Exec(`DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
