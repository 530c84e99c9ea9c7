package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/dmsync/internal/chat"
)

// UpsertPeer caches a counterpart's display data. Empty fields never
// overwrite known values.
func (db *DB) UpsertPeer(u chat.UserSnapshot) error {
	_, err := db.Exec(`
		INSERT INTO peers (id, name, avatar, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE peers.name END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE peers.avatar END,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, u.Avatar, time.Now().UnixMilli())
	return err
}

// GetPeer returns a cached peer, or nil if unknown.
func (db *DB) GetPeer(id string) (*chat.UserSnapshot, error) {
	var u chat.UserSnapshot
	err := db.QueryRow(`SELECT id, name, avatar FROM peers WHERE id = ?`, id).Scan(&u.ID, &u.Name, &u.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
