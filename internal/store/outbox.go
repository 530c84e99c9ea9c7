package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueOutbox adds a pending send ordered by createdAt (Unix ms, now when
// zero). Re-enqueueing a message id is a no-op; it reports whether a new
// entry was created.
func (db *DB) EnqueueOutbox(messageID, conversationID string, payload []byte, createdAt int64) (bool, error) {
	now := time.Now().UnixMilli()
	if createdAt <= 0 {
		createdAt = now
	}
	res, err := db.Exec(`
		INSERT INTO outbox (message_id, conversation_id, payload, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID, conversationID, payload, createdAt, now)
	if err != nil {
		return false, fmt.Errorf("enqueue outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingOutbox returns every queued send by creation time, then enqueue
// order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT seq, message_id, conversation_id, payload, attempts, last_error, created_at
		FROM outbox ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.Seq, &e.MessageID, &e.ConversationID, &e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemoveOutbox drops the entry for messageID, if any.
func (db *DB) RemoveOutbox(messageID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return false, fmt.Errorf("remove outbox: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveOutboxFor drops every queued send of a conversation.
func (db *DB) RemoveOutboxFor(conversationID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("remove outbox: %w", err)
	}
	return res.RowsAffected()
}

// MarkOutboxAttempt records a failed dispatch attempt.
func (db *DB) MarkOutboxAttempt(messageID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE message_id = ?`,
		errMsg, time.Now().UnixMilli(), messageID)
	return err
}

// OutboxLen returns the number of queued sends.
func (db *DB) OutboxLen() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// OutboxPendingFor reports whether a conversation has queued sends.
func (db *DB) OutboxPendingFor(conversationID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n > 0, err
}

// OutboxHead returns the message id replayed first for a conversation, or ""
// when nothing is queued.
func (db *DB) OutboxHead(conversationID string) (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT message_id FROM outbox WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC LIMIT 1`, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// OutboxHas reports whether messageID is queued.
func (db *DB) OutboxHas(messageID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE message_id = ?`, messageID).Scan(&n)
	return n > 0, err
}
