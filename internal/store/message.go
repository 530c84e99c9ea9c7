package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matheus3301/dmsync/internal/chat"
)

const conversationPrefix = "conv:"

func conversationKey(conversationID string) string {
	return conversationPrefix + conversationID
}

// decodeMessages treats a missing or corrupted record as an empty list.
func decodeMessages(raw []byte) []chat.Message {
	if len(raw) == 0 {
		return nil
	}
	var msgs []chat.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil
	}
	return msgs
}

func indexOf(msgs []chat.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// AppendMessage appends m to the conversation's list (idempotent on m.ID).
// It reports whether the message was new.
func (db *DB) AppendMessage(conversationID string, m *chat.Message) (bool, error) {
	appended := false
	err := db.mutateRecord(conversationKey(conversationID), func(raw []byte) ([]byte, error) {
		msgs := decodeMessages(raw)
		if indexOf(msgs, m.ID) >= 0 {
			return nil, nil
		}
		appended = true
		return json.Marshal(append(msgs, *m))
	})
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	return appended, nil
}

// LoadMessages returns a conversation's messages in insertion order.
func (db *DB) LoadMessages(conversationID string) ([]chat.Message, error) {
	raw, err := db.loadRecord(conversationKey(conversationID))
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return decodeMessages(raw), nil
}

// GetMessage returns a single message, or nil if it is not stored.
func (db *DB) GetMessage(conversationID, messageID string) (*chat.Message, error) {
	msgs, err := db.LoadMessages(conversationID)
	if err != nil {
		return nil, err
	}
	if i := indexOf(msgs, messageID); i >= 0 {
		return &msgs[i], nil
	}
	return nil, nil
}

// UpdateMessage applies fn to a stored message and persists the result when
// fn returns true. Missing messages are a no-op. It reports whether a write
// happened.
func (db *DB) UpdateMessage(conversationID, messageID string, fn func(m *chat.Message) bool) (bool, error) {
	changed := false
	err := db.mutateRecord(conversationKey(conversationID), func(raw []byte) ([]byte, error) {
		msgs := decodeMessages(raw)
		i := indexOf(msgs, messageID)
		if i < 0 || !fn(&msgs[i]) {
			return nil, nil
		}
		changed = true
		return json.Marshal(msgs)
	})
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}
	return changed, nil
}

// UpdateMessageStatus sets only the status field of a stored message.
func (db *DB) UpdateMessageStatus(conversationID, messageID string, status chat.Status) (bool, error) {
	return db.UpdateMessage(conversationID, messageID, func(m *chat.Message) bool {
		if m.Status == status {
			return false
		}
		m.Status = status
		return true
	})
}

// DeleteMessage removes one message from a conversation.
func (db *DB) DeleteMessage(conversationID, messageID string) (bool, error) {
	deleted := false
	err := db.mutateRecord(conversationKey(conversationID), func(raw []byte) ([]byte, error) {
		msgs := decodeMessages(raw)
		i := indexOf(msgs, messageID)
		if i < 0 {
			return nil, nil
		}
		deleted = true
		return json.Marshal(append(msgs[:i], msgs[i+1:]...))
	})
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return deleted, nil
}

// DeleteConversation drops a conversation's whole message list.
func (db *DB) DeleteConversation(conversationID string) error {
	if _, err := db.deleteRecord(conversationKey(conversationID)); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ConversationIDs lists every conversation that has a stored message list.
func (db *DB) ConversationIDs() ([]string, error) {
	rows, err := db.Query(`SELECT key FROM records WHERE key LIKE ? ORDER BY key`, conversationPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		ids = append(ids, strings.TrimPrefix(key, conversationPrefix))
	}
	return ids, rows.Err()
}
