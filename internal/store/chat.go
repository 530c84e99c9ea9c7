package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matheus3301/dmsync/internal/chat"
)

func chatsKey(accountID string) string {
	return "chats:" + accountID
}

// decodeSummaries treats a missing or corrupted record as an empty index.
func decodeSummaries(raw []byte) []chat.Summary {
	if len(raw) == 0 {
		return nil
	}
	var list []chat.Summary
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func sortSummaries(list []chat.Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt > list[j].UpdatedAt
	})
}

// MutateChatSummary loads the summary for conversationID (found=false and a
// zero summary if absent), lets fn modify it, and stores the index re-sorted
// by UpdatedAt descending. fn returning false skips the write.
func (db *DB) MutateChatSummary(accountID, conversationID string, fn func(s *chat.Summary, found bool) bool) error {
	err := db.mutateRecord(chatsKey(accountID), func(raw []byte) ([]byte, error) {
		list := decodeSummaries(raw)
		for i := range list {
			if list[i].ConversationID != conversationID {
				continue
			}
			if !fn(&list[i], true) {
				return nil, nil
			}
			list[i].ConversationID = conversationID
			sortSummaries(list)
			return json.Marshal(list)
		}
		s := chat.Summary{ConversationID: conversationID}
		if !fn(&s, false) {
			return nil, nil
		}
		s.ConversationID = conversationID
		list = append([]chat.Summary{s}, list...)
		sortSummaries(list)
		return json.Marshal(list)
	})
	if err != nil {
		return fmt.Errorf("mutate chat summary: %w", err)
	}
	return nil
}

// UpsertChatSummary replaces the entry for s.ConversationID or prepends it.
func (db *DB) UpsertChatSummary(accountID string, s chat.Summary) error {
	return db.MutateChatSummary(accountID, s.ConversationID, func(cur *chat.Summary, _ bool) bool {
		*cur = s
		return true
	})
}

// DeleteChatSummary removes exactly one entry from the index.
func (db *DB) DeleteChatSummary(accountID, conversationID string) (bool, error) {
	deleted := false
	err := db.mutateRecord(chatsKey(accountID), func(raw []byte) ([]byte, error) {
		list := decodeSummaries(raw)
		for i := range list {
			if list[i].ConversationID == conversationID {
				deleted = true
				return json.Marshal(append(list[:i], list[i+1:]...))
			}
		}
		return nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("delete chat summary: %w", err)
	}
	return deleted, nil
}

// ListChatSummaries returns the account's chat index, most recent first.
func (db *DB) ListChatSummaries(accountID string) ([]chat.Summary, error) {
	raw, err := db.loadRecord(chatsKey(accountID))
	if err != nil {
		return nil, fmt.Errorf("list chat summaries: %w", err)
	}
	list := decodeSummaries(raw)
	sortSummaries(list)
	return list, nil
}

// GetChatSummary returns one summary, or nil if the conversation is not indexed.
func (db *DB) GetChatSummary(accountID, conversationID string) (*chat.Summary, error) {
	list, err := db.ListChatSummaries(accountID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ConversationID == conversationID {
			return &list[i], nil
		}
	}
	return nil, nil
}

// ChatCount returns the number of indexed conversations for an account.
func (db *DB) ChatCount(accountID string) (int, error) {
	list, err := db.ListChatSummaries(accountID)
	return len(list), err
}
