package api

import (
	"context"
	"time"

	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/matheus3301/dmsync/internal/outbox"
	intsync "github.com/matheus3301/dmsync/internal/sync"
)

// Synchronizer is the part of the sync engine the control API drives.
type Synchronizer interface {
	UserID() string
	ConversationWith(peerID string) string
	Chats() ([]intsync.ChatView, error)
	OpenConversation(ctx context.Context, conversationID string) ([]intsync.MessageView, error)
	CloseConversation(ctx context.Context, conversationID string) error
	DeleteChat(ctx context.Context, conversationID string) error
	Conversation(conversationID string) ([]intsync.MessageView, error)
	Send(ctx context.Context, req intsync.SendRequest) (chat.Message, error)
	Retry(ctx context.Context, conversationID, messageID string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	Typing(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	DrainOutbox(ctx context.Context) (outbox.DrainResult, error)
	OutboxLen() int
	Checkpoint(key string) time.Time
}

var _ Synchronizer = (*intsync.Engine)(nil)

func toMessages(views []intsync.MessageView) []Message {
	out := make([]Message, len(views))
	for i, v := range views {
		out[i] = Message{Message: v.Message, ReplyTo: v.ReplyTo, Undecryptable: v.Undecryptable}
	}
	return out
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
