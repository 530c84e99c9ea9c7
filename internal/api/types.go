package api

import "github.com/matheus3301/dmsync/internal/chat"

// Empty is the request or response of calls that carry no data.
type Empty struct{}

type StatusResponse struct {
	Session           string `json:"session"`
	Account           string `json:"account"`
	ChannelState      string `json:"channelState"`
	StateSinceMs      int64  `json:"stateSinceMs"`
	ReconnectAttempts int    `json:"reconnectAttempts,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	UptimeMs          int64  `json:"uptimeMs"`
	ChatCount         int    `json:"chatCount"`
	OutboxLen         int    `json:"outboxLen"`
	LastConnectedAtMs int64  `json:"lastConnectedAtMs,omitempty"`
	DroppedEvents     uint64 `json:"droppedEvents"`
}

type TailLogsRequest struct {
	Lines int `json:"lines"`
}

type TailLogsResponse struct {
	Lines []string `json:"lines"`
}

// Chat is one chat index row with a decrypted, shortened preview.
type Chat struct {
	ConversationID string `json:"conversationId"`
	PeerID         string `json:"peerId"`
	PeerName       string `json:"peerName,omitempty"`
	Preview        string `json:"preview"`
	UpdatedAt      int64  `json:"updatedAt"`
	UnreadCount    int    `json:"unreadCount"`
	PeerTyping     bool   `json:"peerTyping"`
}

type ListChatsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

// ChatRequest names a conversation directly or by the peer's id.
type ChatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	PeerID         string `json:"peerId,omitempty"`
}

// Message is a decrypted message with its reply target resolved.
type Message struct {
	chat.Message
	ReplyTo       *chat.Message `json:"replyTo,omitempty"`
	Undecryptable bool          `json:"undecryptable,omitempty"`
}

type MessagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	// Limit keeps only the newest messages when positive.
	Limit int `json:"limit,omitempty"`
}

type SendRequest struct {
	RecipientID string   `json:"recipientId"`
	Body        string   `json:"body"`
	MediaPaths  []string `json:"mediaPaths,omitempty"`
	ReplyToID   string   `json:"replyToId,omitempty"`
	LinkURL     string   `json:"linkUrl,omitempty"`
}

type SendResponse struct {
	Message Message `json:"message"`
}

type MessageRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	Stopped        bool   `json:"stopped,omitempty"`
}

type SyncStatusResponse struct {
	Connected         bool  `json:"connected"`
	OutboxLen         int   `json:"outboxLen"`
	LastConnectedAtMs int64 `json:"lastConnectedAtMs,omitempty"`
	LastDrainAtMs     int64 `json:"lastDrainAtMs,omitempty"`
	LastRecoveryAtMs  int64 `json:"lastRecoveryAtMs,omitempty"`
}

type DrainResponse struct {
	Sent      int `json:"sent"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
}

// WatchRequest filters streamed events by kind prefix. Empty streams all.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}
