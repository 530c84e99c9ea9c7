package bus

import (
	"time"

	"github.com/matheus3301/dmsync/internal/chat"
)

// Event kinds. Subscribers filter on prefixes such as "message." or "chat.".
const (
	KindMessageUpserted = "message.upserted"
	KindMessageStatus   = "message.status"
	KindMessageDeleted  = "message.deleted"
	KindSendFailed      = "message.send_failed"

	KindChatUpdated = "chat.updated"
	KindChatDeleted = "chat.deleted"

	KindTypingChanged = "typing.changed"

	KindChannelState = "channel.state_changed"

	KindOutboxDrained = "outbox.drained"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// MessageEvent carries a decrypted message view for message.upserted.
type MessageEvent struct {
	Message chat.Message `json:"message"`
}

// StatusEvent carries a status transition for message.status.
type StatusEvent struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	Status         chat.Status `json:"status"`
}

// DeletedEvent identifies a removed message or conversation.
type DeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// SendFailedEvent reports a terminal rejection or an aborted upload.
type SendFailedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Reason         string `json:"reason"`
}

// ChatEvent carries a chat index entry for chat.updated.
type ChatEvent struct {
	Summary chat.Summary `json:"summary"`
}

// TypingEvent reports a peer's typing flag.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	PeerID         string `json:"peerId"`
	Typing         bool   `json:"typing"`
}

// StateEvent reports a channel state transition.
type StateEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// DrainEvent reports the outcome of an outbox drain.
type DrainEvent struct {
	Sent      int `json:"sent"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
}
