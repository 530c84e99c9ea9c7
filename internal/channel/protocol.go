package channel

import (
	"encoding/json"

	"github.com/matheus3301/dmsync/internal/chat"
)

// Event names on the wire. Both the client and the relay use them.
const (
	EventNewMessage       = "new-message"
	EventMessageDelivered = "message-delivered"
	EventMessageRead      = "message-read"
	EventMessagesRead     = "messages-read"
	EventMessageError     = "message-error"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventAck              = "ack"

	EventJoinChat    = "join-chat"
	EventLeaveChat   = "leave-chat"
	EventSendMessage = "send-message"
	EventMarkRead    = "mark-messages-read"
	EventPresence    = "presence"
)

// Frame is one JSON text message on the socket. Ack is set on frames that
// expect an acknowledgment and on the matching "ack" reply.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// NewFrame marshals data into a frame.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// AckResult is the payload of an "ack" frame.
type AckResult struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

// SendPayload is the data of "send-message". The relay forwards the same
// shape to the recipient as "new-message".
type SendPayload struct {
	ConversationID string            `json:"conversationId"`
	Envelope       chat.Envelope     `json:"envelope"`
	RecipientID    string            `json:"recipientId"`
	Attachments    []chat.Attachment `json:"attachments"`
	LinkURL        string            `json:"linkUrl,omitempty"`
	ReplyToID      string            `json:"replyToId,omitempty"`
}

// ConversationPayload is the data of "join-chat" and "leave-chat".
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the data of "typing" and "stop-typing".
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// ReadPayload is the data of "mark-messages-read" (client to server) and
// "messages-read" (server to client). UserID is the reader. An empty
// MessageIDs means every message in the conversation.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// DeliveredPayload is the data of "message-delivered" in both directions.
type DeliveredPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ErrorPayload is the data of "message-error".
type ErrorPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Error          string `json:"error"`
	Terminal       bool   `json:"terminal"`
}

// PresencePayload is the data of "presence".
type PresencePayload struct {
	Status string `json:"status"`
}
