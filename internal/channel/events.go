package channel

import "github.com/matheus3301/dmsync/internal/chat"

// Event is delivered to registered handlers. It is one of MessageReceived,
// DeliveryAck, ReadAck, SendFailed, TypingChanged or ConnectivityChanged.
type Event interface {
	channelEvent()
}

// MessageReceived carries an inbound envelope with its body still sealed.
type MessageReceived struct {
	ConversationID string
	Envelope       chat.Envelope
}

// DeliveryAck reports that the peer's device received a message.
type DeliveryAck struct {
	ConversationID string
	MessageID      string
}

// ReadAck reports that ReaderID read messages. Empty MessageIDs covers the
// whole conversation.
type ReadAck struct {
	ConversationID string
	ReaderID       string
	MessageIDs     []string
}

// SendFailed reports an asynchronous send error raised by the server.
type SendFailed struct {
	ConversationID string
	MessageID      string
	Reason         string
	Terminal       bool
}

// TypingChanged reports a peer starting or stopping typing.
type TypingChanged struct {
	ConversationID string
	PeerID         string
	Typing         bool
}

// ConnectivityChanged reports entering or leaving the connected state.
type ConnectivityChanged struct {
	Connected bool
}

func (MessageReceived) channelEvent()     {}
func (DeliveryAck) channelEvent()         {}
func (ReadAck) channelEvent()             {}
func (SendFailed) channelEvent()          {}
func (TypingChanged) channelEvent()       {}
func (ConnectivityChanged) channelEvent() {}

// Handler receives channel events on the connection's read goroutine and
// must not block.
type Handler func(Event)
