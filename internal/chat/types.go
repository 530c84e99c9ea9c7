package chat

import "errors"

// ErrEmptyMessage is returned when a send intent has neither body nor attachments.
var ErrEmptyMessage = errors.New("message has no body and no attachments")

// AttachmentKind classifies an attachment.
type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindVideo AttachmentKind = "video"
	KindAudio AttachmentKind = "audio"
	KindFile  AttachmentKind = "file"
)

// Valid reports whether k is a known attachment kind.
func (k AttachmentKind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// Attachment is an uploaded media item referenced by a message.
type Attachment struct {
	URL       string         `json:"url"`
	Kind      AttachmentKind `json:"kind"`
	Thumbnail string         `json:"thumbnail,omitempty"`
	Size      int64          `json:"size"`
	Duration  float64        `json:"duration,omitempty"`
}

// LocalMedia is a locally picked file that has not been uploaded yet.
type LocalMedia struct {
	Path string         `json:"path"`
	Kind AttachmentKind `json:"kind"`
}

// LinkPreview describes an unfurled link.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Message is a single conversation entry. Body is plaintext in memory and
// ciphertext (Encrypted=true) when persisted or transmitted.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	RecipientID    string       `json:"recipientId"`
	Body           string       `json:"body"`
	Encrypted      bool         `json:"encrypted"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	LinkPreview    *LinkPreview `json:"linkPreview,omitempty"`
	ReplyToID      string       `json:"replyToId,omitempty"`
	Status         Status       `json:"status"`
	CreatedAt      int64        `json:"createdAt"`
}

// Peer returns the other participant from self's point of view.
func (m *Message) Peer(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// Envelope is the wire representation of a message on the channel.
type Envelope struct {
	ID          string       `json:"id"`
	Sender      string       `json:"sender"`
	Recipient   string       `json:"recipient"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	LinkPreview *LinkPreview `json:"linkPreview,omitempty"`
	ReplyToID   string       `json:"replyToId,omitempty"`
	CreatedAt   int64        `json:"createdAt"`
	Encrypted   bool         `json:"encrypted"`
}

// EnvelopeFrom builds the wire envelope for an (already encrypted) message.
func EnvelopeFrom(m *Message) Envelope {
	atts := m.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	return Envelope{
		ID:          m.ID,
		Sender:      m.SenderID,
		Recipient:   m.RecipientID,
		Body:        m.Body,
		Attachments: atts,
		LinkPreview: m.LinkPreview,
		ReplyToID:   m.ReplyToID,
		CreatedAt:   m.CreatedAt,
		Encrypted:   m.Encrypted,
	}
}

// ToMessage converts a wire envelope into a message with the given status.
func (e *Envelope) ToMessage(status Status) Message {
	return Message{
		ID:             e.ID,
		ConversationID: ConversationID(e.Sender, e.Recipient),
		SenderID:       e.Sender,
		RecipientID:    e.Recipient,
		Body:           e.Body,
		Encrypted:      e.Encrypted,
		Attachments:    e.Attachments,
		LinkPreview:    e.LinkPreview,
		ReplyToID:      e.ReplyToID,
		Status:         status,
		CreatedAt:      e.CreatedAt,
	}
}

// UserSnapshot is a lightweight participant profile.
type UserSnapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Summary is one entry of an account's chat index.
type Summary struct {
	ConversationID     string         `json:"conversationId"`
	Participants       []UserSnapshot `json:"participants"`
	LastMessagePreview string         `json:"lastMessagePreview"`
	UpdatedAt          int64          `json:"updatedAt"`
	UnreadCount        int            `json:"unreadCount"`
}
