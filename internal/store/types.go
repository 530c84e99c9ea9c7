package store

// OutboxEntry is a persisted pending send. Payload is the serialized
// channel dispatch payload.
type OutboxEntry struct {
	Seq            int64
	MessageID      string
	ConversationID string
	Payload        []byte
	Attempts       int
	LastError      string
	CreatedAt      int64
}
