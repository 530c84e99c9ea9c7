package chat

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// progress orders the forward path; failed sits outside it.
var progress = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := progress[s]
	return ok || s == StatusFailed
}

// CanAdvance reports whether a message may move from one status to another.
// Forward moves along sending->sent->delivered->read are allowed (skipping is
// fine, e.g. a delivery ack that overtakes the send ack). Only sending may fail,
// and failed only leaves through an explicit retry.
func CanAdvance(from, to Status, retry bool) bool {
	if retry {
		return from == StatusFailed && to == StatusSending
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	f, okFrom := progress[from]
	t, okTo := progress[to]
	if !okFrom || !okTo {
		return false
	}
	return t > f
}
