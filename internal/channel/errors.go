package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAckTimeout is returned when the server does not acknowledge in time.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrDisconnected is returned when the connection drops mid-send.
	ErrDisconnected = errors.New("connection lost")
)

// RejectedError is a negative acknowledgment from the server. Terminal
// rejections must not be retried automatically.
type RejectedError struct {
	Reason   string
	Terminal bool
}

func (e *RejectedError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("send rejected: %s", e.Reason)
	}
	return fmt.Sprintf("send deferred: %s", e.Reason)
}

// IsTerminal reports whether err is a terminal server rejection.
func IsTerminal(err error) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.Terminal
}
