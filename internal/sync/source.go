package sync

import (
	"errors"
	"fmt"

	"github.com/matheus3301/dmsync/internal/chat"
)

// SourceKind tells where a message entered the synchronizer.
type SourceKind int

const (
	// SourceLocal is a message composed on this device (plaintext body).
	SourceLocal SourceKind = iota
	// SourceRemote is an envelope received from the channel (sealed body).
	SourceRemote
	// SourceCache is a message read back from the store (sealed body).
	SourceCache
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceCache:
		return "cache"
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

// Source is one message in whichever shape its origin produced. Exactly one
// of Message (local, cache) or Envelope (remote) is meaningful.
type Source struct {
	Kind     SourceKind
	Message  chat.Message
	Envelope chat.Envelope
}

// Normalized is a message in both of its forms.
type Normalized struct {
	// Stored is what goes to the store and the wire: body sealed.
	Stored chat.Message
	// View is what the UI renders: body in plaintext when it could be
	// decrypted, as received otherwise.
	View chat.Message
	// Plausible is false when the body could not be decrypted.
	Plausible bool
}

var errForeignMessage = errors.New("message does not involve the local user")

// normalize converts any source into its stored and view forms. Decryption
// and participant checks happen here and nowhere else.
func (e *Engine) normalize(src Source) (Normalized, error) {
	switch src.Kind {
	case SourceLocal:
		stored, err := e.cipher.EncryptMessage(src.Message)
		if err != nil {
			return Normalized{}, fmt.Errorf("encrypt: %w", err)
		}
		return Normalized{Stored: stored, View: src.Message, Plausible: true}, nil

	case SourceRemote:
		env := src.Envelope
		if env.ID == "" || env.Sender == "" || env.Recipient == "" {
			return Normalized{}, errors.New("envelope missing id or participants")
		}
		if env.Sender != e.cfg.UserID && env.Recipient != e.cfg.UserID {
			return Normalized{}, errForeignMessage
		}
		status := chat.StatusDelivered
		if env.Sender == e.cfg.UserID {
			status = chat.StatusSent
		}
		stored := env.ToMessage(status)
		if !stored.Encrypted {
			// Plaintext from the wire is still sealed at rest.
			sealed, err := e.cipher.EncryptMessage(stored)
			if err != nil {
				return Normalized{}, fmt.Errorf("encrypt: %w", err)
			}
			return Normalized{Stored: sealed, View: stored, Plausible: true}, nil
		}
		view, ok := e.cipher.DecryptMessage(stored)
		return Normalized{Stored: stored, View: view, Plausible: ok}, nil

	case SourceCache:
		view, ok := e.cipher.DecryptMessage(src.Message)
		return Normalized{Stored: src.Message, View: view, Plausible: ok}, nil
	}
	return Normalized{}, fmt.Errorf("unknown source %s", src.Kind)
}
