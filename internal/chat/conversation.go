package chat

import (
	"strings"
	"unicode"
)

// Separator joins the two participant ids of a conversation id.
const Separator = "_"

// ConversationID returns the deterministic id shared by both participants.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// ValidUserID reports whether id can take part in a conversation id: it
// must be non-empty, at most 128 bytes, and free of the separator, spaces
// and control characters.
func ValidUserID(id string) bool {
	if id == "" || len(id) > 128 || strings.Contains(id, Separator) {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) < 0
}
