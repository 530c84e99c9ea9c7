package cipher

import (
	"strings"
	"testing"

	"github.com/matheus3301/dmsync/internal/chat"
)

func TestDeriveKeyCommutative(t *testing.T) {
	c := New("")
	pairs := [][2]string{{"u1", "u2"}, {"alice", "bob"}, {"", "x"}, {"same", "same"}}
	for _, p := range pairs {
		if c.DeriveKey(p[0], p[1]) != c.DeriveKey(p[1], p[0]) {
			t.Errorf("DeriveKey(%q, %q) not commutative", p[0], p[1])
		}
	}
	if c.DeriveKey("u1", "u2") == c.DeriveKey("u1", "u3") {
		t.Error("different pairs derived the same key")
	}
}

func TestDeriveKeyDependsOnSalt(t *testing.T) {
	if New("a").DeriveKey("u1", "u2") == New("b").DeriveKey("u1", "u2") {
		t.Error("salt does not affect the derived key")
	}
}

func TestRoundTrip(t *testing.T) {
	c := New("")
	for _, msg := range []string{"hello", "", "ünïcødé ✓", strings.Repeat("x", 4096)} {
		ct, err := c.Encrypt(msg, "u1", "u2")
		if err != nil {
			t.Fatal(err)
		}
		if msg != "" && strings.Contains(ct, msg) {
			t.Errorf("ciphertext contains plaintext %q", msg)
		}
		// Either participant order decrypts.
		if got := c.Decrypt(ct, "u2", "u1"); got != msg {
			t.Errorf("Decrypt() = %q, want %q", got, msg)
		}
	}
}

func TestDecryptNeverFails(t *testing.T) {
	c := New("")
	ct, err := c.Encrypt("secret", "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
		a, b  string
	}{
		{"plain text", "just text", "u1", "u2"},
		{"bad base64", prefix + "!!!", "u1", "u2"},
		{"too short", prefix + "AAAA", "u1", "u2"},
		{"wrong key", ct, "u1", "u3"},
		{"empty", "", "u1", "u2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Open(tt.input, tt.a, tt.b)
			if ok {
				t.Errorf("Open(%q) ok = true, want false", tt.input)
			}
			if got != tt.input {
				t.Errorf("Open(%q) = %q, want input unchanged", tt.input, got)
			}
		})
	}
}

func TestMessageFieldWise(t *testing.T) {
	c := New("")
	m := chat.Message{
		ID: "m1", ConversationID: "u1_u2", SenderID: "u1", RecipientID: "u2",
		Body: "hello", ReplyToID: "m0", Status: chat.StatusSending, CreatedAt: 42,
		Attachments: []chat.Attachment{{URL: "https://x/y.png", Kind: chat.KindImage, Size: 3}},
	}
	enc, err := c.EncryptMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if !enc.Encrypted || enc.Body == m.Body {
		t.Fatalf("EncryptMessage() did not seal the body: %+v", enc)
	}
	if enc.ID != m.ID || enc.ReplyToID != m.ReplyToID || enc.CreatedAt != m.CreatedAt || len(enc.Attachments) != 1 {
		t.Errorf("EncryptMessage() changed non-body fields: %+v", enc)
	}

	again, err := c.EncryptMessage(enc)
	if err != nil {
		t.Fatal(err)
	}
	if again.Body != enc.Body {
		t.Error("EncryptMessage() re-encrypted an encrypted message")
	}

	dec, ok := c.DecryptMessage(enc)
	if !ok || dec.Body != "hello" || dec.Encrypted {
		t.Errorf("DecryptMessage() = %+v, %v", dec, ok)
	}
}

func TestDecryptMessageImplausible(t *testing.T) {
	c := New("")
	m := chat.Message{SenderID: "u1", RecipientID: "u2", Body: "garbage", Encrypted: true}
	got, ok := c.DecryptMessage(m)
	if ok {
		t.Error("DecryptMessage() ok = true for garbage")
	}
	if got.Body != "garbage" {
		t.Errorf("body = %q, want as received", got.Body)
	}
}
